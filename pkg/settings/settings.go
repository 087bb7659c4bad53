// Package settings applies bus tuning changes to the store and to the
// running controller together.
package settings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/protocol"
)

// Patch is a partial bus settings update. Nil fields are left unchanged.
type Patch struct {
	RetryCount     *int `json:"retry_count,omitempty"`
	RetryDelayMS   *int `json:"retry_delay_ms,omitempty"`
	WaitDelayMS    *int `json:"wait_delay_ms,omitempty"`
	PollIntervalMS *int `json:"poll_interval_ms,omitempty"`
}

// Apply returns s with the patch applied.
func (p Patch) Apply(s db.BusSettings) db.BusSettings {
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
	if p.RetryDelayMS != nil {
		s.RetryDelayMS = *p.RetryDelayMS
	}
	if p.WaitDelayMS != nil {
		s.WaitDelayMS = *p.WaitDelayMS
	}
	if p.PollIntervalMS != nil {
		s.PollIntervalMS = *p.PollIntervalMS
	}
	return s
}

// Tuner is the part of the controller that accepts new tuning.
type Tuner interface {
	Reconfigure(cfg protocol.Config) error
	SetPollInterval(d time.Duration)
}

// Service reads and updates the active profile's bus settings.
type Service struct {
	store     db.BusSettingsStore
	profileID int64
	tuner     Tuner

	mu sync.Mutex
}

// New creates a Service. tuner may be nil when no controller is running.
func New(store db.BusSettingsStore, profileID int64, tuner Tuner) *Service {
	return &Service{store: store, profileID: profileID, tuner: tuner}
}

// Get returns the stored settings.
func (s *Service) Get(ctx context.Context) (db.BusSettings, error) {
	b, err := s.store.Get(ctx, s.profileID)
	if err != nil {
		return db.BusSettings{}, err
	}
	return *b, nil
}

// Update applies p, persists the result and pushes it to the controller.
func (s *Service) Update(ctx context.Context, p Patch) (db.BusSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get(ctx)
	if err != nil {
		return db.BusSettings{}, err
	}

	next := p.Apply(current)
	cfg := next.ProtocolConfig()
	if err := cfg.Validate(); err != nil {
		return db.BusSettings{}, fmt.Errorf("%w: %v", device.ErrValidation, err)
	}

	if err := s.store.Save(ctx, &next); err != nil {
		return db.BusSettings{}, err
	}

	if s.tuner != nil {
		if err := s.tuner.Reconfigure(cfg); err != nil {
			return db.BusSettings{}, err
		}
		s.tuner.SetPollInterval(next.PollInterval())
	}

	log.Info().
		Int("retry_count", next.RetryCount).
		Int("retry_delay_ms", next.RetryDelayMS).
		Int("wait_delay_ms", next.WaitDelayMS).
		Int("poll_interval_ms", next.PollIntervalMS).
		Msg("Bus settings updated")

	return s.Get(ctx)
}

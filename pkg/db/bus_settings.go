package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/urmzd/licd/pkg/protocol"
)

var ErrBusSettingsNotFound = errors.New("bus settings not found")

// BusSettings holds the controller tuning for a profile.
type BusSettings struct {
	ProfileID      int64     `json:"-"`
	SerialPort     string    `json:"serial_port"`
	RetryCount     int       `json:"retry_count"`
	RetryDelayMS   int       `json:"retry_delay_ms"`
	WaitDelayMS    int       `json:"wait_delay_ms"`
	PollIntervalMS int       `json:"poll_interval_ms"`
	Capacity       int       `json:"capacity"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultBusSettings returns the stock tuning.
func DefaultBusSettings() BusSettings {
	cfg := protocol.DefaultConfig()
	return BusSettings{
		RetryCount:     cfg.RetryCount,
		RetryDelayMS:   int(cfg.RetryDelay / time.Millisecond),
		WaitDelayMS:    int(cfg.WaitDelay / time.Millisecond),
		PollIntervalMS: 1000,
		Capacity:       protocol.MaxDevices,
	}
}

// ProtocolConfig converts the settings to a controller config.
func (b BusSettings) ProtocolConfig() protocol.Config {
	return protocol.Config{
		RetryCount: b.RetryCount,
		RetryDelay: time.Duration(b.RetryDelayMS) * time.Millisecond,
		WaitDelay:  time.Duration(b.WaitDelayMS) * time.Millisecond,
	}
}

// PollInterval returns the driving loop period.
func (b BusSettings) PollInterval() time.Duration {
	if b.PollIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(b.PollIntervalMS) * time.Millisecond
}

// BusSettingsStore provides bus settings persistence.
type BusSettingsStore interface {
	Get(ctx context.Context, profileID int64) (*BusSettings, error)
	Save(ctx context.Context, b *BusSettings) error
}

// BusSettings returns a BusSettingsStore for this database.
func (db *DB) BusSettings() BusSettingsStore {
	return &busSettingsStore{db: db}
}

type busSettingsStore struct {
	db *DB
}

func (s *busSettingsStore) Get(ctx context.Context, profileID int64) (*BusSettings, error) {
	b := &BusSettings{}
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id, serial_port, retry_count, retry_delay_ms, wait_delay_ms,
		       poll_interval_ms, capacity, updated_at
		FROM bus_settings WHERE profile_id = ?
	`, profileID).Scan(&b.ProfileID, &b.SerialPort, &b.RetryCount, &b.RetryDelayMS,
		&b.WaitDelayMS, &b.PollIntervalMS, &b.Capacity, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBusSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return b, nil
}

// Save inserts or replaces the settings row for b.ProfileID.
func (s *busSettingsStore) Save(ctx context.Context, b *BusSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bus_settings (profile_id, serial_port, retry_count, retry_delay_ms,
		                          wait_delay_ms, poll_interval_ms, capacity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET
			serial_port = excluded.serial_port,
			retry_count = excluded.retry_count,
			retry_delay_ms = excluded.retry_delay_ms,
			wait_delay_ms = excluded.wait_delay_ms,
			poll_interval_ms = excluded.poll_interval_ms,
			capacity = excluded.capacity,
			updated_at = datetime('now')
	`, b.ProfileID, b.SerialPort, b.RetryCount, b.RetryDelayMS, b.WaitDelayMS, b.PollIntervalMS, b.Capacity)
	if err != nil {
		return fmt.Errorf("failed to save bus settings: %w", err)
	}
	return nil
}

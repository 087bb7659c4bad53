// Package bootstrap wires the store and the bus controller for the
// command-line entry points.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/licd/pkg/bus"
	"github.com/urmzd/licd/pkg/bus/serialbridge"
	"github.com/urmzd/licd/pkg/bus/sim"
	"github.com/urmzd/licd/pkg/controller"
	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/metrics"
	"github.com/urmzd/licd/pkg/registry"
)

// ErrNoBus means neither a serial port nor a simulation manifest was given.
var ErrNoBus = errors.New("no bus configured")

// OpenStore opens the database, migrates it, seeds it on first run and
// loads the active configuration.
func OpenStore(ctx context.Context, path string) (*db.DB, *db.Config, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	log.Info().Str("path", database.Path()).Msg("Database opened")

	if err := database.Migrate(ctx); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	needsBootstrap, err := database.NeedsBootstrap(ctx)
	if err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("check bootstrap status: %w", err)
	}
	if needsBootstrap {
		log.Info().Msg("First run detected, bootstrapping database...")
		if err := database.Bootstrap(ctx); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("bootstrap database: %w", err)
		}
	}

	cfg, err := database.ActiveConfig(ctx)
	if err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	return database, cfg, nil
}

// SelectProfile makes the named profile active, creating it with default
// settings when it does not exist, and returns its configuration. An empty
// name keeps the active profile.
func SelectProfile(ctx context.Context, database *db.DB, name string) (*db.Config, error) {
	if name == "" {
		return database.ActiveConfig(ctx)
	}

	profiles := database.Profiles()
	existing, err := profiles.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	var id int64
	for _, p := range existing {
		if p.Name == name {
			id = p.ID
			break
		}
	}

	if id == 0 {
		p := &db.Profile{Name: name}
		if err := profiles.Create(ctx, p); err != nil {
			return nil, err
		}
		if err := database.SeedProfile(ctx, p.ID); err != nil {
			return nil, err
		}
		log.Info().Str("profile", name).Msg("Profile created")
		id = p.ID
	}

	if err := profiles.SetActive(ctx, id); err != nil {
		return nil, fmt.Errorf("activate profile %q: %w", name, err)
	}

	p, err := profiles.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Info().Str("profile", p.Name).Int64("id", p.ID).Msg("Profile selected")

	return database.ActiveConfig(ctx)
}

// BusOptions selects the transport.
type BusOptions struct {
	// Manifest is a YAML file of simulated subordinates. When set the
	// serial port is ignored.
	Manifest string
	// SerialPort overrides the stored serial port.
	SerialPort string
	// Journal, when set, records every discovery event.
	Journal controller.Journal
}

// OpenController builds a controller over the simulated or serial bus.
func OpenController(settings db.BusSettings, opts BusOptions, m *metrics.Metrics) (*controller.Controller, error) {
	var (
		b      bus.Bus
		copts  = []controller.Option{controller.WithMetrics(m)}
		source string
	)

	switch port := firstNonEmpty(opts.SerialPort, settings.SerialPort); {
	case opts.Manifest != "":
		manifest, err := sim.LoadManifest(opts.Manifest)
		if err != nil {
			return nil, err
		}
		simBus := sim.New()
		subs, err := manifest.Attach(simBus)
		if err != nil {
			return nil, err
		}
		log.Info().Int("devices", len(subs)).Str("manifest", opts.Manifest).Msg("Simulated bus ready")
		b, source = simBus, "sim:"+opts.Manifest
	case port != "":
		bridge, err := serialbridge.Open(port)
		if err != nil {
			return nil, err
		}
		b, source = bridge, port
		copts = append(copts, controller.WithCloser(bridge))
	default:
		return nil, ErrNoBus
	}
	if opts.Journal != nil {
		copts = append(copts, controller.WithJournal(opts.Journal))
	}

	c, err := controller.New(b, registry.New(settings.Capacity), settings.ProtocolConfig(), copts...)
	if err != nil {
		return nil, err
	}
	c.SetPollInterval(settings.PollInterval())

	log.Info().Str("bus", source).Msg("Bus controller attached")
	return c, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urmzd/licd/pkg/api"
	"github.com/urmzd/licd/pkg/bootstrap"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/device/schema"
	"github.com/urmzd/licd/pkg/metrics"
	"github.com/urmzd/licd/pkg/notify"
	"github.com/urmzd/licd/pkg/settings"
)

// @title           licd API
// @version         1.0
// @description     REST API for the bus address allocation controller

// @host      localhost:8080
// @BasePath  /api/v1
// @schemes   http

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	dbPath := flag.String("db", "", "Path to database file (default: $LICD_DB or <config dir>/licd/licd.db)")
	serialPort := flag.String("port", "", "Path to the bus bridge serial port (overrides stored setting)")
	profile := flag.String("profile", "", "Activate this profile, creating it with defaults if missing")
	manifest := flag.String("sim", "", "Run against a simulated bus described by this YAML manifest")
	broker := flag.String("mqtt", "", "MQTT broker URL for event publication, e.g. tcp://localhost:1883")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, cfg, err := bootstrap.OpenStore(ctx, *dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	if cfg, err = bootstrap.SelectProfile(ctx, database, *profile); err != nil {
		log.Fatal().Err(err).Str("profile", *profile).Msg("Failed to select profile")
	}

	// Every event reaches the history synchronously; subscribers may lag
	history := notify.NewHistory(database.Registrations(), cfg.Profile.ID)
	busSettings := cfg.BusSettings()
	log.Info().
		Str("profile", cfg.Profile.Name).
		Str("api_address", cfg.APIAddress()).
		Int("capacity", busSettings.Capacity).
		Msg("Configuration loaded")

	m := metrics.New()

	// Attach the bus; fall back to NullController so the API stays up
	var controller device.Controller
	var eventSubscriber device.EventSubscriber
	var tuner settings.Tuner

	busController, err := bootstrap.OpenController(busSettings, bootstrap.BusOptions{
		Manifest:   *manifest,
		SerialPort: *serialPort,
		Journal:    history,
	}, m)
	if err != nil {
		log.Warn().Err(err).Msg("Bus unavailable, using null controller")
		controller = device.NewNullController()
		eventSubscriber = device.NewNullEventSubscriber()
	} else {
		controller = busController
		eventSubscriber = busController
		tuner = busController

		go func() {
			if err := busController.Run(ctx, busSettings.PollInterval()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Discovery loop stopped")
			}
		}()
	}
	defer controller.Close()

	// MQTT publication rides the subscriber fan-out
	if *broker != "" {
		publisher, err := notify.DialMQTT(notify.MQTTOptions{Broker: *broker, ClientID: "licd-" + cfg.Profile.Name})
		if err != nil {
			log.Warn().Err(err).Str("broker", *broker).Msg("MQTT unavailable, events will not be published")
		} else {
			defer publisher.Close()
			events := eventSubscriber.Subscribe()
			go notify.Forward(ctx, events, publisher)
		}
	}

	service := settings.New(database.BusSettings(), cfg.Profile.ID, tuner)
	router := api.NewRouter(controller, eventSubscriber, service, history, schema.NewValidator(), m.Handler())

	srv := &http.Server{
		Addr:              cfg.APIAddress(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().Str("address", srv.Addr).Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

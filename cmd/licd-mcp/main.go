package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urmzd/licd/pkg/bootstrap"
	"github.com/urmzd/licd/pkg/device"
	licdmcp "github.com/urmzd/licd/pkg/mcp"
	"github.com/urmzd/licd/pkg/metrics"
	"github.com/urmzd/licd/pkg/notify"
)

var version = "dev"

func main() {
	// Logging must go to stderr, stdout is the MCP transport
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	dbPath := flag.String("db", "", "Path to database file (default: $LICD_DB or <config dir>/licd/licd.db)")
	serialPort := flag.String("port", "", "Path to the bus bridge serial port (overrides stored setting)")
	profile := flag.String("profile", "", "Activate this profile, creating it with defaults if missing")
	manifest := flag.String("sim", "", "Run against a simulated bus described by this YAML manifest")
	background := flag.Bool("poll", false, "Also run the discovery loop in the background")
	flag.Parse()

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

	var controller device.Controller
	busController, err := bootstrap.OpenController(busSettings, bootstrap.BusOptions{
		Manifest:   *manifest,
		SerialPort: *serialPort,
		Journal:    history,
	}, metrics.New())
	if err != nil {
		log.Warn().Err(err).Msg("Bus unavailable, using null controller")
		controller = device.NewNullController()
	} else {
		controller = busController
		if *background {
			go func() {
				if err := busController.Run(ctx, busSettings.PollInterval()); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("Discovery loop stopped")
				}
			}()
		}
	}
	defer controller.Close()

	mcpServer := licdmcp.NewServer(controller, version, licdmcp.WithHistory(history))

	log.Info().Msg("Starting MCP server on stdio")

	if err := mcpServer.ServeStdio(); err != nil {
		log.Fatal().Err(err).Msg("MCP server failed")
	}
}

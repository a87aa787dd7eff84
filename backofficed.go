package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsdeck/backoffice/cfg"
	"github.com/obsdeck/backoffice/id"
	"github.com/obsdeck/backoffice/loop"
	"github.com/obsdeck/backoffice/notify"
	"github.com/obsdeck/backoffice/publisher"
	_ "github.com/obsdeck/backoffice/publisher/sink"
	"github.com/obsdeck/backoffice/server"
	"github.com/obsdeck/backoffice/state"
	"github.com/obsdeck/backoffice/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func logLevel(verbose bool) zerolog.Level {
	if verbose {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	log.Logger = zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()
	zerolog.SetGlobalLevel(logLevel(cfg.Config.Logging.Verbose))

	log.Info().Msg("Observatory backoffice - reactive state server")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	id.SetInstance(cfg.Config.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// State tree and its owner loop
	tree := state.NewTree(state.WithLineage(id.Next()))
	hub := notify.NewHub()
	l := loop.New(
		tree,
		hub,
		time.Duration(cfg.Config.State.FlushIntervalMS)*time.Millisecond,
		cfg.Config.State.QueueSize,
	)
	l.Start()
	defer l.Stop()
	defer hub.Close()

	if path := cfg.Config.State.SeedFile; path != "" {
		doc, err := loop.ReadSeed(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to read seed file")
			return
		}
		if err := l.Seed(ctx, doc); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to seed state")
			return
		}
		log.Info().Str("path", path).Int("keys", doc.Len()).Msg("Seeded initial state")
	}

	watches, err := l.RegisterWatches(ctx, cfg.Config.Watches)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register watches")
		return
	}

	collector := telemetry.NewMetricsCollector(l, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	// Mirrors
	mirrors, err := publisher.NewRegistry(l, cfg.Config.Mirrors)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize mirrors")
		return
	}
	if err := mirrors.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start mirrors")
		return
	}
	defer mirrors.Stop()

	// HTTP surface
	srv, err := server.New(l, cfg.Config.HTTP, cfg.Config.Replication)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize HTTP server")
		return
	}
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		srv.SetMetricsHandler(handler)
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
		return
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server did not stop cleanly")
		}
	}()

	// Log level and watches follow the config file.
	if _, err := os.Stat(*cfg.ConfigPathFlag); err == nil {
		err = cfg.Watch(ctx, *cfg.ConfigPathFlag, func(c *cfg.Configuration) {
			zerolog.SetGlobalLevel(logLevel(c.Logging.Verbose))
			if err := l.RemoveWatches(ctx, watches); err != nil {
				log.Warn().Err(err).Msg("Failed to remove watches")
				return
			}
			handles, err := l.RegisterWatches(ctx, c.Watches)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to register reloaded watches")
			}
			watches = handles
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config reload disabled")
		}
	}

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Uint64("lineage", tree.Lineage()).
		Int("http_port", cfg.Config.HTTP.Port).
		Int("mirrors", mirrors.Len()).
		Msg("Backoffice is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

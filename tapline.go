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

	"github.com/maxpert/tapline/admin"
	"github.com/maxpert/tapline/cfg"
	"github.com/maxpert/tapline/destination"
	"github.com/maxpert/tapline/destination/sink"
	"github.com/maxpert/tapline/encoding"
	"github.com/maxpert/tapline/pipeline"
	"github.com/maxpert/tapline/repository"
	"github.com/maxpert/tapline/state"
	"github.com/maxpert/tapline/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

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
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Str("source", cfg.Config.Source).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Tapline - CDC delivery core")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sink and delivery buffer
	snk, err := sink.New(cfg.Config.Sink)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sink")
		return
	}

	buffer, err := destination.NewBuffered(snk, destination.BufferedOptions{
		Name:        cfg.Config.Sink.Name,
		Capacity:    cfg.Config.Buffer.Size,
		GracePeriod: time.Duration(cfg.Config.Buffer.GracePeriodMS) * time.Millisecond,
		Metrics:     telemetry.NewDestinationMetrics(cfg.Config.Sink.Name),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create delivery buffer")
		return
	}
	buffer.AddListener(func(err error) {
		log.Error().Err(err).Str("destination", buffer.Name()).Msg("Delivery error")
	})

	if err := buffer.Open(ctx); err != nil {
		_ = buffer.Close()
		log.Fatal().Err(err).Msg("Failed to open sink")
		return
	}

	collector := telemetry.NewMetricsCollector(5*time.Second, buffer)
	collector.Start()

	// Replication state store
	stateMetrics := telemetry.NewStateMetrics(cfg.Config.Source)
	repo, closeRepo, err := openStateRepository()
	if err != nil {
		_ = buffer.Close()
		log.Fatal().Err(err).Msg("Failed to open state repository")
		return
	}
	store := state.NewRepository[state.SourceState](repo, stateMetrics)

	if s, ok, err := store.Read(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to read replication state")
	} else if ok {
		log.Info().Stringer("state", s).Msg("Resuming from saved replication state")
	} else {
		log.Info().Str("path", store.Path()).Msg("No replication state saved yet")
	}

	checkpointer, err := pipeline.NewCheckpointer(pipeline.CheckpointerConfig{
		Name:     cfg.Config.Source,
		Source:   buffer,
		Store:    store,
		Epoch:    pipeline.StaticEpoch(cfg.Config.Checkpoint.LeaderEpoch),
		Interval: time.Duration(cfg.Config.Checkpoint.IntervalMS) * time.Millisecond,
		Metrics:  stateMetrics,
		OnError: func(err error) {
			log.Error().Err(err).Msg("Replication position not persisted")
		},
	})
	if err != nil {
		_ = buffer.Close()
		log.Fatal().Err(err).Msg("Failed to create checkpointer")
		return
	}
	checkpointer.Start()

	// Admin endpoint
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(buffer, store, cfg.Config.NodeID, cfg.Config.Source)
		router := admin.NewRouter(handlers, cfg.Config.Admin.Secret, telemetry.GetMetricsHandler())
		adminServer, err = admin.NewServer(cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port, router)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		adminServer.Start()
	}

	log.Info().
		Str("sink", cfg.Config.Sink.Type).
		Str("state_backend", string(cfg.Config.State.Backend)).
		Int("buffer_size", cfg.Config.Buffer.Size).
		Msg("Tapline started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}
	if err := buffer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close delivery buffer")
	}
	collector.Stop()
	if err := checkpointer.Stop(); err != nil {
		log.Warn().Err(err).Msg("Final checkpoint failed")
	}
	if err := closeRepo(); err != nil {
		log.Warn().Err(err).Msg("Failed to close state repository")
	}

	log.Info().Msg("Tapline stopped")
}

// openStateRepository builds the configured state backend and a function releasing it
func openStateRepository() (repository.Repository[state.SourceState], func() error, error) {
	codec, err := encoding.ByName(cfg.Config.State.Codec)
	if err != nil {
		return nil, nil, err
	}
	opts := repository.Options{Codec: codec, AllowRemove: cfg.Config.State.AllowRemove}
	path := cfg.Config.State.Path

	switch cfg.Config.State.Backend {
	case cfg.StateBackendEtcd:
		client, err := repository.NewEtcdClient(
			cfg.Config.State.EtcdEndpoints,
			time.Duration(cfg.Config.State.DialTimeoutMS)*time.Millisecond,
		)
		if err != nil {
			return nil, nil, err
		}
		repo, err := repository.NewEtcd[state.SourceState](client, path, opts)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return repo, client.Close, nil

	case cfg.StateBackendMemory:
		log.Warn().Msg("Memory state backend selected, replication state is lost on restart")
		repo, err := repository.NewMemory[state.SourceState](nil, path, opts)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() error { return nil }, nil

	default:
		db, err := repository.OpenPebble(cfg.PebblePath())
		if err != nil {
			return nil, nil, err
		}
		repo, err := repository.NewPebble[state.SourceState](db, path, opts)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, db.Close, nil
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/tapstream/admin"
	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/checkpoint"
	"github.com/maxpert/tapstream/dispatcher"
	"github.com/maxpert/tapstream/publisher"
	_ "github.com/maxpert/tapstream/publisher/sink"
	_ "github.com/maxpert/tapstream/publisher/transformer"
	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/tap"
	"github.com/maxpert/tapstream/telemetry"
	"github.com/maxpert/tapstream/vbucket"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const metricsInterval = 10 * time.Second

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
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("tapstream - checkpoint replication streams")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Storage engine
	log.Info().Int("vbuckets", cfg.Config.Store.NumVBuckets).Msg("Initializing store")
	kv, err := store.New(store.Options{
		NumVBuckets:      cfg.Config.Store.NumVBuckets,
		ResidentCapacity: cfg.Config.Store.ResidentCapacity,
		Checkpoint: checkpoint.Options{
			MaxItems:   cfg.Config.Checkpoint.MaxItems,
			KeepClosed: cfg.Config.Checkpoint.KeepClosed,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
		return
	}
	defer kv.Close()

	for id := 0; id < cfg.Config.Store.NumVBuckets; id++ {
		if err := kv.SetVBucketState(uint16(id), vbucket.Active); err != nil {
			log.Fatal().Err(err).Int("vbucket", id).Msg("Failed to create vbucket")
			return
		}
	}

	flusher := store.NewFlusher(kv, store.DefaultFlushInterval)
	flusher.Start()
	defer flusher.Stop()

	cursors, err := checkpoint.OpenCursorStore(cfg.GetCursorStorePath(), time.Now)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cursor store")
		return
	}
	defer cursors.Close()

	// Background task runners
	slow := time.Duration(cfg.Config.Dispatcher.SlowTaskMS) * time.Millisecond
	readers := dispatcher.New("readers", cfg.Config.Dispatcher.ReadOnlyWorkers, slow)
	nonIO := dispatcher.New("nonio", cfg.Config.Dispatcher.Workers, slow)
	readers.Start()
	defer readers.Stop()
	nonIO.Start()
	defer nonIO.Stop()

	// Stream engine
	tapConfig := cfg.NewTapConfig(cfg.Config.Tap)
	conns := tap.NewConnMap(tap.Options{
		Store:                       kv,
		Config:                      tapConfig,
		Readers:                     readers,
		NonIO:                       nonIO,
		Cursors:                     cursors,
		InconsistentSlaveCheckpoint: cfg.Config.Checkpoint.InconsistentSlaveCheckpoint,
	})
	kv.SetMutationListener(func(uint16) { conns.NotifyNotificationThread() })
	defer conns.Shutdown()

	var publishers *publisher.Registry
	if cfg.Config.Publisher.Enabled {
		publishers, err = publisher.NewRegistry(publisher.RegistryConfig{
			Conns:       conns,
			NodeID:      cfg.Config.NodeID,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create publisher registry")
			return
		}
		if err := publishers.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start publisher")
			return
		}
		defer publishers.Stop()
	}

	collector := telemetry.NewMetricsCollector(conns, metricsInterval)
	collector.Start()
	defer collector.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conns.Run(gctx) })
	g.Go(func() error {
		watchReload(gctx, tapConfig)
		return nil
	})

	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(conns, tapConfig)
		if publishers != nil {
			handlers.WithPublishers(publishers)
		}
		server := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port),
			Handler:           admin.NewServeMux(handlers, telemetry.GetMetricsHandler()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("address", server.Addr).Msg("Admin server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Shutting down after failure")
		return
	}
	log.Info().Msg("Shutting down")
}

// watchReload applies the [tap] section of the configuration file on SIGHUP
func watchReload(ctx context.Context, tapConfig *cfg.TapConfig) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			fresh, err := cfg.ReloadTap(*cfg.ConfigPathFlag)
			if err != nil {
				log.Error().Err(err).Msg("Failed to reload tap configuration")
				continue
			}
			tapConfig.Apply(fresh)
		}
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/api"
	"github.com/dgnsrekt/flagsync/internal/events"
	"github.com/dgnsrekt/flagsync/internal/metrics"
	"github.com/dgnsrekt/flagsync/internal/push"
	"github.com/dgnsrekt/flagsync/internal/relay"
	"github.com/dgnsrekt/flagsync/internal/storage"
	"github.com/dgnsrekt/flagsync/internal/sync"
	"github.com/dgnsrekt/flagsync/internal/syncmanager"
	"github.com/dgnsrekt/flagsync/internal/transport"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Bootstrap flags and keep them current via streaming or polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.IsLocalhost() {
				return runLocalhost(cmd.Context())
			}
			return runRemote(cmd.Context())
		},
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func runRemote(ctx context.Context) error {
	reg := newRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)

	endpoints := api.Endpoints{
		SDKURL:       cfg.API.SDKURL,
		AuthURL:      cfg.API.AuthURL,
		StreamingURL: cfg.API.StreamingURL,
	}
	tc := transport.NewClient(cfg.API.Timeout(), logger)
	client := api.NewClient(tc, endpoints, cfg.API.SDKKey, cfg.API.RatePerSecond, recorder, logger)
	notifier := events.NewManager(logger)

	splitsStore, err := storage.NewSplitsStorage(cfg.Storage.CacheDir, logger)
	if err != nil {
		return fmt.Errorf("creating splits storage: %w", err)
	}
	segmentsStore, err := storage.NewMySegmentsStorage(cfg.Sync.UserKey, cfg.Storage.CacheDir, logger)
	if err != nil {
		return fmt.Errorf("creating my segments storage: %w", err)
	}

	synchronizer := sync.NewSynchronizer(sync.Options{
		FeaturesRefresh: cfg.Sync.FeaturesRefresh(),
		SegmentsRefresh: cfg.Sync.SegmentsRefresh(),
		RetryBase:       cfg.Sync.RetryBase(),
		RetryMax:        cfg.Sync.RetryMax(),
	},
		sync.NewSplitsCycle(client, splitsStore, notifier, recorder, logger),
		sync.NewMySegmentsCycle(client, segmentsStore, notifier, recorder, logger),
		notifier, logger)

	var pushManager syncmanager.PushManager
	if cfg.Sync.StreamingEnabled {
		pushManager = push.NewManager(
			push.Config{UserKey: cfg.Sync.UserKey, MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts},
			client,
			push.NewConnection(tc, endpoints.Streaming(), push.DefaultIdleTimeout, logger),
			synchronizer,
			sync.NewExponentialBackoff(cfg.Sync.ReconnectBase(), cfg.Sync.ReconnectMax()),
			recorder,
			logger,
		)
	}

	controller := syncmanager.NewController(syncmanager.Config{
		StreamingEnabled: cfg.Sync.StreamingEnabled,
		ReadyTimeout:     cfg.Sync.ReadyTimeout(),
	}, synchronizer, pushManager, notifier, logger)

	logger.Info("starting sync",
		zap.String("sdkURL", cfg.API.SDKURL),
		zap.String("userKey", cfg.Sync.UserKey),
		zap.Bool("streaming", cfg.Sync.StreamingEnabled),
		zap.Duration("featuresRefresh", cfg.Sync.FeaturesRefresh()),
		zap.Duration("segmentsRefresh", cfg.Sync.SegmentsRefresh()),
	)
	controller.Start(ctx)
	defer controller.Stop()

	go logReady(ctx, notifier, splitsStore)

	return serve(ctx, relay.Sources{
		Mode:     controller,
		Modes:    controller,
		Events:   notifier,
		Splits:   splitsStore,
		Segments: segmentsStore,
	}, reg)
}

func logReady(ctx context.Context, notifier *events.Manager, splits *storage.SplitsStorage) {
	if err := notifier.Wait(ctx, events.SDKReady); err != nil {
		return
	}
	logger.Info("sdk ready",
		zap.Int("splits", len(splits.GetAll())),
		zap.Int64("changeNumber", splits.ChangeNumber()),
	)
}

// serve blocks until ctx is done, exposing the relay when enabled.
func serve(ctx context.Context, src relay.Sources, reg *prometheus.Registry) error {
	if !cfg.Relay.Enabled {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}
	return relay.NewServer(src, reg, logger).ListenAndServe(ctx, cfg.Relay.Addr)
}

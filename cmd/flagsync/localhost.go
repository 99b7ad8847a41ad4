package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/events"
	"github.com/dgnsrekt/flagsync/internal/relay"
	"github.com/dgnsrekt/flagsync/internal/storage"
	"github.com/dgnsrekt/flagsync/internal/sync"
	"github.com/dgnsrekt/flagsync/internal/syncmanager"
)

var localhostFile string

func localhostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "localhost",
		Short: "Serve flags from a local YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocalhost(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&localhostFile, "file", "f", "", "split definitions file (overrides localhost.file)")
	return cmd
}

func runLocalhost(ctx context.Context) error {
	reg := newRegistry()
	notifier := events.NewManager(logger)

	splitsStore, err := storage.NewSplitsStorage("", logger)
	if err != nil {
		return fmt.Errorf("creating splits storage: %w", err)
	}
	loader, err := storage.NewLocalhostLoader(cfg.Localhost.File, splitsStore, logger)
	if err != nil {
		return err
	}

	refresh := cfg.Localhost.Refresh()
	localhost := syncmanager.NewLocalhost(loader, sync.NewPeriodicTimer(refresh, refresh), notifier, logger)
	if err := localhost.Start(); err != nil {
		return err
	}
	defer localhost.Stop()

	logger.Info("serving localhost splits",
		zap.String("file", cfg.Localhost.File),
		zap.Int("splits", len(splitsStore.GetAll())),
		zap.Duration("refresh", refresh),
	)

	return serve(ctx, relay.Sources{
		Mode:   localhost,
		Events: notifier,
		Splits: splitsStore,
	}, reg)
}

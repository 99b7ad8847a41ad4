package syncmanager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/events"
	"github.com/dgnsrekt/flagsync/internal/sync"
)

// Loader reloads flag definitions from a local source.
type Loader interface {
	Load() (bool, error)
}

// Localhost serves flags from a file, re-read on every timer tick. It never
// touches the network.
type Localhost struct {
	loader   Loader
	worker   *sync.PeriodicWorker
	notifier Notifier
	logger   *zap.Logger
}

func NewLocalhost(loader Loader, timer sync.PeriodicTimer, notifier Notifier, logger *zap.Logger) *Localhost {
	l := &Localhost{
		loader:   loader,
		notifier: notifier,
		logger:   logger,
	}
	l.worker = sync.NewPeriodicWorker("localhost", timer, sync.CycleFunc(l.reload), nil, logger)
	return l
}

// Start performs the first load and arms the refresh timer.
func (l *Localhost) Start() error {
	if _, err := l.loader.Load(); err != nil {
		return fmt.Errorf("loading localhost splits: %w", err)
	}
	l.notifier.Notify(events.SplitsAreReady)
	l.notifier.Notify(events.MySegmentsAreReady)
	l.worker.Start()
	return nil
}

func (l *Localhost) Mode() Mode {
	if l.worker.State() == sync.WorkerDestroyed {
		return Stopped
	}
	return PollActive
}

func (l *Localhost) Stop() {
	l.worker.Destroy()
}

func (l *Localhost) reload(context.Context) error {
	changed, err := l.loader.Load()
	if err != nil {
		l.logger.Warn("localhost reload failed", zap.Error(err))
		return err
	}
	if changed {
		l.notifier.Notify(events.SplitsAreUpdated)
	}
	return nil
}

package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/flagsync/internal/events"
)

// Options tunes a Synchronizer. Zero factories fall back to the real timer
// and the exponential backoff.
type Options struct {
	FeaturesRefresh time.Duration
	SegmentsRefresh time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration

	NewTimer   func(interval time.Duration) PeriodicTimer
	NewBackoff func() BackoffCounter
}

// Synchronizer owns the bootstrap and periodic workers of both resources.
type Synchronizer struct {
	opts Options

	splits          *SplitsCycle
	segments        *MySegmentsCycle
	splitsStorage   SplitsStorage
	segmentsStorage MySegmentsStorage
	notifier        Notifier

	splitsWorker   *PeriodicWorker
	segmentsWorker *PeriodicWorker

	mu        gosync.Mutex
	bootstrap map[*RetryableWorker]struct{}

	logger *zap.Logger
}

func NewSynchronizer(
	opts Options,
	splits *SplitsCycle,
	segments *MySegmentsCycle,
	notifier Notifier,
	logger *zap.Logger,
) *Synchronizer {
	if opts.NewTimer == nil {
		opts.NewTimer = func(interval time.Duration) PeriodicTimer {
			return NewPeriodicTimer(0, interval)
		}
	}
	if opts.NewBackoff == nil {
		opts.NewBackoff = func() BackoffCounter {
			return NewExponentialBackoff(opts.RetryBase, opts.RetryMax)
		}
	}

	s := &Synchronizer{
		opts:            opts,
		splits:          splits,
		segments:        segments,
		splitsStorage:   splits.storage,
		segmentsStorage: segments.storage,
		notifier:        notifier,
		bootstrap:       make(map[*RetryableWorker]struct{}),
		logger:          logger,
	}
	s.splitsWorker = NewPeriodicWorker("splits", opts.NewTimer(opts.FeaturesRefresh), splits,
		s.readyGate(events.SplitsAreReady, events.SplitsLoadedFromCache), logger)
	s.segmentsWorker = NewPeriodicWorker("my_segments", opts.NewTimer(opts.SegmentsRefresh), segments,
		s.readyGate(events.MySegmentsAreReady, events.MySegmentsLoadedFromCache), logger)
	return s
}

func (s *Synchronizer) readyGate(evs ...events.InternalEvent) func() bool {
	return func() bool {
		for _, ev := range evs {
			if s.notifier.HasFired(ev) {
				return true
			}
		}
		return false
	}
}

// LoadFromCache restores both storages from their snapshots.
func (s *Synchronizer) LoadFromCache() {
	if s.splitsStorage.LoadFromCache() {
		s.notifier.Notify(events.SplitsLoadedFromCache)
	}
	if s.segmentsStorage.LoadFromCache() {
		s.notifier.Notify(events.MySegmentsLoadedFromCache)
	}
}

// SyncAll retries both resources until they succeed, ctx ends or Destroy is
// called. Success marks each resource ready.
func (s *Synchronizer) SyncAll(ctx context.Context) error {
	workers := []*RetryableWorker{
		s.newBootstrapWorker("splits_bootstrap", s.splits, events.SplitsAreReady),
		s.newBootstrapWorker("my_segments_bootstrap", s.segments, events.MySegmentsAreReady),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w.Start()
		g.Go(func() error {
			defer s.release(w)
			select {
			case ok := <-w.Done():
				if !ok {
					return fmt.Errorf("%w: %s", ErrBootstrapFailed, w.name)
				}
				return nil
			case <-gctx.Done():
				w.Stop()
				if ok := <-w.Done(); ok {
					return nil
				}
				return fmt.Errorf("%w: %s: %w", ErrBootstrapFailed, w.name, gctx.Err())
			}
		})
	}
	return g.Wait()
}

func (s *Synchronizer) newBootstrapWorker(name string, cycle Cycle, ready events.InternalEvent) *RetryableWorker {
	w := NewRetryableWorker(name, cycle, s.opts.NewBackoff(), func() {
		s.notifier.Notify(ready)
	}, s.logger)

	s.mu.Lock()
	s.bootstrap[w] = struct{}{}
	s.mu.Unlock()
	return w
}

func (s *Synchronizer) release(w *RetryableWorker) {
	s.mu.Lock()
	delete(s.bootstrap, w)
	s.mu.Unlock()
}

// SynchronizeSplits fetches when changeNumber is ahead of the stored cursor.
func (s *Synchronizer) SynchronizeSplits(ctx context.Context, changeNumber int64) error {
	if changeNumber <= s.splitsStorage.ChangeNumber() {
		return nil
	}
	return s.splits.Sync(ctx)
}

// KillSplit applies a kill locally, then catches up with the server.
func (s *Synchronizer) KillSplit(ctx context.Context, name, defaultTreatment string, changeNumber int64) error {
	if s.splitsStorage.Kill(name, defaultTreatment, changeNumber) {
		s.notifier.Notify(events.SplitsAreUpdated)
	}
	return s.SynchronizeSplits(ctx, changeNumber)
}

func (s *Synchronizer) SynchronizeMySegments(ctx context.Context) error {
	return s.segments.Sync(ctx)
}

// UpdateMySegments applies a membership list delivered by push.
func (s *Synchronizer) UpdateMySegments(segments []string) {
	s.segments.Apply(segments)
}

func (s *Synchronizer) StartPeriodicFetching() {
	s.splitsWorker.Start()
	s.segmentsWorker.Start()
}

func (s *Synchronizer) StopPeriodicFetching() {
	s.splitsWorker.Stop()
	s.segmentsWorker.Stop()
}

func (s *Synchronizer) PausePeriodicFetching() {
	s.splitsWorker.Pause()
	s.segmentsWorker.Pause()
}

func (s *Synchronizer) ResumePeriodicFetching() {
	s.splitsWorker.Resume()
	s.segmentsWorker.Resume()
}

// PeriodicState reports the lifecycle of the splits and segments workers.
func (s *Synchronizer) PeriodicState() (splits, segments WorkerState) {
	return s.splitsWorker.State(), s.segmentsWorker.State()
}

// Destroy stops pending bootstraps and disposes the periodic workers.
func (s *Synchronizer) Destroy() {
	s.mu.Lock()
	pending := make([]*RetryableWorker, 0, len(s.bootstrap))
	for w := range s.bootstrap {
		pending = append(pending, w)
	}
	s.mu.Unlock()

	for _, w := range pending {
		w.Stop()
	}
	s.splitsWorker.Destroy()
	s.segmentsWorker.Destroy()
}

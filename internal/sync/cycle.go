package sync

import (
	"context"
	"fmt"
	"slices"
	"sort"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/api"
	"github.com/dgnsrekt/flagsync/internal/events"
	"github.com/dgnsrekt/flagsync/internal/metrics"
)

// Cycle is one fetch-and-apply pass over a resource.
type Cycle interface {
	Sync(ctx context.Context) error
}

// CycleFunc adapts a function to Cycle.
type CycleFunc func(ctx context.Context) error

func (f CycleFunc) Sync(ctx context.Context) error {
	return f(ctx)
}

// SplitsStorage is the flag storage the engine applies change sets to.
type SplitsStorage interface {
	ChangeNumber() int64
	Update(cs *api.ChangeSet) error
	Kill(name, defaultTreatment string, changeNumber int64) bool
	LoadFromCache() bool
}

// MySegmentsStorage holds the membership of one user key.
type MySegmentsStorage interface {
	UserKey() string
	Set(segments []string)
	GetAll() []string
	LoadFromCache() bool
}

// Notifier receives readiness signals.
type Notifier interface {
	Notify(ev events.InternalEvent)
	HasFired(ev events.InternalEvent) bool
}

// SplitsCycle pages through split changes until the server reports the
// cursor is caught up. Concurrent callers run one at a time.
type SplitsCycle struct {
	mu       gosync.Mutex
	fetcher  api.SplitFetcher
	storage  SplitsStorage
	notifier Notifier
	recorder metrics.Recorder
	logger   *zap.Logger
}

func NewSplitsCycle(fetcher api.SplitFetcher, storage SplitsStorage, notifier Notifier, recorder metrics.Recorder, logger *zap.Logger) *SplitsCycle {
	return &SplitsCycle{
		fetcher:  fetcher,
		storage:  storage,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
	}
}

// Sync requests pages starting at the stored cursor. Each page is applied
// before the next is requested with the cursor it produced. The first error
// aborts the remaining pages.
func (c *SplitsCycle) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		since := c.storage.ChangeNumber()
		cs, err := c.fetcher.FetchSplitChanges(ctx, since)
		if err != nil {
			c.recorder.Count(metrics.SplitChangeFetcherException, 1)
			c.logger.Warn("split changes fetch failed", zap.Int64("since", since), zap.Error(err))
			return err
		}

		if err := c.storage.Update(cs); err != nil {
			c.recorder.Count(metrics.SplitChangeFetcherException, 1)
			c.logger.Warn("split changes not applied",
				zap.Int64("since", cs.Since),
				zap.Int64("till", cs.Till),
				zap.Error(err),
			)
			return fmt.Errorf("applying split changes: %w", err)
		}
		if len(cs.Splits) > 0 {
			updated = true
		}
		if cs.CaughtUp() {
			break
		}
	}

	if updated {
		c.notifier.Notify(events.SplitsAreUpdated)
	}
	return nil
}

// MySegmentsCycle replaces the segment membership with one request.
// Fetches and pushed memberships are applied one at a time.
type MySegmentsCycle struct {
	mu       gosync.Mutex
	fetcher  api.MySegmentsFetcher
	storage  MySegmentsStorage
	notifier Notifier
	recorder metrics.Recorder
	logger   *zap.Logger
}

func NewMySegmentsCycle(fetcher api.MySegmentsFetcher, storage MySegmentsStorage, notifier Notifier, recorder metrics.Recorder, logger *zap.Logger) *MySegmentsCycle {
	return &MySegmentsCycle{
		fetcher:  fetcher,
		storage:  storage,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
	}
}

func (c *MySegmentsCycle) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	segments, err := c.fetcher.FetchMySegments(ctx, c.storage.UserKey())
	if err != nil {
		c.recorder.Count(metrics.MySegmentsFetcherException, 1)
		c.logger.Warn("my segments fetch failed", zap.Error(err))
		return err
	}
	c.apply(segments)
	return nil
}

// Apply stores segments and reports an update when membership changed.
func (c *MySegmentsCycle) Apply(segments []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(segments)
}

func (c *MySegmentsCycle) apply(segments []string) {
	sorted := slices.Clone(segments)
	sort.Strings(sorted)
	if slices.Equal(sorted, c.storage.GetAll()) {
		return
	}
	c.storage.Set(sorted)
	c.notifier.Notify(events.MySegmentsAreUpdated)
}

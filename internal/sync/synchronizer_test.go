package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/api"
	"github.com/dgnsrekt/flagsync/internal/events"
	"github.com/dgnsrekt/flagsync/internal/metrics"
	"github.com/dgnsrekt/flagsync/internal/storage"
)

type synchronizerFixture struct {
	sync     *Synchronizer
	splits   *fakeSplitFetcher
	segments *fakeSegmentsFetcher
	store    *storage.SplitsStorage
	notifier *events.Manager
	timers   []*manualTimer
}

func newSynchronizerFixture(t *testing.T, cacheDir string) *synchronizerFixture {
	t.Helper()
	logger := zap.NewNop()
	f := &synchronizerFixture{
		splits:   &fakeSplitFetcher{},
		segments: &fakeSegmentsFetcher{segments: []string{"beta"}},
		notifier: events.NewManager(logger),
	}

	var err error
	f.store, err = storage.NewSplitsStorage(cacheDir, logger)
	require.NoError(t, err)
	segStore, err := storage.NewMySegmentsStorage("user-1", cacheDir, logger)
	require.NoError(t, err)

	opts := Options{
		FeaturesRefresh: time.Hour,
		SegmentsRefresh: time.Hour,
		NewTimer: func(time.Duration) PeriodicTimer {
			timer := &manualTimer{}
			f.timers = append(f.timers, timer)
			return timer
		},
		NewBackoff: func() BackoffCounter { return &fakeBackoff{delay: time.Millisecond} },
	}
	f.sync = NewSynchronizer(opts,
		NewSplitsCycle(f.splits, f.store, f.notifier, metrics.Noop{}, logger),
		NewMySegmentsCycle(f.segments, segStore, f.notifier, metrics.Noop{}, logger),
		f.notifier, logger)
	t.Cleanup(f.sync.Destroy)
	return f
}

func TestSynchronizer_SyncAllMarksReady(t *testing.T) {
	f := newSynchronizerFixture(t, "")
	f.splits.pages = []splitPage{
		{err: errFetch},
		{cs: &api.ChangeSet{Since: -1, Till: 10, Splits: []api.Split{{Name: "a"}}}},
		{cs: &api.ChangeSet{Since: 10, Till: 10}},
	}

	require.NoError(t, f.sync.SyncAll(context.Background()))
	assert.True(t, f.notifier.HasFired(events.SplitsAreReady))
	assert.True(t, f.notifier.HasFired(events.MySegmentsAreReady))
	assert.True(t, f.notifier.SDKEventFired(events.SDKReady))
	assert.Equal(t, int64(10), f.store.ChangeNumber())
}

func TestSynchronizer_SyncAllCancelled(t *testing.T) {
	f := newSynchronizerFixture(t, "")
	f.segments.err = errFetch

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.sync.SyncAll(ctx)
	assert.ErrorIs(t, err, ErrBootstrapFailed)
	assert.False(t, f.notifier.HasFired(events.MySegmentsAreReady))
}

func TestSynchronizer_PeriodicFetchingWaitsForCache(t *testing.T) {
	dir := t.TempDir()
	seed := newSynchronizerFixture(t, dir)
	seed.splits.pages = []splitPage{{cs: &api.ChangeSet{Since: -1, Till: 7, Splits: []api.Split{{Name: "a"}}}}, {cs: &api.ChangeSet{Since: 7, Till: 7}}}
	require.NoError(t, seed.sync.SyncAll(context.Background()))

	f := newSynchronizerFixture(t, dir)
	f.sync.StartPeriodicFetching()
	splitsTimer := f.timers[0]

	splitsTimer.fire()
	assert.Empty(t, f.splits.Calls())

	f.sync.LoadFromCache()
	assert.True(t, f.notifier.SDKEventFired(events.SDKReadyFromCache))
	assert.Equal(t, int64(7), f.store.ChangeNumber())

	splitsTimer.fire()
	require.Eventually(t, func() bool { return len(f.splits.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{7}, f.splits.Calls())

	f.sync.StopPeriodicFetching()
	splitsState, segmentsState := f.sync.PeriodicState()
	assert.Equal(t, WorkerStopped, splitsState)
	assert.Equal(t, WorkerStopped, segmentsState)
}

func TestSynchronizer_PushUpdates(t *testing.T) {
	f := newSynchronizerFixture(t, "")
	f.splits.pages = []splitPage{{cs: &api.ChangeSet{Since: -1, Till: 100, Splits: []api.Split{{Name: "a", DefaultTreatment: "on", ChangeNumber: 100}}}}, {cs: &api.ChangeSet{Since: 100, Till: 100}}}
	require.NoError(t, f.sync.SyncAll(context.Background()))

	require.NoError(t, f.sync.SynchronizeSplits(context.Background(), 100))
	assert.Len(t, f.splits.Calls(), 2, "change number already applied")

	require.NoError(t, f.sync.KillSplit(context.Background(), "a", "off", 150))
	split, _ := f.store.Get("a")
	assert.True(t, split.Killed)
	assert.Equal(t, "off", split.DefaultTreatment)
	assert.Len(t, f.splits.Calls(), 3)

	f.sync.UpdateMySegments([]string{"gamma"})
	assert.True(t, f.notifier.HasFired(events.MySegmentsAreUpdated))
}

func TestSynchronizer_BootstrapAndPeriodicDoNotOverlap(t *testing.T) {
	logger := zap.NewNop()
	fetcher := &slowFailingFetcher{}
	notifier := events.NewManager(logger)
	segStore, err := storage.NewMySegmentsStorage("user-1", "", logger)
	require.NoError(t, err)

	var timers []*manualTimer
	s := NewSynchronizer(Options{
		FeaturesRefresh: time.Hour,
		SegmentsRefresh: time.Hour,
		NewTimer: func(time.Duration) PeriodicTimer {
			timer := &manualTimer{}
			timers = append(timers, timer)
			return timer
		},
		NewBackoff: func() BackoffCounter { return &fakeBackoff{delay: time.Millisecond} },
	},
		NewSplitsCycle(fetcher, newSplitsStorage(t), notifier, metrics.Noop{}, logger),
		NewMySegmentsCycle(&fakeSegmentsFetcher{}, segStore, notifier, metrics.Noop{}, logger),
		notifier, logger)
	t.Cleanup(s.Destroy)

	notifier.Notify(events.SplitsLoadedFromCache)
	s.StartPeriodicFetching()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.SyncAll(ctx) }()

	for ctx.Err() == nil {
		timers[0].fire()
		time.Sleep(2 * time.Millisecond)
	}
	assert.ErrorIs(t, <-done, ErrBootstrapFailed)
	assert.Greater(t, fetcher.calls.Load(), int32(2))
	assert.Equal(t, int32(1), fetcher.peak.Load(), "splits fetch cycles ran concurrently")
}

package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/flagsync/internal/api"
)

var errFetch = errors.New("fetch failed")

// manualTimer only ticks when the test calls fire.
type manualTimer struct {
	mu        gosync.Mutex
	handler   func()
	triggers  int
	armed     bool
	destroyed bool
}

func (t *manualTimer) Handler(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *manualTimer) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.triggers++
	t.armed = true
}

func (t *manualTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
}

func (t *manualTimer) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
	t.destroyed = true
}

func (t *manualTimer) fire() {
	t.mu.Lock()
	fn, armed := t.handler, t.armed
	t.mu.Unlock()
	if armed && fn != nil {
		fn()
	}
}

// tick calls the handler even when disarmed, as a late timer callback would.
func (t *manualTimer) tick() {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *manualTimer) Triggers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.triggers
}

type splitPage struct {
	cs  *api.ChangeSet
	err error
}

type fakeSplitFetcher struct {
	mu     gosync.Mutex
	pages  []splitPage
	sinces []int64
}

func (f *fakeSplitFetcher) FetchSplitChanges(_ context.Context, since int64) (*api.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if len(f.pages) == 0 {
		return &api.ChangeSet{Since: since, Till: since}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page.cs, page.err
}

func (f *fakeSplitFetcher) Calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sinces...)
}

type fakeSegmentsFetcher struct {
	mu       gosync.Mutex
	segments []string
	err      error
	calls    int
}

func (f *fakeSegmentsFetcher) FetchMySegments(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.segments, f.err
}

// countingCycle fails the first failures calls and can block until released.
type countingCycle struct {
	mu       gosync.Mutex
	calls    int
	failures int
	block    chan struct{}
}

func (c *countingCycle) Sync(ctx context.Context) error {
	c.mu.Lock()
	c.calls++
	n := c.calls
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= c.failures {
		return errFetch
	}
	return nil
}

func (c *countingCycle) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeBackoff struct {
	mu     gosync.Mutex
	delay  time.Duration
	calls  int
	resets int
}

func (b *fakeBackoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.delay
}

func (b *fakeBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
}

func (b *fakeBackoff) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeRecorder struct {
	mu     gosync.Mutex
	counts map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{counts: make(map[string]int)}
}

func (r *fakeRecorder) Count(name string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += delta
}

func (r *fakeRecorder) Time(string, time.Duration) {}

func (r *fakeRecorder) Get(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// slowFailingFetcher fails every fetch after a short delay and records the
// highest number of fetches in flight at once.
type slowFailingFetcher struct {
	active atomic.Int32
	peak   atomic.Int32
	calls  atomic.Int32
}

func (f *slowFailingFetcher) FetchSplitChanges(ctx context.Context, _ int64) (*api.ChangeSet, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
	}
	return nil, errFetch
}

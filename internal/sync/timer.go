package sync

import (
	gosync "sync"
	"time"
)

// PeriodicTimer calls its handler after an initial deadline and then on every
// interval until stopped.
type PeriodicTimer interface {
	// Trigger arms the timer. Triggering an armed timer is a no-op.
	Trigger()
	// Stop suspends ticking; Trigger arms it again.
	Stop()
	// Destroy releases the timer for good.
	Destroy()
	Handler(fn func())
}

type tickerTimer struct {
	deadline time.Duration
	interval time.Duration

	mu        gosync.Mutex
	handler   func()
	stopCh    chan struct{}
	destroyed bool
}

// NewPeriodicTimer returns a PeriodicTimer backed by a goroutine and a
// time.Ticker. A zero deadline fires the first tick after one interval.
func NewPeriodicTimer(deadline, interval time.Duration) PeriodicTimer {
	if deadline <= 0 {
		deadline = interval
	}
	return &tickerTimer{deadline: deadline, interval: interval}
}

func (t *tickerTimer) Handler(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *tickerTimer) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		panic("sync: trigger on destroyed timer")
	}
	if t.stopCh != nil {
		return
	}
	t.stopCh = make(chan struct{})
	go t.run(t.stopCh)
}

func (t *tickerTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *tickerTimer) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.destroyed = true
	t.handler = nil
}

func (t *tickerTimer) stopLocked() {
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
}

func (t *tickerTimer) run(stop <-chan struct{}) {
	first := time.NewTimer(t.deadline)
	defer first.Stop()

	select {
	case <-stop:
		return
	case <-first.C:
		t.fire()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.fire()
		}
	}
}

func (t *tickerTimer) fire() {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

package sync

import (
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffCounter hands out increasing retry delays.
type BackoffCounter interface {
	NextDelay() time.Duration
	Reset()
}

// ExponentialBackoff doubles the delay from base up to max, with jitter.
type ExponentialBackoff struct {
	mu  gosync.Mutex
	max time.Duration
	b   *backoff.ExponentialBackOff
}

func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return &ExponentialBackoff{max: max, b: b}
}

func (e *ExponentialBackoff) NextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.b.NextBackOff()
	if d == backoff.Stop || d > e.max {
		return e.max
	}
	return d
}

func (e *ExponentialBackoff) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Reset()
}

var _ BackoffCounter = (*ExponentialBackoff)(nil)

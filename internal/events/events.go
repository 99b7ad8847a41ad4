// Package events tracks internal sync signals and derives the SDK readiness
// events observed by applications.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// InternalEvent is raised by the sync engine.
type InternalEvent string

const (
	SplitsAreReady            InternalEvent = "splitsAreReady"
	MySegmentsAreReady        InternalEvent = "mySegmentsAreReady"
	SplitsLoadedFromCache     InternalEvent = "splitsLoadedFromCache"
	MySegmentsLoadedFromCache InternalEvent = "mySegmentsLoadedFromCache"
	SplitsAreUpdated          InternalEvent = "splitsAreUpdated"
	MySegmentsAreUpdated      InternalEvent = "mySegmentsAreUpdated"
	SDKReadyTimeoutReached    InternalEvent = "sdkReadyTimeoutReached"
)

// SDKEvent is what applications observe.
type SDKEvent string

const (
	SDKReady          SDKEvent = "SDK_READY"
	SDKReadyFromCache SDKEvent = "SDK_READY_FROM_CACHE"
	SDKUpdate         SDKEvent = "SDK_UPDATE"
	SDKReadyTimedOut  SDKEvent = "SDK_READY_TIMED_OUT"
)

// Manager records internal events and fans out derived SDK events.
type Manager struct {
	mu          sync.Mutex
	fired       map[InternalEvent]bool
	sdkFired    map[SDKEvent]bool
	waiters     map[SDKEvent]chan struct{}
	subscribers map[chan SDKEvent]struct{}
	logger      *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		fired:       make(map[InternalEvent]bool),
		sdkFired:    make(map[SDKEvent]bool),
		waiters:     make(map[SDKEvent]chan struct{}),
		subscribers: make(map[chan SDKEvent]struct{}),
		logger:      logger,
	}
}

// Notify records ev and emits any SDK event it completes.
func (m *Manager) Notify(ev InternalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fired[ev] = true
	m.logger.Debug("internal event", zap.String("event", string(ev)))

	switch ev {
	case SplitsAreReady, MySegmentsAreReady:
		if m.fired[SplitsAreReady] && m.fired[MySegmentsAreReady] && !m.sdkFired[SDKReady] {
			m.emit(SDKReady)
		}
	case SplitsLoadedFromCache, MySegmentsLoadedFromCache:
		if m.fired[SplitsLoadedFromCache] && m.fired[MySegmentsLoadedFromCache] &&
			!m.sdkFired[SDKReady] && !m.sdkFired[SDKReadyFromCache] {
			m.emit(SDKReadyFromCache)
		}
	case SplitsAreUpdated, MySegmentsAreUpdated:
		if m.sdkFired[SDKReady] {
			m.emit(SDKUpdate)
		}
	case SDKReadyTimeoutReached:
		if !m.sdkFired[SDKReady] && !m.sdkFired[SDKReadyTimedOut] {
			m.emit(SDKReadyTimedOut)
		}
	}
}

// HasFired reports whether ev was ever notified.
func (m *Manager) HasFired(ev InternalEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired[ev]
}

// SDKEventFired reports whether ev was emitted at least once.
func (m *Manager) SDKEventFired(ev SDKEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sdkFired[ev]
}

// Fired returns the internal events notified so far.
func (m *Manager) Fired() []InternalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InternalEvent, 0, len(m.fired))
	for ev := range m.fired {
		out = append(out, ev)
	}
	return out
}

// Wait blocks until ev has been emitted or ctx is done.
func (m *Manager) Wait(ctx context.Context, ev SDKEvent) error {
	m.mu.Lock()
	if m.sdkFired[ev] {
		m.mu.Unlock()
		return nil
	}
	ch := m.waiterLocked(ev)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Subscribe returns a channel of emitted SDK events. Slow subscribers miss
// events rather than block the engine.
func (m *Manager) Subscribe() (<-chan SDKEvent, func()) {
	ch := make(chan SDKEvent, 16)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (m *Manager) waiterLocked(ev SDKEvent) chan struct{} {
	ch, ok := m.waiters[ev]
	if !ok {
		ch = make(chan struct{})
		m.waiters[ev] = ch
	}
	return ch
}

func (m *Manager) emit(ev SDKEvent) {
	first := !m.sdkFired[ev]
	m.sdkFired[ev] = true
	if first {
		close(m.waiterLocked(ev))
	}

	m.logger.Info("sdk event", zap.String("event", string(ev)))
	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("subscriber full, dropping event", zap.String("event", string(ev)))
		}
	}
}

package push

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/api"
	"github.com/dgnsrekt/flagsync/internal/metrics"
	"github.com/dgnsrekt/flagsync/internal/sync"
)

// tokenRefreshMargin is subtracted from the token lifetime when scheduling
// a reconnect with a fresh token.
const tokenRefreshMargin = 10 * time.Minute

// Config identifies the streaming user and bounds reconnection.
type Config struct {
	UserKey string
	// MaxReconnectAttempts bounds consecutive failed attempts; zero retries
	// forever.
	MaxReconnectAttempts int
}

// Manager authenticates, keeps the streaming connection alive and turns its
// traffic into Events and storage updates.
type Manager struct {
	cfg     Config
	auth    api.Authenticator
	conn    *Connection
	backoff sync.BackoffCounter

	tracker *PresenceTracker
	events  *sync.Broadcaster[Event]

	updatesEnabled atomic.Bool
	paused         atomic.Bool
	splitsWorker   *updateWorker
	segmentsWorker *updateWorker

	mu      gosync.Mutex
	cancel  context.CancelFunc
	running gosync.WaitGroup

	recorder metrics.Recorder
	logger   *zap.Logger
}

func NewManager(
	cfg Config,
	auth api.Authenticator,
	conn *Connection,
	synchronizer Synchronizer,
	backoff sync.BackoffCounter,
	recorder metrics.Recorder,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		cfg:      cfg,
		auth:     auth,
		conn:     conn,
		backoff:  backoff,
		events:   sync.NewBroadcaster[Event]("push", 32, logger),
		recorder: recorder,
		logger:   logger,
	}
	m.splitsWorker = newUpdateWorker("split_updates", splitsHandler(synchronizer), m.updatesEnabled.Load, logger)
	m.segmentsWorker = newUpdateWorker("my_segments_updates", mySegmentsHandler(synchronizer), m.updatesEnabled.Load, logger)
	m.tracker = NewPresenceTracker(EmitterFunc(m.emitPresence), logger)
	return m
}

// Subscribe returns the derived push events.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// EnableUpdates gates whether update notifications reach storage. Disabling
// drops whatever is queued; a notification already being applied finishes.
func (m *Manager) EnableUpdates(enabled bool) {
	m.updatesEnabled.Store(enabled)
	if enabled {
		return
	}
	if n := m.splitsWorker.drain() + m.segmentsWorker.drain(); n > 0 {
		m.logger.Debug("dropped queued update notifications", zap.Int("count", n))
	}
}

func (m *Manager) Tracker() *PresenceTracker {
	return m.tracker
}

// Start runs the connect loop in the background. Calling Start on a started
// manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.running.Add(3)
	go func() {
		defer m.running.Done()
		m.splitsWorker.Run(ctx)
	}()
	go func() {
		defer m.running.Done()
		m.segmentsWorker.Run(ctx)
	}()
	go func() {
		defer m.running.Done()
		m.run(ctx)
	}()
}

// Stop closes the connection and waits for the background loops.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.conn.Disconnect()
	m.running.Wait()
}

func (m *Manager) emit(ev Event) {
	m.logger.Info("push event", zap.Stringer("event", ev))
	m.events.Emit(ev)
}

// emitPresence suppresses SubsystemUp while streaming is paused by control.
func (m *Manager) emitPresence(ev Event) {
	if ev == SubsystemUp && m.paused.Load() {
		return
	}
	m.emit(ev)
}

func (m *Manager) run(ctx context.Context) {
	failures := 0
	for {
		retry, reset := m.attempt(ctx)
		if ctx.Err() != nil || !retry {
			return
		}
		if reset {
			failures = 0
			m.backoff.Reset()
			continue
		}

		failures++
		if m.cfg.MaxReconnectAttempts > 0 && failures >= m.cfg.MaxReconnectAttempts {
			m.logger.Warn("streaming reconnect attempts exhausted", zap.Int("attempts", failures))
			m.emit(NonRetryableError)
			return
		}

		delay := m.backoff.NextDelay()
		m.logger.Info("streaming reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", failures))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// attempt authenticates and consumes one connection. retry reports whether
// another attempt should follow; reset reports that it should follow at once.
func (m *Manager) attempt(ctx context.Context) (retry, reset bool) {
	token, err := m.auth.Authenticate(ctx, m.cfg.UserKey)
	if err != nil {
		if ctx.Err() != nil {
			return false, false
		}
		m.recorder.Count(metrics.StreamingConnectionErrors, 1)
		if errors.Is(err, api.ErrAuthFailed) {
			m.logger.Error("streaming authentication rejected", zap.Error(err))
			m.emit(NonRetryableError)
			return false, false
		}
		m.logger.Warn("streaming authentication failed", zap.Error(err))
		m.emit(RetryableError)
		return true, false
	}
	if !token.PushEnabled {
		m.logger.Info("streaming disabled for this sdk key")
		m.emit(SubsystemDisabled)
		return false, false
	}

	events, err := m.conn.Connect(ctx, token.Raw, token.Channels)
	if err != nil {
		m.recorder.Count(metrics.StreamingConnectionErrors, 1)
		m.logger.Warn("streaming connect failed", zap.Error(err))
		m.emit(RetryableError)
		return true, false
	}

	out := m.consume(token, events)
	if ctx.Err() != nil {
		return false, false
	}
	switch {
	case out.refresh:
		m.logger.Info("reconnecting with a fresh streaming token")
		return true, true
	case !out.recoverable:
		m.recorder.Count(metrics.StreamingConnectionErrors, 1)
		m.emit(NonRetryableError)
		return false, false
	default:
		m.recorder.Count(metrics.StreamingConnectionErrors, 1)
		m.emit(RetryableError)
		return true, false
	}
}

type outcome struct {
	recoverable bool
	refresh     bool
}

// consume reads one connection until its terminal event. Errors reported in
// error frames or control messages override the terminal classification.
func (m *Manager) consume(token *api.Token, events <-chan ConnectionEvent) outcome {
	var override *outcome

	var refresh <-chan time.Time
	if ttl := time.Duration(token.ExpiresAt-token.IssuedAt)*time.Second - tokenRefreshMargin; ttl > 0 {
		t := time.NewTimer(ttl)
		defer t.Stop()
		refresh = t.C
	}

	for {
		select {
		case <-refresh:
			override = &outcome{recoverable: true, refresh: true}
			m.conn.Disconnect()

		case ev, ok := <-events:
			if !ok {
				return outcome{recoverable: true}
			}
			switch ev.Kind {
			case ConnectionOpened:
				m.logger.Info("streaming connection open")
				m.paused.Store(false)
				m.backoff.Reset()
				if m.tracker.Publishers() > 0 {
					m.emit(SubsystemUp)
				}

			case ConnectionMessage:
				if o := m.handleFrame(ev.Frame); o != nil {
					override = o
					m.conn.Disconnect()
				}

			case ConnectionError, ConnectionDisconnected:
				if override != nil {
					return *override
				}
				m.logger.Info("streaming connection ended",
					zap.Bool("recoverable", ev.Kind == ConnectionDisconnected || ev.Recoverable),
					zap.Error(ev.Err),
				)
				return outcome{recoverable: ev.Kind == ConnectionDisconnected || ev.Recoverable}
			}
		}
	}
}

// handleFrame dispatches one frame. A non-nil outcome ends the connection.
func (m *Manager) handleFrame(f Frame) *outcome {
	if f.Event == "error" {
		se, err := ParseStreamingError([]byte(f.Data))
		if err != nil {
			m.logger.Warn("unreadable streaming error", zap.Error(err))
			return &outcome{recoverable: true}
		}
		m.logger.Warn("streaming error received", zap.Error(se), zap.Bool("tokenExpired", se.IsTokenExpired()))
		return &outcome{recoverable: se.IsRecoverable()}
	}

	n, err := ParseNotification([]byte(f.Data))
	if err != nil {
		m.logger.Debug("ignoring unreadable notification", zap.Error(err))
		return nil
	}

	switch n.Type {
	case Occupancy:
		m.tracker.Process(n)
	case Control:
		return m.handleControl(n)
	case SplitUpdate, SplitKill:
		m.dispatchUpdate(m.splitsWorker, n)
	case MySegmentsUpdate:
		m.dispatchUpdate(m.segmentsWorker, n)
	}
	return nil
}

func (m *Manager) handleControl(n *Notification) *outcome {
	m.logger.Info("streaming control", zap.String("type", string(n.ControlType)))
	switch n.ControlType {
	case StreamingPaused:
		m.paused.Store(true)
		m.emit(SubsystemDown)
	case StreamingResumed:
		m.paused.Store(false)
		if m.tracker.Publishers() > 0 {
			m.emit(SubsystemUp)
		}
	case StreamingDisabled:
		return &outcome{recoverable: false}
	}
	return nil
}

func (m *Manager) dispatchUpdate(w *updateWorker, n *Notification) {
	if !m.updatesEnabled.Load() {
		m.logger.Debug("update notification ignored in polling mode", zap.String("type", string(n.Type)))
		return
	}
	w.enqueue(n)
}

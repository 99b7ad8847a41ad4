// Package syncmanager decides whether updates arrive by streaming or by
// polling and switches between the two while the SDK runs.
package syncmanager

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/events"
	"github.com/dgnsrekt/flagsync/internal/push"
	"github.com/dgnsrekt/flagsync/internal/sync"
)

// Mode is the state of the Controller.
type Mode int

const (
	Bootstrapping Mode = iota
	PushActive
	PollActive
	Stopped
)

func (m Mode) String() string {
	switch m {
	case Bootstrapping:
		return "bootstrapping"
	case PushActive:
		return "push"
	case PollActive:
		return "poll"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Synchronizer runs bootstrap and periodic fetching.
type Synchronizer interface {
	LoadFromCache()
	SyncAll(ctx context.Context) error
	StartPeriodicFetching()
	StopPeriodicFetching()
	Destroy()
}

// PushManager drives the streaming connection.
type PushManager interface {
	Start(ctx context.Context)
	Stop()
	Subscribe() (<-chan push.Event, func())
	EnableUpdates(enabled bool)
}

// Notifier receives readiness signals.
type Notifier interface {
	Notify(ev events.InternalEvent)
}

// Config selects whether push mode is attempted after bootstrap.
type Config struct {
	StreamingEnabled bool
	// ReadyTimeout fires SDKReadyTimeoutReached if bootstrap takes longer.
	// Zero disables it.
	ReadyTimeout time.Duration
}

// Controller owns the sync mode. Periodic fetching and push updates are
// never enabled at the same time: a switch stops the previous driver before
// starting the next.
type Controller struct {
	cfg      Config
	sync     Synchronizer
	push     PushManager
	notifier Notifier

	mu           gosync.Mutex
	mode         Mode
	pushDisabled bool
	cancel       context.CancelFunc
	done         chan struct{}
	readyTimer   *time.Timer

	// catchUp tracks the SyncAll started on a poll to push switch; it is
	// cancelled before polling resumes.
	catchUp       gosync.WaitGroup
	cancelCatchUp context.CancelFunc

	modes  *sync.Broadcaster[Mode]
	logger *zap.Logger
}

func NewController(cfg Config, synchronizer Synchronizer, pushManager PushManager, notifier Notifier, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		sync:     synchronizer,
		push:     pushManager,
		notifier: notifier,
		modes:    sync.NewBroadcaster[Mode]("modes", 8, logger),
		logger:   logger,
	}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Subscribe returns every mode the controller enters.
func (c *Controller) Subscribe() (<-chan Mode, func()) {
	return c.modes.Subscribe()
}

// Start loads the cache and bootstraps in the background.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.mode == Stopped {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	if c.cfg.ReadyTimeout > 0 {
		c.readyTimer = time.AfterFunc(c.cfg.ReadyTimeout, func() {
			c.notifier.Notify(events.SDKReadyTimeoutReached)
		})
	}
	go c.run(ctx)
}

// Stop is terminal. It waits for the controller loop, then stops streaming
// and disposes the workers.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.mode == Stopped {
		c.mu.Unlock()
		return
	}
	c.mode = Stopped
	cancel, done := c.cancel, c.done
	if c.readyTimer != nil {
		c.readyTimer.Stop()
	}
	c.mu.Unlock()

	c.logger.Info("sync controller stopping")
	if cancel != nil {
		cancel()
		<-done
	}
	c.stopCatchUp()
	if c.push != nil {
		c.push.EnableUpdates(false)
		c.push.Stop()
	}
	c.sync.StopPeriodicFetching()
	c.sync.Destroy()

	c.modes.Emit(Stopped)
	c.modes.Close()
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	c.sync.LoadFromCache()
	if err := c.sync.SyncAll(ctx); err != nil {
		c.logger.Warn("bootstrap sync aborted", zap.Error(err))
		return
	}
	c.logger.Info("bootstrap sync complete")

	if !c.cfg.StreamingEnabled || c.push == nil {
		c.logger.Info("streaming disabled, polling")
		c.toPoll()
		<-ctx.Done()
		return
	}

	pushEvents, unsubscribe := c.push.Subscribe()
	defer unsubscribe()
	c.push.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pushEvents:
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev push.Event) {
	c.logger.Debug("push event received", zap.Stringer("event", ev), zap.Stringer("mode", c.Mode()))

	switch ev {
	case push.SubsystemUp:
		c.toPush(ctx)
	case push.SubsystemDown, push.RetryableError:
		c.toPoll()
	case push.NonRetryableError, push.SubsystemDisabled:
		c.mu.Lock()
		c.pushDisabled = true
		c.mu.Unlock()
		c.toPoll()
		c.push.Stop()
	}
}

func (c *Controller) toPush(ctx context.Context) {
	c.mu.Lock()
	prev := c.mode
	if prev == PushActive || prev == Stopped || c.pushDisabled {
		c.mu.Unlock()
		return
	}
	c.mode = PushActive
	c.mu.Unlock()

	c.sync.StopPeriodicFetching()
	c.push.EnableUpdates(true)
	c.logger.Info("sync mode changed", zap.Stringer("from", prev), zap.Stringer("to", PushActive))
	c.modes.Emit(PushActive)

	if prev == PollActive {
		catchUpCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancelCatchUp = cancel
		c.mu.Unlock()

		c.catchUp.Add(1)
		go func() {
			defer c.catchUp.Done()
			if err := c.sync.SyncAll(catchUpCtx); err != nil {
				c.logger.Debug("catch-up sync aborted", zap.Error(err))
			}
		}()
	}
}

// stopCatchUp cancels a running catch-up sync and waits for it to return.
func (c *Controller) stopCatchUp() {
	c.mu.Lock()
	cancel := c.cancelCatchUp
	c.cancelCatchUp = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.catchUp.Wait()
}

func (c *Controller) toPoll() {
	c.mu.Lock()
	prev := c.mode
	if prev == PollActive || prev == Stopped {
		c.mu.Unlock()
		return
	}
	c.mode = PollActive
	c.mu.Unlock()

	if c.push != nil {
		c.push.EnableUpdates(false)
	}
	c.stopCatchUp()
	c.sync.StartPeriodicFetching()
	c.logger.Info("sync mode changed", zap.Stringer("from", prev), zap.Stringer("to", PollActive))
	c.modes.Emit(PollActive)
}

package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"

	"go.uber.org/zap"
)

// WorkerState is the lifecycle of a PeriodicWorker.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerPaused
	WorkerStopped
	WorkerDestroyed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerPaused:
		return "paused"
	case WorkerStopped:
		return "stopped"
	case WorkerDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
}

// PeriodicWorker runs a Cycle on every tick of a PeriodicTimer once ready
// reports true. At most one cycle runs at a time; ticks that arrive while a
// cycle is in flight are skipped.
type PeriodicWorker struct {
	name  string
	timer PeriodicTimer
	cycle Cycle
	ready func() bool

	mu    gosync.Mutex
	state WorkerState

	exec   gosync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewPeriodicWorker wires the worker to timer. A nil ready gate is always open.
func NewPeriodicWorker(name string, timer PeriodicTimer, cycle Cycle, ready func() bool, logger *zap.Logger) *PeriodicWorker {
	if ready == nil {
		ready = func() bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &PeriodicWorker{
		name:   name,
		timer:  timer,
		cycle:  cycle,
		ready:  ready,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("worker", name)),
	}
	timer.Handler(w.tick)
	return w
}

func (w *PeriodicWorker) Name() string {
	return w.name
}

func (w *PeriodicWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start arms the timer. Starting a running worker is a no-op.
func (w *PeriodicWorker) Start() {
	if !w.transition("start", WorkerRunning, WorkerRunning, WorkerPaused) {
		return
	}
	w.timer.Trigger()
	w.logger.Debug("periodic worker started")
}

// Pause discards ticks until Resume; the timer keeps its phase.
func (w *PeriodicWorker) Pause() {
	w.transition("pause", WorkerPaused, WorkerIdle, WorkerPaused, WorkerStopped)
}

func (w *PeriodicWorker) Resume() {
	w.transition("resume", WorkerRunning, WorkerIdle, WorkerRunning, WorkerStopped)
}

// Stop halts scheduling. A cycle in flight completes.
func (w *PeriodicWorker) Stop() {
	if !w.transition("stop", WorkerStopped, WorkerIdle, WorkerStopped) {
		return
	}
	w.timer.Stop()
	w.logger.Debug("periodic worker stopped")
}

// Destroy releases the timer. The worker cannot be used afterwards.
func (w *PeriodicWorker) Destroy() {
	w.mu.Lock()
	if w.state == WorkerDestroyed {
		w.mu.Unlock()
		return
	}
	w.state = WorkerDestroyed
	w.mu.Unlock()

	w.timer.Destroy()
	w.cancel()
}

// transition moves the worker to state to unless it currently is in one of
// unchanged. Operating a destroyed worker panics.
func (w *PeriodicWorker) transition(op string, to WorkerState, unchanged ...WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WorkerDestroyed {
		panic(fmt.Sprintf("sync: %s on destroyed worker %q", op, w.name))
	}
	if slices.Contains(unchanged, w.state) {
		return false
	}
	w.state = to
	return true
}

func (w *PeriodicWorker) tick() {
	if w.State() != WorkerRunning {
		return
	}
	if !w.ready() {
		w.logger.Debug("tick skipped, initial sync not complete")
		return
	}
	if !w.exec.TryLock() {
		w.logger.Debug("tick skipped, previous cycle still running")
		return
	}

	go func() {
		defer w.exec.Unlock()
		if err := w.cycle.Sync(w.ctx); err != nil {
			w.logger.Debug("periodic cycle failed, retrying next tick", zap.Error(err))
		}
	}()
}

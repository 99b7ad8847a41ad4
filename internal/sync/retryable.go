package sync

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"
)

// RetryableWorker runs a Cycle until it succeeds, waiting for the backoff
// counter between attempts. Done yields the outcome exactly once.
type RetryableWorker struct {
	name      string
	cycle     Cycle
	backoff   BackoffCounter
	onSuccess func()

	mu       gosync.Mutex
	started  bool
	finished bool
	attempts int
	retry    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan bool
	logger *zap.Logger
}

// NewRetryableWorker creates a worker; onSuccess, if set, runs before the
// successful outcome is delivered.
func NewRetryableWorker(name string, cycle Cycle, backoff BackoffCounter, onSuccess func(), logger *zap.Logger) *RetryableWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryableWorker{
		name:      name,
		cycle:     cycle,
		backoff:   backoff,
		onSuccess: onSuccess,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan bool, 1),
		logger:    logger.With(zap.String("worker", name)),
	}
}

// Start runs the first attempt in the background.
func (w *RetryableWorker) Start() {
	w.mu.Lock()
	if w.started || w.finished {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.attempt()
}

// Stop cancels a pending retry. If the worker has not succeeded yet, Done
// yields false.
func (w *RetryableWorker) Stop() {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	if w.retry != nil {
		w.retry.Stop()
	}
	w.mu.Unlock()

	w.cancel()
	w.deliver(false)
}

// Done yields the outcome and is then closed.
func (w *RetryableWorker) Done() <-chan bool {
	return w.done
}

// Attempts returns how many fetch-and-apply attempts ran.
func (w *RetryableWorker) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

func (w *RetryableWorker) attempt() {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.attempts++
	n := w.attempts
	w.mu.Unlock()

	err := w.cycle.Sync(w.ctx)
	if err == nil {
		w.succeed()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	delay := w.backoff.NextDelay()
	w.logger.Info("sync attempt failed, retrying",
		zap.Int("attempt", n),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	w.retry = time.AfterFunc(delay, w.attempt)
}

func (w *RetryableWorker) succeed() {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	w.mu.Unlock()

	w.backoff.Reset()
	if w.onSuccess != nil {
		w.onSuccess()
	}
	w.logger.Debug("sync completed", zap.Int("attempts", w.Attempts()))
	w.cancel()
	w.deliver(true)
}

func (w *RetryableWorker) deliver(success bool) {
	w.done <- success
	close(w.done)
}

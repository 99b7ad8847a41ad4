package push

import (
	"context"

	"go.uber.org/zap"
)

// Synchronizer applies what push notifications announce.
type Synchronizer interface {
	SynchronizeSplits(ctx context.Context, changeNumber int64) error
	KillSplit(ctx context.Context, name, defaultTreatment string, changeNumber int64) error
	SynchronizeMySegments(ctx context.Context) error
	UpdateMySegments(segments []string)
}

// updateWorker applies notifications of one resource in arrival order.
// Notifications still queued when enabled turns false are dropped.
type updateWorker struct {
	name    string
	queue   chan *Notification
	handle  func(ctx context.Context, n *Notification) error
	enabled func() bool
	logger  *zap.Logger
}

func newUpdateWorker(name string, handle func(ctx context.Context, n *Notification) error, enabled func() bool, logger *zap.Logger) *updateWorker {
	return &updateWorker{
		name:    name,
		queue:   make(chan *Notification, 64),
		handle:  handle,
		enabled: enabled,
		logger:  logger.With(zap.String("worker", name)),
	}
}

func (w *updateWorker) enqueue(n *Notification) {
	select {
	case w.queue <- n:
	default:
		w.logger.Warn("update queue full, dropping notification", zap.Int64("changeNumber", n.ChangeNumber))
	}
}

func (w *updateWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-w.queue:
			if !w.enabled() {
				w.logger.Debug("update dropped, updates disabled", zap.Int64("changeNumber", n.ChangeNumber))
				continue
			}
			if err := w.handle(ctx, n); err != nil {
				w.logger.Warn("update failed",
					zap.String("type", string(n.Type)),
					zap.Int64("changeNumber", n.ChangeNumber),
					zap.Error(err),
				)
			}
		}
	}
}

// drain discards queued notifications and returns how many were dropped.
func (w *updateWorker) drain() int {
	dropped := 0
	for {
		select {
		case <-w.queue:
			dropped++
		default:
			return dropped
		}
	}
}

func splitsHandler(s Synchronizer) func(context.Context, *Notification) error {
	return func(ctx context.Context, n *Notification) error {
		if n.Type == SplitKill {
			return s.KillSplit(ctx, n.SplitName, n.DefaultTreatment, n.ChangeNumber)
		}
		return s.SynchronizeSplits(ctx, n.ChangeNumber)
	}
}

func mySegmentsHandler(s Synchronizer) func(context.Context, *Notification) error {
	return func(ctx context.Context, n *Notification) error {
		if n.IncludesPayload {
			s.UpdateMySegments(n.SegmentList)
			return nil
		}
		return s.SynchronizeMySegments(ctx)
	}
}

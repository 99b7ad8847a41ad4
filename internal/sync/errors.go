package sync

import "errors"

var (
	ErrStopped         = errors.New("worker stopped")
	ErrBootstrapFailed = errors.New("bootstrap sync did not complete")
)

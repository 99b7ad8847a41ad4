package storage

import "errors"

var (
	ErrStaleChangeSet = errors.New("change set is older than the stored cursor")
	ErrNoSnapshot     = errors.New("no snapshot available")
)

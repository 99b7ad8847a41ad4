package transport

import "errors"

var (
	ErrUnknownRequest = errors.New("unknown request identifier")
	ErrCancelled      = errors.New("request cancelled")
)

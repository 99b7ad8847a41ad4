package push

import "errors"

var (
	ErrAlreadyConnected = errors.New("connection already in progress")
	ErrIdleTimeout      = errors.New("no data received before keepalive timeout")
	ErrStreamClosed     = errors.New("stream closed by server")
)

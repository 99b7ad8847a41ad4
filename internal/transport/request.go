package transport

import (
	"bytes"
	"context"
	"sync"
)

// Request is an in-flight logical request owned by a RequestManager.
type Request interface {
	ID() string
	setResponse(code int)
	complete(err error)
}

// dataReceiver is implemented by requests that accept incremental body delivery.
type dataReceiver interface {
	notifyIncomingData(data []byte)
}

// Response is a completed, fully buffered HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsCredentialsError reports whether the server rejected the credentials.
func (r *Response) IsCredentialsError() bool {
	return IsCredentialsStatus(r.StatusCode)
}

// IsCredentialsStatus reports 401 and 403.
func IsCredentialsStatus(code int) bool {
	return code == 401 || code == 403
}

// DataRequest accumulates the whole body and resolves once the transport completes.
type DataRequest struct {
	id string

	mu      sync.Mutex
	code    int
	hasCode bool
	body    bytes.Buffer
	err     error

	once sync.Once
	done chan struct{}
}

func newDataRequest(id string) *DataRequest {
	return &DataRequest{id: id, done: make(chan struct{})}
}

func (r *DataRequest) ID() string { return r.id }

func (r *DataRequest) setResponse(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
	r.hasCode = true
}

func (r *DataRequest) notifyIncomingData(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body.Write(data)
}

func (r *DataRequest) complete(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

// Wait blocks until the request completes or ctx is done.
func (r *DataRequest) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if !r.hasCode {
		return nil, ErrUnknownRequest
	}
	return &Response{StatusCode: r.code, Body: append([]byte(nil), r.body.Bytes()...)}, nil
}

// StreamEventKind tags a StreamEvent.
type StreamEventKind int

const (
	StreamResponse StreamEventKind = iota
	StreamData
	StreamClosed
	StreamError
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamResponse:
		return "response"
	case StreamData:
		return "data"
	case StreamClosed:
		return "closed"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one transport callback for a streaming request.
type StreamEvent struct {
	Kind       StreamEventKind
	StatusCode int
	Data       []byte
	Err        error
}

// StreamRequest delivers its transport callbacks as an ordered event channel.
// Events ends with exactly one StreamClosed or StreamError and is then closed.
type StreamRequest struct {
	id     string
	events chan StreamEvent
	cancel context.CancelFunc

	once    sync.Once
	stopped chan struct{}
}

func newStreamRequest(id string, cancel context.CancelFunc) *StreamRequest {
	return &StreamRequest{
		id:      id,
		events:  make(chan StreamEvent, 64),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

func (r *StreamRequest) ID() string { return r.id }

// Events returns the callback stream.
func (r *StreamRequest) Events() <-chan StreamEvent { return r.events }

// Close aborts the underlying HTTP call. The transport still delivers the
// terminal event, which is dropped if nobody is reading.
func (r *StreamRequest) Close() {
	r.once.Do(func() {
		close(r.stopped)
		if r.cancel != nil {
			r.cancel()
		}
	})
}

func (r *StreamRequest) deliver(ev StreamEvent) {
	select {
	case r.events <- ev:
	case <-r.stopped:
	}
}

func (r *StreamRequest) setResponse(code int) {
	r.deliver(StreamEvent{Kind: StreamResponse, StatusCode: code})
}

func (r *StreamRequest) notifyIncomingData(data []byte) {
	r.deliver(StreamEvent{Kind: StreamData, Data: data})
}

func (r *StreamRequest) complete(err error) {
	if err != nil {
		r.deliver(StreamEvent{Kind: StreamError, Err: err})
	} else {
		r.deliver(StreamEvent{Kind: StreamClosed})
	}
	close(r.events)
}

var (
	_ dataReceiver = (*DataRequest)(nil)
	_ dataReceiver = (*StreamRequest)(nil)
)

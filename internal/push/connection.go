package push

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/transport"
)

const (
	protocolVersion    = "1.1"
	DefaultIdleTimeout = 70 * time.Second
)

// StreamSender opens streaming requests.
type StreamSender interface {
	SendStreamRequest(ctx context.Context, endpoint string, params url.Values, headers map[string]string) (*transport.StreamRequest, error)
}

// ConnectionState is the lifecycle of a Connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Open
	Errored
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// ConnectionEventKind tags a ConnectionEvent.
type ConnectionEventKind int

const (
	ConnectionOpened ConnectionEventKind = iota
	ConnectionMessage
	ConnectionError
	ConnectionDisconnected
)

// ConnectionEvent is delivered on the channel returned by Connect. Every
// attempt ends with exactly one ConnectionError or ConnectionDisconnected.
type ConnectionEvent struct {
	Kind        ConnectionEventKind
	Frame       Frame
	Recoverable bool
	Err         error
}

// Connection is a server-sent events subscription over the transport.
type Connection struct {
	sender      StreamSender
	endpoint    string
	idleTimeout time.Duration

	mu    gosync.Mutex
	state ConnectionState
	req   *transport.StreamRequest

	logger *zap.Logger
}

// NewConnection creates a disconnected connection. A non-positive idleTimeout
// uses DefaultIdleTimeout.
func NewConnection(sender StreamSender, endpoint string, idleTimeout time.Duration, logger *zap.Logger) *Connection {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Connection{
		sender:      sender,
		endpoint:    endpoint,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect subscribes to channels and returns without waiting for the
// server. The outcome arrives on the returned channel, which is closed
// after the terminal event.
func (c *Connection) Connect(ctx context.Context, token string, channels []string) (<-chan ConnectionEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connecting || c.state == Open {
		return nil, ErrAlreadyConnected
	}

	params := url.Values{
		"accessToken": {token},
		"channel":     {strings.Join(channels, ",")},
		"v":           {protocolVersion},
	}
	headers := map[string]string{
		"Content-Type": "text/event-stream",
		"Accept":       "text/event-stream",
	}

	req, err := c.sender.SendStreamRequest(ctx, c.endpoint, params, headers)
	if err != nil {
		c.state = Errored
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	c.req = req
	c.state = Connecting

	out := make(chan ConnectionEvent, 16)
	go c.run(ctx, req, out)

	c.logger.Debug("streaming connection requested", zap.Int("channels", len(channels)))
	return out, nil
}

// Disconnect aborts the current attempt. Its channel still receives the
// terminal event.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	req := c.req
	c.mu.Unlock()
	if req != nil {
		req.Close()
	}
}

func (c *Connection) run(ctx context.Context, req *transport.StreamRequest, out chan<- ConnectionEvent) {
	defer close(out)

	var decoder frameDecoder
	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

	send := func(ev ConnectionEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	finish := func(state ConnectionState, ev ConnectionEvent) {
		req.Close()
		c.mu.Lock()
		c.state = state
		if c.req == req {
			c.req = nil
		}
		c.mu.Unlock()
		send(ev)
	}

	for {
		select {
		case <-idle.C:
			c.logger.Info("streaming keepalive timeout", zap.Duration("timeout", c.idleTimeout))
			finish(Errored, ConnectionEvent{Kind: ConnectionError, Recoverable: true, Err: ErrIdleTimeout})
			return

		case ev, ok := <-req.Events():
			if !ok {
				finish(Disconnected, ConnectionEvent{Kind: ConnectionDisconnected})
				return
			}

			switch ev.Kind {
			case transport.StreamResponse:
				if transport.IsCredentialsStatus(ev.StatusCode) {
					finish(Errored, ConnectionEvent{
						Kind: ConnectionError,
						Err:  fmt.Errorf("streaming credentials rejected: status %d", ev.StatusCode),
					})
					return
				}
				if ev.StatusCode < 200 || ev.StatusCode > 299 {
					finish(Errored, ConnectionEvent{
						Kind:        ConnectionError,
						Recoverable: true,
						Err:         fmt.Errorf("streaming request failed: status %d", ev.StatusCode),
					})
					return
				}
				c.setState(Open)
				idle.Reset(c.idleTimeout)
				send(ConnectionEvent{Kind: ConnectionOpened})

			case transport.StreamData:
				idle.Reset(c.idleTimeout)
				frames, _ := decoder.Feed(ev.Data)
				for _, f := range frames {
					send(ConnectionEvent{Kind: ConnectionMessage, Frame: f})
				}

			case transport.StreamClosed:
				finish(Disconnected, ConnectionEvent{Kind: ConnectionDisconnected, Err: ErrStreamClosed})
				return

			case transport.StreamError:
				if errors.Is(ev.Err, transport.ErrCancelled) {
					finish(Disconnected, ConnectionEvent{Kind: ConnectionDisconnected})
					return
				}
				finish(Errored, ConnectionEvent{Kind: ConnectionError, Recoverable: true, Err: ev.Err})
				return
			}
		}
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

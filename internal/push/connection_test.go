package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/transport"
)

func collect(t *testing.T, events <-chan ConnectionEvent) []ConnectionEvent {
	t.Helper()
	var out []ConnectionEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("connection did not terminate")
		}
	}
}

func newTestConnection(url string, idle time.Duration) *Connection {
	client := transport.NewClientWithHTTP(&http.Client{}, zap.NewNop())
	return NewConnection(client, url, idle, zap.NewNop())
}

func TestConnection_OpenMessageDisconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "token-1", q.Get("accessToken"))
		assert.Equal(t, "a_splits,b_segments", q.Get("channel"))
		assert.Equal(t, "1.1", q.Get("v"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(":keepalive\n\nid: 7\ndata: {\"x\":1}\n\n"))
		w.(http.Flusher).Flush()
	}))
	defer server.Close()

	conn := newTestConnection(server.URL, time.Second)
	events, err := conn.Connect(context.Background(), "token-1", []string{"a_splits", "b_segments"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, ConnectionOpened, got[0].Kind)
	assert.Equal(t, ConnectionMessage, got[1].Kind)
	assert.Equal(t, Frame{Event: "message", ID: "7", Data: `{"x":1}`}, got[1].Frame)
	assert.Equal(t, ConnectionDisconnected, got[2].Kind)
	assert.Equal(t, Disconnected, conn.State())
}

func TestConnection_CredentialsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	conn := newTestConnection(server.URL, time.Second)
	events, err := conn.Connect(context.Background(), "bad", nil)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, ConnectionError, got[0].Kind)
	assert.False(t, got[0].Recoverable)
	assert.Equal(t, Errored, conn.State())
}

func TestConnection_ServerErrorIsRecoverable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	conn := newTestConnection(server.URL, time.Second)
	events, err := conn.Connect(context.Background(), "token", nil)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, ConnectionError, got[0].Kind)
	assert.True(t, got[0].Recoverable)
}

func TestConnection_IdleTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	conn := newTestConnection(server.URL, 50*time.Millisecond)
	events, err := conn.Connect(context.Background(), "token", nil)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, ConnectionOpened, got[0].Kind)
	assert.Equal(t, ConnectionError, got[1].Kind)
	assert.True(t, got[1].Recoverable)
	assert.ErrorIs(t, got[1].Err, ErrIdleTimeout)
}

func TestConnection_DisconnectAndReconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	conn := newTestConnection(server.URL, time.Minute)
	events, err := conn.Connect(context.Background(), "token", nil)
	require.NoError(t, err)

	require.Equal(t, ConnectionOpened, (<-events).Kind)
	_, err = conn.Connect(context.Background(), "token", nil)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	conn.Disconnect()
	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, ConnectionDisconnected, got[0].Kind)

	events, err = conn.Connect(context.Background(), "token", nil)
	require.NoError(t, err)
	require.Equal(t, ConnectionOpened, (<-events).Kind)
	conn.Disconnect()
	collect(t, events)
}

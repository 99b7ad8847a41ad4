package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/api"
	"github.com/dgnsrekt/flagsync/internal/events"
	"github.com/dgnsrekt/flagsync/internal/metrics"
	"github.com/dgnsrekt/flagsync/internal/storage"
	"github.com/dgnsrekt/flagsync/internal/sync"
	"github.com/dgnsrekt/flagsync/internal/syncmanager"
)

type fakeMode struct{ mode atomic.Int32 }

func (f *fakeMode) Mode() syncmanager.Mode { return syncmanager.Mode(f.mode.Load()) }

type fixture struct {
	server  *Server
	http    *httptest.Server
	mode    *fakeMode
	modes   *sync.Broadcaster[syncmanager.Mode]
	events  *events.Manager
	splits  *storage.SplitsStorage
	reg     *prometheus.Registry
	stop    context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	splits, err := storage.NewSplitsStorage("", logger)
	require.NoError(t, err)
	segments, err := storage.NewMySegmentsStorage("user-1", "", logger)
	require.NoError(t, err)

	f := &fixture{
		mode:   &fakeMode{},
		modes:  sync.NewBroadcaster[syncmanager.Mode]("modes", 4, logger),
		events: events.NewManager(logger),
		splits: splits,
		reg:    prometheus.NewRegistry(),
	}
	segments.Set([]string{"beta", "employees"})

	f.server = NewServer(Sources{
		Mode:     f.mode,
		Modes:    f.modes,
		Events:   f.events,
		Splits:   splits,
		Segments: segments,
	}, f.reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	f.stop = cancel
	f.server.Start(ctx)

	f.http = httptest.NewServer(f.server.Handler())
	t.Cleanup(func() {
		cancel()
		f.http.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.mode.mode.Store(int32(syncmanager.PushActive))
	f.splits.Replace([]api.Split{{Name: "checkout"}, {Name: "search"}}, 42)
	f.events.Notify(events.SplitsAreReady)
	f.events.Notify(events.MySegmentsAreReady)

	resp, err := http.Get(f.http.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "push", st.Mode)
	assert.True(t, st.Ready)
	assert.Equal(t, int64(42), st.SplitsChangeNumber)
	assert.Equal(t, 2, st.SplitCount)
	assert.Equal(t, "user-1", st.UserKey)
	assert.Equal(t, []string{"beta", "employees"}, st.MySegments)
	assert.Equal(t, []string{"mySegmentsAreReady", "splitsAreReady"}, st.FiredEvents)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := metrics.NewPrometheusRecorder(f.reg)
	rec.Count(metrics.SplitChangeFetcherException, 1)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventFeed(t *testing.T) {
	f := newFixture(t)
	f.mode.mode.Store(int32(syncmanager.PollActive))

	conn := f.dial(t)
	hello := readMessage(t, conn)
	assert.Equal(t, MessageMode, hello.Type)
	assert.Equal(t, "poll", hello.Value)

	f.modes.Emit(syncmanager.PushActive)
	msg := readMessage(t, conn)
	assert.Equal(t, Message{Type: MessageMode, Value: "push", Timestamp: msg.Timestamp}, msg)

	f.events.Notify(events.SplitsAreReady)
	f.events.Notify(events.MySegmentsAreReady)
	msg = readMessage(t, conn)
	assert.Equal(t, MessageSDKEvent, msg.Type)
	assert.Equal(t, string(events.SDKReady), msg.Value)
}

func TestEventFeed_ClientLeaves(t *testing.T) {
	f := newFixture(t)

	conn := f.dial(t)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return f.server.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return f.server.hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEventFeed_HubStopped(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	readMessage(t, conn)

	f.stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "hub shutdown should close the connection")

	// Must not block once the hub is gone.
	f.server.hub.Broadcast([]byte("ignored"))
}

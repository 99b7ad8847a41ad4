// Package relay exposes the sync engine state over HTTP: a status document,
// Prometheus metrics and a websocket feed of SDK events and mode changes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/flagsync/internal/api"
	"github.com/dgnsrekt/flagsync/internal/events"
	"github.com/dgnsrekt/flagsync/internal/syncmanager"
)

// ModeSource reports the current sync mode.
type ModeSource interface {
	Mode() syncmanager.Mode
}

// ModeFeed is implemented by drivers that announce mode switches.
type ModeFeed interface {
	Subscribe() (<-chan syncmanager.Mode, func())
}

// EventSource exposes readiness signals and the SDK event feed.
type EventSource interface {
	Fired() []events.InternalEvent
	SDKEventFired(ev events.SDKEvent) bool
	Subscribe() (<-chan events.SDKEvent, func())
}

// SplitsView reads the flag storage.
type SplitsView interface {
	ChangeNumber() int64
	GetAll() []api.Split
}

// SegmentsView reads the segment membership of the configured user.
type SegmentsView interface {
	UserKey() string
	GetAll() []string
}

// Sources is what the relay reads. Modes and Segments may be nil.
type Sources struct {
	Mode     ModeSource
	Modes    ModeFeed
	Events   EventSource
	Splits   SplitsView
	Segments SegmentsView
}

// Message is one frame of the websocket feed.
type Message struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	MessageMode     = "mode"
	MessageSDKEvent = "sdk_event"
)

// Server serves the relay endpoints and feeds the websocket hub.
type Server struct {
	src      Sources
	gatherer prometheus.Gatherer
	hub      *Hub
	logger   *zap.Logger
}

func NewServer(src Sources, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	return &Server{
		src:      src,
		gatherer: gatherer,
		hub:      NewHub(logger),
		logger:   logger,
	}
}

// Handler returns the relay router.
func (s *Server) Handler() http.Handler {
	return NewRouter(s, s.logger)
}

// Start runs the hub and forwards engine notifications to it until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) {
	sdkEvents, cancelEvents := s.src.Events.Subscribe()
	var modes <-chan syncmanager.Mode
	cancelModes := func() {}
	if s.src.Modes != nil {
		modes, cancelModes = s.src.Modes.Subscribe()
	}

	go s.hub.Run(ctx)
	go func() {
		defer cancelEvents()
		defer cancelModes()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sdkEvents:
				if !ok {
					sdkEvents = nil
					continue
				}
				s.publish(MessageSDKEvent, string(ev))
			case m, ok := <-modes:
				if !ok {
					modes = nil
					continue
				}
				s.publish(MessageMode, m.String())
			}
		}
	}()
}

// ListenAndServe serves the relay on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.Start(ctx)

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting relay", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) publish(kind, value string) {
	payload, err := encodeMessage(kind, value)
	if err != nil {
		s.logger.Error("encode relay message", zap.Error(err))
		return
	}
	s.hub.Broadcast(payload)
}

func encodeMessage(kind, value string) ([]byte, error) {
	return json.Marshal(Message{Type: kind, Value: value, Timestamp: time.Now().UTC()})
}

package relay

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/events"
)

// Status is the document served on /status.
type Status struct {
	Mode               string   `json:"mode"`
	Ready              bool     `json:"ready"`
	SplitsChangeNumber int64    `json:"splitsChangeNumber"`
	SplitCount         int      `json:"splitCount"`
	UserKey            string   `json:"userKey,omitempty"`
	MySegments         []string `json:"mySegments"`
	FiredEvents        []string `json:"firedEvents"`
}

func NewRouter(s *Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	r.With(middleware.Compress(5)).Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws/events", s.handleEvents)

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) status() Status {
	st := Status{
		Mode:               s.src.Mode.Mode().String(),
		Ready:              s.src.Events.SDKEventFired(events.SDKReady),
		SplitsChangeNumber: s.src.Splits.ChangeNumber(),
		SplitCount:         len(s.src.Splits.GetAll()),
		MySegments:         []string{},
	}
	if s.src.Segments != nil {
		st.UserKey = s.src.Segments.UserKey()
		st.MySegments = s.src.Segments.GetAll()
	}

	fired := s.src.Events.Fired()
	st.FiredEvents = make([]string, 0, len(fired))
	for _, ev := range fired {
		st.FiredEvents = append(st.FiredEvents, string(ev))
	}
	sort.Strings(st.FiredEvents)
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Error("write status", zap.Error(err))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	hello, err := encodeMessage(MessageMode, s.src.Mode.Mode().String())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.serveWS(w, r, hello)
}

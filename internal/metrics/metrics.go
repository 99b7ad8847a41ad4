// Package metrics records fetcher counters and timings.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetcher names, used as prefixes for timers and status counters.
const (
	SplitChangeFetcher = "split_change_fetcher"
	MySegmentsFetcher  = "my_segments_fetcher"
)

const (
	SplitChangeFetcherException = "split_change_fetcher_exception"
	SplitChangeFetcherTime      = "split_change_fetcher_time"
	MySegmentsFetcherException  = "my_segments_fetcher_exception"
	MySegmentsFetcherTime       = "my_segments_fetcher_time"
	StreamingConnectionErrors   = "streaming_connection_errors"
)

// StatusCounter names the counter of non-2xx responses seen by a fetcher.
func StatusCounter(fetcher string, code int) string {
	return fetcher + "_status_" + strconv.Itoa(code)
}

// Recorder is fire-and-forget: implementations never block or fail.
type Recorder interface {
	Count(name string, delta int)
	Time(name string, d time.Duration)
}

// PrometheusRecorder exports every counter and timer as a labelled vector.
type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	latencies *prometheus.HistogramVec
}

// NewPrometheusRecorder creates the vectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagsync",
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Number of fetcher and streaming events, by counter name",
		}, []string{
			"counter",
		}),
		latencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flagsync",
			Subsystem: "sync",
			Name:      "latency_seconds",
			Help:      "Latency of remote fetches, by timer name",
			Buckets:   prometheus.DefBuckets,
		}, []string{
			"timer",
		}),
	}
	reg.MustRegister(r.counters, r.latencies)
	return r
}

func (r *PrometheusRecorder) Count(name string, delta int) {
	if delta <= 0 {
		return
	}
	r.counters.WithLabelValues(name).Add(float64(delta))
}

func (r *PrometheusRecorder) Time(name string, d time.Duration) {
	r.latencies.WithLabelValues(name).Observe(d.Seconds())
}

// Noop discards everything.
type Noop struct{}

func (Noop) Count(string, int)          {}
func (Noop) Time(string, time.Duration) {}

var (
	_ Recorder = (*PrometheusRecorder)(nil)
	_ Recorder = Noop{}
)

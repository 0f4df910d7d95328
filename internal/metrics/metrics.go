package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	checkins         *prometheus.CounterVec
	checkinReplays   prometheus.Counter
	transitions      *prometheus.CounterVec
	versionConflicts prometheus.Counter
	fanoutDropped    prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	gatherer         prometheus.Gatherer
}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		checkins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visit_checkins_total",
				Help: "Visits created by check-in.",
			},
			[]string{"priority"},
		),
		checkinReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "visit_checkin_replays_total",
				Help: "Check-ins answered from a stored idempotent response.",
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visit_transitions_total",
				Help: "Committed visit transitions by target state.",
			},
			[]string{"to_state"},
		),
		versionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "visit_version_conflicts_total",
				Help: "Transitions rejected because of a stale expected version.",
			},
		),
		fanoutDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "queue_fanout_dropped_total",
				Help: "Queue snapshots dropped for a slow subscriber.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.checkins, m.checkinReplays, m.transitions, m.versionConflicts, m.fanoutDropped, m.httpRequests, m.httpLatency)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncCheckIn(priority string) {
	if m == nil {
		return
	}
	m.checkins.WithLabelValues(priority).Inc()
}

func (m *Metrics) IncCheckInReplay() {
	if m == nil {
		return
	}
	m.checkinReplays.Inc()
}

func (m *Metrics) IncTransition(toState string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(toState).Inc()
}

func (m *Metrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) IncFanoutDropped() {
	if m == nil {
		return
	}
	m.fanoutDropped.Inc()
}

func (m *Metrics) ObserveHTTP(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, code).Inc()
	m.httpLatency.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

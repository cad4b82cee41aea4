// Package metrics exposes Prometheus instruments for verification sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dkeye/Verify/internal/domain"
)

const namespace = "verify"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	transitions     *prometheus.CounterVec
	activeAttempts  prometheus.Gauge
	joinDuration    prometheus.Observer
	negotiationErrs *prometheus.CounterVec
	recordings      *prometheus.CounterVec
	documents       *prometheus.CounterVec
	sweptSessions   prometheus.Counter
}

// New registers the instruments on reg. Pass prometheus.DefaultRegisterer
// to serve them from promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session status transitions, labeled by target status",
		}, []string{"status"}),
		activeAttempts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active_attempts",
			Help:      "Session attempts currently holding local media",
		}),
		joinDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "join_duration_seconds",
			Help:      "Time from join request until the attempt is running",
			Buckets:   prometheus.DefBuckets,
		}),
		negotiationErrs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtc",
			Name:      "negotiation_failures_total",
			Help:      "Failed negotiation attempts, labeled by error kind",
		}, []string{"kind"}),
		recordings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "recordings_total",
			Help:      "Finished recordings, labeled by result",
		}, []string{"result"}),
		documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "uploads_total",
			Help:      "Document uploads, labeled by result",
		}, []string{"result"}),
		sweptSessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "cancelled_sessions_total",
			Help:      "Stale scheduled sessions cancelled by the sweeper",
		}),
	}
}

func (m *Metrics) Transition(to domain.SessionStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.activeAttempts.Inc()
}

func (m *Metrics) AttemptEnded() {
	if m == nil {
		return
	}
	m.activeAttempts.Dec()
}

func (m *Metrics) JoinObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.joinDuration.Observe(d.Seconds())
}

func (m *Metrics) NegotiationFailed(err error) {
	if m == nil {
		return
	}
	kind := string(domain.KindOf(err))
	if kind == "" {
		kind = "other"
	}
	m.negotiationErrs.WithLabelValues(kind).Inc()
}

// Recording counts a finished recording: stored, failed or discarded.
func (m *Metrics) Recording(result string) {
	if m == nil {
		return
	}
	m.recordings.WithLabelValues(result).Inc()
}

func (m *Metrics) Document(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.documents.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.sweptSessions.Add(float64(n))
}

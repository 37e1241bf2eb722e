package room

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for rooms and limiter clients.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages       *prometheus.CounterVec
	rateLimitedC   *prometheus.CounterVec
	staleEvictions *prometheus.CounterVec
	sessions       *prometheus.GaugeVec
	failOpen       prometheus.Counter
}

// NewMetrics registers the collectors with reg (nil leaves them
// unregistered, which tests rely on).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_room_messages_total",
			Help: "Chat messages accepted and broadcast.",
		}, []string{"room"}),
		rateLimitedC: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_room_rate_limited_total",
			Help: "Inbound payloads dropped by the cooldown limiter.",
		}, []string{"room"}),
		staleEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_room_stale_evictions_total",
			Help: "Sessions evicted by the stale sweep.",
		}, []string{"room"}),
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parlor_room_sessions",
			Help: "Live sessions per room.",
		}, []string{"room"}),
		failOpen: f.NewCounter(prometheus.CounterOpts{
			Name: "parlor_limiter_fail_open_total",
			Help: "Limiter clients that went fail-open after repeated backend failures.",
		}),
	}
}

func (m *Metrics) message(room string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(room).Inc()
}

func (m *Metrics) rateLimited(room string) {
	if m == nil {
		return
	}
	m.rateLimitedC.WithLabelValues(room).Inc()
}

func (m *Metrics) sessionJoined(room string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(room).Inc()
}

func (m *Metrics) sessionLeft(room string, stale bool) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(room).Dec()
	if stale {
		m.staleEvictions.WithLabelValues(room).Inc()
	}
}

// LimiterFailOpen records one client crossing the fail-open threshold; the
// app wires it into the limiter client's error report hook.
func (m *Metrics) LimiterFailOpen() {
	if m == nil {
		return
	}
	m.failOpen.Inc()
}

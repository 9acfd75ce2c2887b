package dualwrite

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"usagetrail/pkg/platform/circuit"
)

// Metrics holds Prometheus metrics for the dual-write path. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Transitions  *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	Rejected     *prometheus.CounterVec
	WriteLatency *prometheus.HistogramVec
	BreakerState *prometheus.GaugeVec
}

// NewMetrics registers the dual-write metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_dualwrite_transitions_total",
			Help: "Records entering each dual-write state",
		}, []string{"state"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_dualwrite_failures_total",
			Help: "Failed store writes, per store and error code",
		}, []string{"store", "code"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_dualwrite_circuit_rejected_total",
			Help: "Writes failed fast because the store circuit was open",
		}, []string{"store"}),
		WriteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usagetrail_dualwrite_write_duration_seconds",
			Help:    "Store write latency, per store and result",
			Buckets: prometheus.DefBuckets,
		}, []string{"store", "result"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usagetrail_dualwrite_circuit_state",
			Help: "Store circuit state (0=closed/healthy, 1=open/unhealthy)",
		}, []string{"store"}),
	}
}

func (m *Metrics) IncTransition(s State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) IncFailure(store Store, code string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(store.String(), code).Inc()
}

func (m *Metrics) IncRejected(store Store) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(store.String()).Inc()
}

func (m *Metrics) ObserveWrite(store Store, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.WriteLatency.WithLabelValues(store.String(), result).Observe(d.Seconds())
}

// SetBreakerState sets the circuit gauge for store.
func (m *Metrics) SetBreakerState(store Store, state circuit.State) {
	if m == nil {
		return
	}
	v := 0.0
	if state == circuit.StateOpen {
		v = 1
	}
	m.BreakerState.WithLabelValues(store.String()).Set(v)
}

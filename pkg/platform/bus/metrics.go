package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics shared by the bus adapters. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Published   *prometheus.CounterVec
	Unrouted    prometheus.Counter
	Settled     *prometheus.CounterVec
	Redelivered *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec
	Abandoned   *prometheus.CounterVec
	InFlight    *prometheus.GaugeVec
}

// NewMetrics registers the bus metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_bus_published_total",
			Help: "Messages published, per topic",
		}, []string{"topic"}),
		Unrouted: f.NewCounter(prometheus.CounterOpts{
			Name: "usagetrail_bus_unrouted_total",
			Help: "Messages published on a topic no binding matched",
		}),
		Settled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_bus_settled_total",
			Help: "Deliveries settled, per queue identity and outcome (ack|reject)",
		}, []string{"queue", "outcome"}),
		Redelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_bus_redelivered_total",
			Help: "Rejected deliveries offered again",
		}, []string{"queue"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_bus_dead_letters_total",
			Help: "Messages that exhausted their delivery attempts",
		}, []string{"queue"}),
		Abandoned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_bus_abandoned_total",
			Help: "Unacknowledged messages still pending when the bus shut down",
		}, []string{"queue"}),
		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usagetrail_bus_in_flight",
			Help: "Deliveries currently being handled",
		}, []string{"queue"}),
	}
}

func (m *Metrics) IncPublished(topic string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncUnrouted() {
	if m == nil {
		return
	}
	m.Unrouted.Inc()
}

func (m *Metrics) IncSettled(queue string, outcome Outcome) {
	if m == nil {
		return
	}
	m.Settled.WithLabelValues(queue, outcome.String()).Inc()
}

func (m *Metrics) IncRedelivered(queue string) {
	if m == nil {
		return
	}
	m.Redelivered.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncDeadLetters(queue string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncAbandoned(queue string) {
	if m == nil {
		return
	}
	m.Abandoned.WithLabelValues(queue).Inc()
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInFlight(queue string) func() {
	if m == nil {
		return func() {}
	}
	g := m.InFlight.WithLabelValues(queue)
	g.Inc()
	return g.Dec
}

package listener

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for domain listeners. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Received *prometheus.CounterVec
	Settled  *prometheus.CounterVec
	Issues   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_listener_events_received_total",
			Help: "Deliveries handed to a domain listener",
		}, []string{"domain"}),
		Settled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_listener_events_settled_total",
			Help: "Deliveries settled by a domain listener, per result (ack, reject)",
		}, []string{"domain", "result"}),
		Issues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_listener_normalization_issues_total",
			Help: "Substitutions made while normalizing, per issue kind",
		}, []string{"domain", "kind"}),
	}
}

func (m *Metrics) incReceived(domain string) {
	if m == nil {
		return
	}
	m.Received.WithLabelValues(domain).Inc()
}

func (m *Metrics) incSettled(domain string, acked bool) {
	if m == nil {
		return
	}
	result := "ack"
	if !acked {
		result = "reject"
	}
	m.Settled.WithLabelValues(domain, result).Inc()
}

func (m *Metrics) incIssue(domain, kind string) {
	if m == nil {
		return
	}
	m.Issues.WithLabelValues(domain, kind).Inc()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process registry and service-level metrics. Component
// metrics (bus, coordinator, listeners) register on Registry.
type Metrics struct {
	Registry  *prometheus.Registry
	BuildInfo *prometheus.GaugeVec
	Ready     prometheus.Gauge
}

// New creates a registry with the Go and process collectors.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{
		Registry: reg,
		BuildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usagetrail_build_info",
			Help: "Always 1; labels identify the running service",
		}, []string{"service"}),
		Ready: f.NewGauge(prometheus.GaugeOpts{
			Name: "usagetrail_ready",
			Help: "1 when every dependency answered the last readiness probe",
		}),
	}
	m.BuildInfo.WithLabelValues(service).Set(1)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// SetReady records the outcome of a readiness probe.
func (m *Metrics) SetReady(ok bool) {
	if ok {
		m.Ready.Set(1)
		return
	}
	m.Ready.Set(0)
}

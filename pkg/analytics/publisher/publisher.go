// Package publisher is the producer side of the pipeline: domain code emits a
// RawDomainEvent and it is published on "<domain>.<action>".
//
// The producer contract (enum membership, organization for Organization
// charges) is checked best-effort. Violations are observed and the event is
// still published: the normalizer substitutes sentinels downstream, and
// dropping a billing fact at the source would lose it without a trace.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"usagetrail/pkg/analytics"
	dErrors "usagetrail/pkg/domain-errors"
	"usagetrail/pkg/platform/bus"
	"usagetrail/pkg/platform/observability"
	"usagetrail/pkg/platform/routing"
)

// Actions published for each operation kind.
const (
	ActionCreated = "created"
	ActionRead    = "read"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Header names set on every published message.
const (
	HeaderContentType = "content-type"
	HeaderDomain      = "x-domain"
)

// Publisher emits domain events onto a bus.
type Publisher struct {
	bus      bus.Publisher
	observer observability.Observer
	metrics  *Metrics
	now      func() time.Time
}

type Option func(*Publisher)

func WithObserver(o observability.Observer) Option {
	return func(p *Publisher) { p.observer = observability.OrNop(o) }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithClock overrides the clock used to stamp events without occurredAt.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a publisher over b.
func New(b bus.Publisher, opts ...Option) *Publisher {
	p := &Publisher{bus: b, observer: observability.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit publishes e on "<domain>.<action>". Kind defaults to "analytics" and
// OccurredAt to the current time.
func (p *Publisher) Emit(ctx context.Context, domain, action string, e analytics.RawDomainEvent) error {
	start := time.Now()

	topic, err := Topic(domain, action)
	if err != nil {
		return err
	}

	if e.Kind == "" {
		e.Kind = analytics.DefaultSourceKind
	}
	if e.OccurredAt == "" {
		e.OccurredAt = analytics.FormatOccurredAt(p.now())
	}
	for _, v := range Violations(e) {
		p.metrics.incViolation(domain)
		p.observer.Observe(ctx, slog.LevelWarn, "producer_contract_violation",
			"topic", topic,
			"violation", v,
		)
	}

	e.Body = p.encodable(ctx, domain, topic, "body", e.Body)
	e.Payload = p.encodable(ctx, domain, topic, "payload", e.Payload)

	payload, err := json.Marshal(e)
	if err != nil {
		p.metrics.incFailure(domain)
		p.observer.Observe(ctx, observability.LevelCritical, "publish_failed",
			"topic", topic,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "encode "+topic+" event")
	}

	msg := &bus.Message{
		Topic:   topic,
		Payload: payload,
		Headers: map[string]string{
			HeaderContentType: "application/json",
			HeaderDomain:      domain,
		},
	}
	// Keyed by organization so a partitioned bus keeps one tenant's events
	// in order.
	if org := e.OrganizationID; org != nil {
		msg.Key = []byte(*org)
	}

	if err := p.bus.Publish(ctx, msg); err != nil {
		p.metrics.incFailure(domain)
		p.observer.Observe(ctx, observability.LevelCritical, "publish_failed",
			"topic", topic,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "publish "+topic)
	}

	p.metrics.incEmitted(domain, time.Since(start))
	return nil
}

// EmitOperation publishes e under the action matching its operation kind.
func (p *Publisher) EmitOperation(ctx context.Context, domain string, e analytics.RawDomainEvent) error {
	action, ok := ActionFor(e.OperationKind)
	if !ok {
		return dErrors.New(dErrors.CodeInvalidInput, "no action for operation kind "+string(e.OperationKind))
	}
	return p.Emit(ctx, domain, action, e)
}

// encodable returns v, or the unserializable marker when v cannot be
// encoded. The substitution counts as a contract violation.
func (p *Publisher) encodable(ctx context.Context, domain, topic, field string, v any) any {
	reason := ""
	func() {
		defer func() {
			if r := recover(); r != nil {
				reason = fmt.Sprintf("panic: %v", r)
			}
		}()
		if _, err := json.Marshal(v); err != nil {
			reason = err.Error()
		}
	}()
	if reason == "" {
		return v
	}
	p.metrics.incViolation(domain)
	p.observer.Observe(ctx, slog.LevelWarn, "producer_contract_violation",
		"topic", topic,
		"violation", field+" is not encodable: "+reason,
	)
	return analytics.Unserializable(reason)
}

// ActionFor maps an operation kind to its topic action.
func ActionFor(op analytics.OperationKind) (string, bool) {
	switch op {
	case analytics.OperationCreate:
		return ActionCreated, true
	case analytics.OperationRead:
		return ActionRead, true
	case analytics.OperationUpdate:
		return ActionUpdated, true
	case analytics.OperationDelete:
		return ActionDeleted, true
	}
	return "", false
}

// Topic builds "<domain>.<action>". Both parts must be single literal
// segments; wildcards are for bindings only.
func Topic(domain, action string) (string, error) {
	for _, part := range []string{domain, action} {
		if part == "" || strings.Contains(part, routing.Separator) ||
			strings.ContainsAny(part, routing.SingleWild+routing.MultiWild) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "domain and action must be single topic segments")
		}
	}
	topic := domain + routing.Separator + action
	if err := routing.ValidateTopic(topic); err != nil {
		return "", err
	}
	return topic, nil
}

// Violations lists how e breaks the producer contract.
func Violations(e analytics.RawDomainEvent) []string {
	var out []string
	if !e.OperationKind.Valid() {
		out = append(out, "operationKind "+quote(string(e.OperationKind))+" is not one of Create, Read, Update, Delete")
	}
	if !e.ChargeCategory.Valid() {
		out = append(out, "chargeCategory "+quote(string(e.ChargeCategory))+" is not one of Organization, Webmaster")
	}
	if e.ChargeCategory.RequiresOrganization() && e.OrganizationID == nil {
		out = append(out, "Organization charge without organizationId")
	}
	if _, ok := analytics.ParseOccurredAt(e.OccurredAt); !ok {
		out = append(out, "occurredAt "+quote(e.OccurredAt)+" is not an ISO-8601 timestamp")
	}
	return out
}

func quote(s string) string { return `"` + s + `"` }

// Metrics holds Prometheus metrics for emitted events. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Emitted    *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	Violations *prometheus.CounterVec
	Duration   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Emitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_publisher_emitted_total",
			Help: "Domain events published, per domain",
		}, []string{"domain"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_publisher_failures_total",
			Help: "Domain events the bus refused, per domain",
		}, []string{"domain"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_publisher_contract_violations_total",
			Help: "Producer contract violations published anyway, per domain",
		}, []string{"domain"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "usagetrail_publisher_emit_duration_seconds",
			Help:    "Time spent publishing one domain event",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) incEmitted(domain string, d time.Duration) {
	if m == nil {
		return
	}
	m.Emitted.WithLabelValues(domain).Inc()
	m.Duration.Observe(d.Seconds())
}

func (m *Metrics) incFailure(domain string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(domain).Inc()
}

func (m *Metrics) incViolation(domain string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(domain).Inc()
}

// Package listener binds producing domains to the ingestion pipeline. Every
// listener shares one normalizer and one dual-write coordinator; a delivery
// is acknowledged only when both stores accepted its record.
package listener

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"usagetrail/pkg/analytics"
	"usagetrail/pkg/analytics/dualwrite"
	"usagetrail/pkg/analytics/normalize"
	"usagetrail/pkg/deliverycontext"
	"usagetrail/pkg/platform/bus"
	"usagetrail/pkg/platform/observability"
)

const tracerName = "usagetrail/internal/listener"

// Writer persists a canonical record. *dualwrite.Coordinator implements it.
type Writer interface {
	Write(ctx context.Context, rec analytics.CanonicalAnalyticRecord) (dualwrite.Outcome, error)
}

// Listener is the bus handler for one binding.
type Listener struct {
	binding    Binding
	normalizer *normalize.Normalizer
	writer     Writer
	observer   observability.Observer
	metrics    *Metrics
	tracer     trace.Tracer
}

type Option func(*Listener)

func WithObserver(o observability.Observer) Option {
	return func(l *Listener) { l.observer = observability.OrNop(o) }
}

func WithMetrics(m *Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(l *Listener) {
		if t != nil {
			l.tracer = t
		}
	}
}

// WithNormalizer shares n between listeners. Each listener otherwise gets its
// own zero-value normalizer, which behaves identically.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(l *Listener) {
		if n != nil {
			l.normalizer = n
		}
	}
}

// New creates the listener for b.
func New(b Binding, w Writer, opts ...Option) (*Listener, error) {
	if w == nil {
		return nil, errors.New("writer is required")
	}
	b = b.withDefaults()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	l := &Listener{
		binding:    b,
		normalizer: normalize.New(),
		writer:     w,
		observer:   observability.Nop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Binding returns the binding the listener was created for.
func (l *Listener) Binding() Binding { return l.binding }

// Handle implements bus.Handler. A nil return acknowledges the delivery; any
// error leaves it for redelivery, which is the only retry the pipeline has.
func (l *Listener) Handle(ctx context.Context, msg *bus.Message) error {
	ctx, span := l.tracer.Start(ctx, "listener.Handle", trace.WithAttributes(
		attribute.String("listener.domain", l.binding.Domain),
		attribute.String("messaging.destination", msg.Topic),
		attribute.String("messaging.queue", l.binding.Queue),
		attribute.Int("messaging.attempt", msg.Attempt),
	))
	defer span.End()

	l.metrics.incReceived(l.binding.Domain)
	l.observer.Observe(ctx, slog.LevelInfo, "event_received", l.attrs(ctx, msg)...)

	raw, issues := normalize.Decode(msg.Payload)
	rec, more := l.normalizer.Normalize(raw)
	issues = append(issues, more...)
	for _, issue := range issues {
		l.metrics.incIssue(l.binding.Domain, string(issue.Kind))
		l.observer.Observe(ctx, slog.LevelWarn, "event_normalization_issue",
			append(l.attrs(ctx, msg), "issue", issue.String())...)
	}
	span.SetAttributes(attribute.String("event.id", rec.ID.String()))

	if _, err := l.writer.Write(ctx, rec); err != nil {
		l.metrics.incSettled(l.binding.Domain, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dual write failed")
		l.observer.Observe(ctx, slog.LevelError, "event_not_acknowledged",
			append(l.attrs(ctx, msg), "event_id", rec.ID.String(), "error", err)...)
		return err
	}

	l.metrics.incSettled(l.binding.Domain, true)
	return nil
}

func (l *Listener) attrs(ctx context.Context, msg *bus.Message) []any {
	out := []any{"domain", l.binding.Domain}
	if d := deliverycontext.Attrs(ctx); len(d) > 0 {
		return append(out, d...)
	}
	return append(out, "topic", msg.Topic, "queue", l.binding.Queue, "attempt", msg.Attempt)
}

// Register creates one listener per binding and subscribes it on sub. Any
// invalid binding fails the whole registration before the bus starts.
func Register(sub bus.Subscriber, bindings []Binding, w Writer, opts ...Option) ([]*Listener, error) {
	if len(bindings) == 0 {
		bindings = DefaultBindings()
	}
	listeners := make([]*Listener, 0, len(bindings))
	for _, b := range bindings {
		l, err := New(b, w, opts...)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}
	for _, l := range listeners {
		if err := sub.Subscribe(l.binding.Pattern, l.binding.Queue, l); err != nil {
			return nil, err
		}
	}
	return listeners, nil
}

// Package dualwrite persists canonical records to the metrics store and the
// audit store, in that order, and reports success only when both accepted.
package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"usagetrail/pkg/analytics"
	dErrors "usagetrail/pkg/domain-errors"
	"usagetrail/pkg/platform/circuit"
	"usagetrail/pkg/platform/observability"
	"usagetrail/pkg/platform/sentinel"
)

const tracerName = "usagetrail/pkg/analytics/dualwrite"

const (
	defaultMetricsTimeout = 2 * time.Second
	defaultAuditTimeout   = 5 * time.Second
)

// MetricsStore appends one point per record. Implementations must be safe
// under duplicate calls for the same record ID.
type MetricsStore interface {
	WritePoint(ctx context.Context, rec analytics.CanonicalAnalyticRecord) error
}

// AuditStore inserts one row per record. Duplicate inserts are tolerated.
type AuditStore interface {
	Insert(ctx context.Context, rec analytics.CanonicalAnalyticRecord) error
}

// Coordinator runs the dual-write state machine. It holds no per-record state
// and is safe for concurrent use.
type Coordinator struct {
	metricsStore MetricsStore
	auditStore   AuditStore

	metricsTimeout time.Duration
	auditTimeout   time.Duration
	breakers       map[Store]*circuit.Breaker

	observer observability.Observer
	metrics  *Metrics
	tracer   trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeouts bounds each store write. Zero keeps the default.
func WithTimeouts(metrics, audit time.Duration) Option {
	return func(c *Coordinator) {
		if metrics > 0 {
			c.metricsTimeout = metrics
		}
		if audit > 0 {
			c.auditTimeout = audit
		}
	}
}

// WithBreakers replaces the per-store circuit breakers. A nil breaker keeps
// the default.
func WithBreakers(metrics, audit *circuit.Breaker) Option {
	return func(c *Coordinator) {
		if metrics != nil {
			c.breakers[StoreMetrics] = metrics
		}
		if audit != nil {
			c.breakers[StoreAudit] = audit
		}
	}
}

func WithObserver(o observability.Observer) Option {
	return func(c *Coordinator) { c.observer = observability.OrNop(o) }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New creates a Coordinator over the two stores.
func New(metricsStore MetricsStore, auditStore AuditStore, opts ...Option) (*Coordinator, error) {
	if metricsStore == nil {
		return nil, errors.New("metrics store is required")
	}
	if auditStore == nil {
		return nil, errors.New("audit store is required")
	}
	c := &Coordinator{
		metricsStore:   metricsStore,
		auditStore:     auditStore,
		metricsTimeout: defaultMetricsTimeout,
		auditTimeout:   defaultAuditTimeout,
		breakers: map[Store]*circuit.Breaker{
			StoreMetrics: circuit.New(StoreMetrics.String()),
			StoreAudit:   circuit.New(StoreAudit.String()),
		},
		observer: observability.Nop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Write persists rec to the metrics store and then the audit store. The audit
// write is attempted only after the metrics write succeeded. The returned
// error is non-nil exactly when the outcome must not be acknowledged.
func (c *Coordinator) Write(ctx context.Context, rec analytics.CanonicalAnalyticRecord) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "dualwrite.Write", trace.WithAttributes(recordAttributes(rec)...))
	defer span.End()

	out := Outcome{RecordID: rec.ID}
	out.enter(StatePending)
	c.metrics.IncTransition(StatePending)

	if err := c.write(ctx, StoreMetrics, rec); err != nil {
		return c.failed(ctx, span, &out, rec, StoreMetrics, err)
	}
	out.enter(StateMetricsWritten)
	c.metrics.IncTransition(StateMetricsWritten)
	c.observer.Observe(ctx, slog.LevelDebug, "record_metrics_written", "event_id", rec.ID.String())

	if err := c.write(ctx, StoreAudit, rec); err != nil {
		return c.failed(ctx, span, &out, rec, StoreAudit, err)
	}
	out.enter(StateComplete)
	c.metrics.IncTransition(StateComplete)
	c.observer.Observe(ctx, slog.LevelInfo, "record_complete",
		"event_id", rec.ID.String(),
		"organization_id", rec.OrganizationID(),
		"operation_kind", rec.OperationKind,
	)
	return out, nil
}

func (c *Coordinator) failed(ctx context.Context, span trace.Span, out *Outcome, rec analytics.CanonicalAnalyticRecord, store Store, err error) (Outcome, error) {
	out.fail(store, err)
	c.metrics.IncTransition(StateFailed)

	span.RecordError(err)
	span.SetStatus(codes.Error, store.String()+" write failed")

	attrs := []any{
		"event_id", rec.ID.String(),
		"store", store.String(),
		"code", string(dErrors.CodeOf(err)),
		"error", err,
	}
	if store == StoreAudit {
		// The point is already in the metrics store; redelivery will write it
		// again under the same key.
		attrs = append(attrs, "metrics_written", true)
	}
	c.observer.Observe(ctx, slog.LevelError, "record_failed", attrs...)
	return *out, err
}

// write runs one store call under its timeout and breaker.
func (c *Coordinator) write(ctx context.Context, store Store, rec analytics.CanonicalAnalyticRecord) error {
	ctx, span := c.tracer.Start(ctx, "dualwrite."+store.String())
	defer span.End()

	breaker := c.breakers[store]
	if !breaker.Allow() {
		c.metrics.IncRejected(store)
		c.metrics.IncFailure(store, string(dErrors.CodeUnavailable))
		err := dErrors.Wrap(sentinel.ErrUnavailable, dErrors.CodeUnavailable, store.String()+" store circuit open")
		span.SetStatus(codes.Error, "circuit open")
		return err
	}

	timeout := c.metricsTimeout
	call := func(ctx context.Context) error { return c.metricsStore.WritePoint(ctx, rec) }
	if store == StoreAudit {
		timeout = c.auditTimeout
		call = func(ctx context.Context) error { return c.auditStore.Insert(ctx, rec) }
	}

	start := time.Now()
	err := callWithTimeout(ctx, timeout, call)
	c.metrics.ObserveWrite(store, err == nil, time.Since(start))

	if err == nil {
		_, change := breaker.RecordSuccess()
		if change.Closed {
			c.metrics.SetBreakerState(store, circuit.StateClosed)
			c.observer.Observe(ctx, slog.LevelInfo, "store_circuit_closed", "store", store.String())
		}
		return nil
	}

	err = classify(ctx, store, timeout, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.IncFailure(store, string(dErrors.CodeOf(err)))

	// A cancelled delivery says nothing about the store's health.
	if ctx.Err() == nil {
		if _, change := breaker.RecordFailure(); change.Opened {
			c.metrics.SetBreakerState(store, circuit.StateOpen)
			c.observer.Observe(ctx, slog.LevelWarn, "store_circuit_opened", "store", store.String())
		}
	}
	return err
}

// callWithTimeout returns when call returns or the deadline passes, whichever
// comes first. A store that ignores its context cannot hold the delivery past
// the timeout; a write that lands late is harmless because redelivery repeats
// it idempotently.
func callWithTimeout(ctx context.Context, timeout time.Duration, call func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("store panicked: %v", r)
			}
		}()
		done <- call(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classify(parent context.Context, store Store, timeout time.Duration, err error) error {
	switch {
	case parent.Err() != nil:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, store.String()+" write cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, fmt.Sprintf("%s write timed out after %s", store, timeout))
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return dErrors.Wrap(err, de.Code, store.String()+" write failed")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, store.String()+" write failed")
}

// BreakerStates reports the circuit position of each store.
func (c *Coordinator) BreakerStates() map[Store]circuit.State {
	return map[Store]circuit.State{
		StoreMetrics: c.breakers[StoreMetrics].State(),
		StoreAudit:   c.breakers[StoreAudit].State(),
	}
}

func recordAttributes(rec analytics.CanonicalAnalyticRecord) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("event.id", rec.ID.String()),
		attribute.String("event.operation_kind", rec.OperationKind),
		attribute.String("event.charge_category", rec.ChargeCategory),
		attribute.String("event.organization_id", rec.OrganizationID()),
	}
}

// Package deliverycontext carries per-delivery values (message id, topic,
// queue identity, attempt) through the pipeline without threading them
// through every signature.
//
// Buses set the values before invoking a handler:
//
//	ctx = deliverycontext.WithDelivery(ctx, deliverycontext.Delivery{...})
//
// Listeners, the coordinator and observers read them:
//
//	d := deliverycontext.From(ctx)
//	attempt := d.Attempt
package deliverycontext

import (
	"context"
	"time"
)

type (
	deliveryKey     struct{}
	deliveryTimeKey struct{}
)

// Delivery describes the bus delivery currently being processed.
type Delivery struct {
	MessageID string
	Topic     string
	Queue     string
	Attempt   int
}

// From returns the delivery stored in ctx, or the zero value.
func From(ctx context.Context) Delivery {
	if d, ok := ctx.Value(deliveryKey{}).(Delivery); ok {
		return d
	}
	return Delivery{}
}

// WithDelivery injects d into ctx.
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// Attrs renders the delivery as slog key/value pairs. Unset fields are skipped.
func Attrs(ctx context.Context) []any {
	d := From(ctx)
	var out []any
	if d.MessageID != "" {
		out = append(out, "message_id", d.MessageID)
	}
	if d.Topic != "" {
		out = append(out, "topic", d.Topic)
	}
	if d.Queue != "" {
		out = append(out, "queue", d.Queue)
	}
	if d.Attempt > 0 {
		out = append(out, "attempt", d.Attempt)
	}
	return out
}

// Now returns the time injected with WithTime, falling back to time.Now.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(deliveryTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime pins the clock seen by Now. Used by tests and by producers that
// stamp a batch of events with one timestamp.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, deliveryTimeKey{}, t)
}

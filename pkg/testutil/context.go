package testutil

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"usagetrail/pkg/deliverycontext"
)

// WithDelivery returns a context carrying the delivery a bus would set before
// invoking a handler. The message ID is derived from topic and attempt.
func WithDelivery(ctx context.Context, topic, queue string, attempt int) context.Context {
	return deliverycontext.WithDelivery(ctx, deliverycontext.Delivery{
		MessageID: topic + "/" + queue + "#" + strconv.Itoa(attempt),
		Topic:     topic,
		Queue:     queue,
		Attempt:   attempt,
	})
}

// WithFixedTime pins deliverycontext.Now to t.
func WithFixedTime(ctx context.Context, t time.Time) context.Context {
	return deliverycontext.WithTime(ctx, t)
}

// WithRequestID adds a request ID to the request context.
// This simulates what the chi RequestID middleware would do.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.RequestIDKey, requestID)
	return req.WithContext(ctx)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}

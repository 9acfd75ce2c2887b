// Package bus is the message-bus boundary of the ingestion pipeline.
//
// A binding is (routing pattern, queue identity, handler). Bindings sharing a
// queue identity compete for deliveries; distinct identities each receive
// their own copy. Delivery is at-least-once per binding and each delivery is
// settled exactly once from the handler's return value: nil acknowledges,
// an error rejects and leaves the message for redelivery.
package bus

import (
	"context"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"usagetrail/pkg/platform/sentinel"
)

// Message is one delivery of a published event to one queue identity.
type Message struct {
	ID          string
	Topic       string
	Queue       string
	Key         []byte
	Payload     []byte
	Headers     map[string]string
	PublishedAt time.Time
	// Attempt is 1 on first delivery and grows with every redelivery.
	Attempt int
}

// Clone returns a deep copy, so each queue identity owns its message.
func (m *Message) Clone() *Message {
	out := *m
	out.Key = append([]byte(nil), m.Key...)
	out.Payload = append([]byte(nil), m.Payload...)
	if m.Headers != nil {
		out.Headers = maps.Clone(m.Headers)
	}
	return &out
}

// Handler processes one delivery. Returning nil acknowledges it; any error
// rejects it.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Subscriber registers bindings.
type Subscriber interface {
	Subscribe(pattern, queue string, h Handler) error
}

// Publisher publishes a message on msg.Topic.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Bus is a full adapter: bindings, publishing and lifecycle.
type Bus interface {
	Subscriber
	Publisher
	// Start begins consuming. Bindings must be registered before Start.
	Start(ctx context.Context) error
	// Shutdown stops intake, lets in-flight deliveries finish within the
	// drain timeout, then cancels the rest.
	Shutdown(ctx context.Context) error
}

// Outcome is how a delivery was settled.
type Outcome int32

const (
	Unsettled Outcome = iota
	Acked
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "ack"
	case Rejected:
		return "reject"
	default:
		return "unsettled"
	}
}

// Delivery guards the settle-exactly-once rule for one message.
type Delivery struct {
	Message *Message
	outcome atomic.Int32
	cause   error
}

// NewDelivery wraps msg in an unsettled delivery.
func NewDelivery(msg *Message) *Delivery {
	return &Delivery{Message: msg}
}

// Ack settles the delivery as processed.
func (d *Delivery) Ack() error {
	if !d.outcome.CompareAndSwap(int32(Unsettled), int32(Acked)) {
		return fmt.Errorf("ack message %s: %w", d.Message.ID, sentinel.ErrAlreadyUsed)
	}
	return nil
}

// Reject settles the delivery as failed, leaving it for redelivery.
func (d *Delivery) Reject(cause error) error {
	if !d.outcome.CompareAndSwap(int32(Unsettled), int32(Rejected)) {
		return fmt.Errorf("reject message %s: %w", d.Message.ID, sentinel.ErrAlreadyUsed)
	}
	d.cause = cause
	return nil
}

// Outcome returns the settlement so far.
func (d *Delivery) Outcome() Outcome { return Outcome(d.outcome.Load()) }

// Cause returns the rejection cause, if rejected.
func (d *Delivery) Cause() error { return d.cause }

// Dispatch runs h for d and settles d from the result. A panicking handler
// rejects the delivery. The handler error is returned for the adapter's
// redelivery bookkeeping.
func Dispatch(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			_ = d.Reject(err)
			return
		}
		_ = d.Ack()
	}()
	return h.Handle(ctx, d.Message)
}

// Config is shared by the adapters.
type Config struct {
	// Concurrency is the number of deliveries processed in parallel per
	// binding (memory) or per queue identity (kafka).
	Concurrency int
	// InboxSize bounds the per-binding buffer of the memory adapter.
	InboxSize int
	// MaxDeliveries dead-letters a message after this many rejected
	// attempts. Zero redelivers forever.
	MaxDeliveries int
	// RedeliveryDelay is the pause before a rejected message is offered again.
	RedeliveryDelay time.Duration
	// DrainTimeout bounds how long Shutdown waits for in-flight deliveries.
	DrainTimeout time.Duration
	// DeadLetterCapacity bounds the dead letters kept for inspection.
	DeadLetterCapacity int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.RedeliveryDelay < 0 {
		c.RedeliveryDelay = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 1000
	}
	return c
}

// DeadLetter is a message that exhausted MaxDeliveries.
type DeadLetter struct {
	Message *Message
	Reason  string
	At      time.Time
}

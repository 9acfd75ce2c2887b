package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"usagetrail/pkg/deliverycontext"
	dErrors "usagetrail/pkg/domain-errors"
	"usagetrail/pkg/platform/observability"
	"usagetrail/pkg/platform/routing"
	"usagetrail/pkg/platform/sentinel"
)

type subscriber struct {
	pattern string
	queue   string
	handler Handler
	inbox   chan *Message
}

// Memory is an in-process bus. Each binding owns a bounded inbox drained by
// Config.Concurrency workers; members of a queue group are served round-robin.
type Memory struct {
	cfg          Config
	table        *routing.Table[*subscriber]
	observer     observability.Observer
	metrics      *Metrics
	deadLetters  *RingBuffer[DeadLetter]
	onDeadLetter func(context.Context, DeadLetter)

	mu       sync.RWMutex
	subs     []*subscriber
	cursors  map[string]*atomic.Uint64
	started  bool
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once

	runCtx  context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	pending sync.WaitGroup
}

// MemoryOption configures a Memory bus.
type MemoryOption func(*Memory)

// WithObserver sets the observer for delivery events.
func WithObserver(o observability.Observer) MemoryOption {
	return func(b *Memory) { b.observer = observability.OrNop(o) }
}

// WithMetrics sets the bus metrics.
func WithMetrics(m *Metrics) MemoryOption {
	return func(b *Memory) { b.metrics = m }
}

// WithDeadLetterHandler is called for every message that exhausts
// MaxDeliveries, in addition to keeping it in DeadLetters.
func WithDeadLetterHandler(fn func(context.Context, DeadLetter)) MemoryOption {
	return func(b *Memory) { b.onDeadLetter = fn }
}

// NewMemory creates an in-process bus.
func NewMemory(cfg Config, opts ...MemoryOption) *Memory {
	cfg = cfg.withDefaults()
	b := &Memory{
		cfg:         cfg,
		table:       routing.NewTable[*subscriber](),
		observer:    observability.Nop(),
		deadLetters: NewRingBuffer[DeadLetter](cfg.DeadLetterCapacity),
		cursors:     make(map[string]*atomic.Uint64),
		stopping:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a binding. Invalid patterns fail with CodeMisconfigured.
func (b *Memory) Subscribe(pattern, queue string, h Handler) error {
	if h == nil {
		return dErrors.New(dErrors.CodeMisconfigured, fmt.Sprintf("binding %q/%q has no handler", pattern, queue))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return fmt.Errorf("subscribe %q after start: %w", pattern, sentinel.ErrInvalidState)
	}

	sub := &subscriber{
		pattern: pattern,
		queue:   queue,
		handler: h,
		inbox:   make(chan *Message, b.cfg.InboxSize),
	}
	if _, err := b.table.Bind(pattern, queue, sub); err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	if _, ok := b.cursors[queue]; !ok {
		b.cursors[queue] = new(atomic.Uint64)
	}
	return nil
}

// Start launches the workers. ctx bounds the lifetime of every handler call.
func (b *Memory) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return fmt.Errorf("start memory bus: %w", sentinel.ErrInvalidState)
	}
	b.started = true
	b.runCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, sub := range b.subs {
		for range b.cfg.Concurrency {
			b.workers.Add(1)
			go b.work(sub)
		}
	}
	return nil
}

// Publish delivers a copy of msg to every queue group whose bindings match
// msg.Topic. It blocks while the chosen inbox is full.
func (b *Memory) Publish(ctx context.Context, msg *Message) error {
	if err := routing.ValidateTopic(msg.Topic); err != nil {
		return err
	}

	groups := b.table.Route(msg.Topic)
	b.metrics.IncPublished(msg.Topic)
	if len(groups) == 0 {
		b.metrics.IncUnrouted()
		b.observer.Observe(ctx, slog.LevelWarn, "bus_unrouted", "topic", msg.Topic)
		return nil
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	for _, g := range groups {
		m := msg.Clone()
		m.Queue = g.Queue
		m.Attempt = 1
		if err := b.enqueue(ctx, g, m); err != nil {
			return fmt.Errorf("publish %s to %s: %w", msg.Topic, g.Queue, err)
		}
	}
	return nil
}

func (b *Memory) enqueue(ctx context.Context, g routing.Group[*subscriber], m *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return sentinel.ErrClosed
	}

	cursor := b.cursors[g.Queue]
	member := g.Members[int((cursor.Add(1)-1)%uint64(len(g.Members)))].Handler

	select {
	case member.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopping:
		return sentinel.ErrClosed
	}
}

func (b *Memory) work(sub *subscriber) {
	defer b.workers.Done()
	for m := range sub.inbox {
		b.deliver(sub, m)
	}
}

func (b *Memory) deliver(sub *subscriber, m *Message) {
	ctx := deliverycontext.WithDelivery(b.runCtx, deliverycontext.Delivery{
		MessageID: m.ID,
		Topic:     m.Topic,
		Queue:     m.Queue,
		Attempt:   m.Attempt,
	})
	done := b.metrics.TrackInFlight(m.Queue)
	d := NewDelivery(m)
	err := Dispatch(ctx, sub.handler, d)
	done()

	b.metrics.IncSettled(m.Queue, d.Outcome())
	if err == nil {
		return
	}

	if b.cfg.MaxDeliveries > 0 && m.Attempt >= b.cfg.MaxDeliveries {
		b.deadLetter(ctx, m, err)
		return
	}
	b.observer.Observe(ctx, slog.LevelWarn, "delivery_rejected", "error", err.Error())
	b.scheduleRedelivery(m)
}

func (b *Memory) scheduleRedelivery(m *Message) {
	next := m.Clone()
	next.Attempt = m.Attempt + 1

	b.pending.Add(1)
	go func() {
		defer b.pending.Done()

		timer := time.NewTimer(b.cfg.RedeliveryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-b.stopping:
			b.abandon(next)
			return
		}

		group, ok := b.groupFor(next)
		if !ok {
			b.abandon(next)
			return
		}
		if err := b.enqueue(b.runCtx, group, next); err != nil {
			b.abandon(next)
			return
		}
		b.metrics.IncRedelivered(next.Queue)
	}()
}

func (b *Memory) groupFor(m *Message) (routing.Group[*subscriber], bool) {
	for _, g := range b.table.Route(m.Topic) {
		if g.Queue == m.Queue {
			return g, true
		}
	}
	return routing.Group[*subscriber]{}, false
}

func (b *Memory) abandon(m *Message) {
	b.metrics.IncAbandoned(m.Queue)
	b.observer.Observe(context.Background(), observability.LevelCritical, "delivery_abandoned",
		"message_id", m.ID,
		"topic", m.Topic,
		"queue", m.Queue,
		"attempt", m.Attempt,
	)
}

func (b *Memory) deadLetter(ctx context.Context, m *Message, cause error) {
	dl := DeadLetter{Message: m, Reason: cause.Error(), At: time.Now().UTC()}
	b.metrics.IncDeadLetters(m.Queue)
	b.observer.Observe(ctx, observability.LevelCritical, "dead_lettered",
		"error", cause.Error(),
		"max_deliveries", b.cfg.MaxDeliveries,
	)
	if b.onDeadLetter != nil {
		b.onDeadLetter(ctx, dl)
	}
	b.deadLetters.Enqueue(dl)
}

// DeadLetters returns the most recent dead letters, oldest first.
func (b *Memory) DeadLetters() []DeadLetter {
	return b.deadLetters.Snapshot()
}

// Shutdown stops intake, drains inboxes for up to DrainTimeout and then
// cancels in-flight handlers. Pending redeliveries are abandoned and counted.
func (b *Memory) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopping) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	for _, sub := range b.subs {
		close(sub.inbox)
	}
	b.mu.Unlock()

	if !started {
		for _, sub := range b.subs {
			for m := range sub.inbox {
				b.abandon(m)
			}
		}
		return nil
	}

	drained := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(drained)
	}()

	drainCtx, cancelDrain := context.WithTimeout(ctx, b.cfg.DrainTimeout)
	defer cancelDrain()

	var drainErr error
	select {
	case <-drained:
	case <-drainCtx.Done():
		drainErr = dErrors.Wrap(drainCtx.Err(), dErrors.CodeTimeout, "memory bus drain")
		b.cancel()
		select {
		case <-drained:
		case <-ctx.Done():
			return errors.Join(drainErr, ctx.Err())
		}
	}
	b.cancel()
	b.pending.Wait()
	return drainErr
}

// Package kafka adapts the bus boundary to Kafka-compatible brokers with
// franz-go.
//
// Every queue identity becomes one consumer group subscribed by regex to the
// patterns bound under it. Offsets are committed manually and only for the
// successfully handled prefix of each partition; the first failed record
// rewinds its partition so the broker redelivers it. After MaxDeliveries
// attempts a record is copied to "<queue>.dlq" and committed.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	dErrors "usagetrail/pkg/domain-errors"
	"usagetrail/pkg/platform/bus"
	"usagetrail/pkg/platform/observability"
	"usagetrail/pkg/platform/routing"
	"usagetrail/pkg/platform/sentinel"
)

// DeadLetterSuffix is appended to a queue identity to name its dead-letter topic.
const DeadLetterSuffix = ".dlq"

// Header keys written by Publish and by dead-lettering.
const (
	HeaderMessageID     = "message-id"
	HeaderOriginalTopic = "x-original-topic"
	HeaderError         = "x-error"
	HeaderAttempts      = "x-attempts"
)

// Config configures the Kafka adapter.
type Config struct {
	bus.Config

	Brokers           []string
	ClientID          string
	FetchMaxWait      time.Duration
	MaxPollRecords    int
	Partitions        int32
	ReplicationFactor int16
	// ProvisionTopics are created at Start if missing, together with the
	// dead-letter topic of every queue identity.
	ProvisionTopics []string
}

// Bus is the Kafka adapter.
type Bus struct {
	cfg      Config
	table    *routing.Table[bus.Handler]
	producer *kgo.Client
	observer observability.Observer
	metrics  *bus.Metrics

	mu        sync.Mutex
	started   bool
	closed    bool
	consumers []*queueConsumer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

func WithObserver(o observability.Observer) Option {
	return func(b *Bus) { b.observer = observability.OrNop(o) }
}

func WithMetrics(m *bus.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates the adapter and its producer client. No connection is made
// until the first request.
func New(cfg Config, opts ...Option) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, dErrors.New(dErrors.CodeMisconfigured, "kafka bus needs at least one broker")
	}
	cfg = cfg.withDefaults()

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeMisconfigured, "create kafka producer")
	}

	b := &Bus{
		cfg:      cfg,
		table:    routing.NewTable[bus.Handler](),
		producer: producer,
		observer: observability.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "usagetrail"
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = 500 * time.Millisecond
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Subscribe registers a binding. Bindings must be registered before Start.
func (b *Bus) Subscribe(pattern, queue string, h bus.Handler) error {
	if h == nil {
		return dErrors.New(dErrors.CodeMisconfigured, fmt.Sprintf("binding %q/%q has no handler", pattern, queue))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return fmt.Errorf("subscribe %q after start: %w", pattern, sentinel.ErrInvalidState)
	}
	_, err := b.table.Bind(pattern, queue, h)
	return err
}

// Ping checks broker connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.producer.Ping(ctx); err != nil {
		return dErrors.Wrap(fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err), dErrors.CodeUnavailable, "kafka ping")
	}
	return nil
}

// Publish produces msg synchronously on msg.Topic.
func (b *Bus) Publish(ctx context.Context, msg *bus.Message) error {
	if err := routing.ValidateTopic(msg.Topic); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return sentinel.ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	rec := toRecord(msg)
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "produce "+msg.Topic)
	}
	b.metrics.IncPublished(msg.Topic)
	return nil
}

// EnsureTopics creates the configured topics and one dead-letter topic per
// queue identity. Existing topics are left untouched.
func (b *Bus) EnsureTopics(ctx context.Context) error {
	topics := append([]string(nil), b.cfg.ProvisionTopics...)
	for _, q := range b.table.Queues() {
		topics = append(topics, q.Queue+DeadLetterSuffix)
	}
	if len(topics) == 0 {
		return nil
	}

	adm := kadm.NewClient(b.producer)
	resp, err := adm.CreateTopics(ctx, b.cfg.Partitions, b.cfg.ReplicationFactor, nil, topics...)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "create topics")
	}
	var errs []error
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			errs = append(errs, fmt.Errorf("topic %s: %w", r.Topic, r.Err))
		}
	}
	if len(errs) > 0 {
		return dErrors.Wrap(errors.Join(errs...), dErrors.CodeMisconfigured, "create topics")
	}
	return nil
}

// Start provisions topics and starts one consumer group per queue identity.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return fmt.Errorf("start kafka bus: %w", sentinel.ErrInvalidState)
	}

	if err := b.EnsureTopics(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, q := range b.table.Queues() {
		c, err := b.newQueueConsumer(q)
		if err != nil {
			cancel()
			for _, started := range b.consumers {
				started.client.Close()
			}
			b.consumers = nil
			return err
		}
		b.consumers = append(b.consumers, c)
	}

	b.started = true
	b.cancel = cancel
	for _, c := range b.consumers {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.run(runCtx)
		}()
	}
	return nil
}

func (b *Bus) newQueueConsumer(q routing.QueuePatterns) (*queueConsumer, error) {
	regexes := make([]string, 0, len(q.Patterns))
	for _, p := range q.Patterns {
		regexes = append(regexes, p.Regexp())
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
		kgo.ConsumerGroup(q.Queue),
		kgo.ConsumeTopics(regexes...),
		kgo.ConsumeRegex(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(b.cfg.FetchMaxWait),
	)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeMisconfigured, "create consumer for "+q.Queue)
	}
	return &queueConsumer{
		queue:    q.Queue,
		table:    b.table,
		client:   client,
		producer: b.producer,
		cfg:      b.cfg,
		observer: b.observer,
		metrics:  b.metrics,
		attempts: make(map[recordKey]int),
	}, nil
}

// Shutdown stops polling, waits up to DrainTimeout for in-flight batches,
// then cancels them and closes every client.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	started := b.started
	b.mu.Unlock()

	var drainErr error
	if started {
		for _, c := range consumers {
			c.stop()
		}

		drained := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(drained)
		}()

		drainCtx, cancelDrain := context.WithTimeout(ctx, b.cfg.DrainTimeout)
		defer cancelDrain()
		select {
		case <-drained:
		case <-drainCtx.Done():
			drainErr = dErrors.Wrap(drainCtx.Err(), dErrors.CodeTimeout, "kafka bus drain")
			b.cancel()
			<-drained
		}
		b.cancel()
		for _, c := range consumers {
			c.client.Close()
		}
	}
	b.producer.Close()
	return drainErr
}

func toRecord(msg *bus.Message) *kgo.Record {
	rec := &kgo.Record{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Payload,
	}
	rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: HeaderMessageID, Value: []byte(msg.ID)})
	for k, v := range msg.Headers {
		if k == HeaderMessageID {
			continue
		}
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if !msg.PublishedAt.IsZero() {
		rec.Timestamp = msg.PublishedAt
	}
	return rec
}

func isDeadLetterTopic(topic string) bool {
	return strings.HasSuffix(topic, DeadLetterSuffix)
}

package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"usagetrail/pkg/deliverycontext"
	"usagetrail/pkg/platform/bus"
	"usagetrail/pkg/platform/observability"
	"usagetrail/pkg/platform/routing"
)

// consumerClient is the part of *kgo.Client the poll loop uses.
type consumerClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
	AllowRebalance()
	Close()
}

// recordProducer is the part of *kgo.Client dead-lettering uses.
type recordProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type recordKey struct {
	topic     string
	partition int32
	offset    int64
}

// queueConsumer runs the poll loop of one consumer group.
type queueConsumer struct {
	queue    string
	table    *routing.Table[bus.Handler]
	client   consumerClient
	producer recordProducer
	cfg      Config
	observer observability.Observer
	metrics  *bus.Metrics

	cursor atomic.Uint64

	attemptsMu sync.Mutex
	attempts   map[recordKey]int

	stopOnce sync.Once
	stopPoll context.CancelFunc
	stopMu   sync.Mutex
	stopped  bool
}

// partitionResult is the outcome of handling one fetched partition: the
// records that may be committed and, if any, the first record that failed.
type partitionResult struct {
	done   []*kgo.Record
	failed *kgo.Record
}

func (c *queueConsumer) run(ctx context.Context) {
	pollCtx, stopPoll := context.WithCancel(ctx)
	c.stopMu.Lock()
	c.stopPoll = stopPoll
	stopped := c.stopped
	c.stopMu.Unlock()
	if stopped {
		stopPoll()
	}
	defer stopPoll()

	for {
		fetches := c.client.PollRecords(pollCtx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || pollCtx.Err() != nil {
			c.client.AllowRebalance()
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.observer.Observe(ctx, slog.LevelWarn, "kafka_fetch_error",
				"queue", c.queue, "topic", topic, "partition", partition, "error", err.Error())
		})

		rewound := c.processBatch(ctx, fetches)
		c.client.AllowRebalance()

		if rewound && c.cfg.RedeliveryDelay > 0 {
			select {
			case <-time.After(c.cfg.RedeliveryDelay):
			case <-pollCtx.Done():
				return
			}
		}
	}
}

// stop ends the poll loop after the batch in progress.
func (c *queueConsumer) stop() {
	c.stopOnce.Do(func() {
		c.stopMu.Lock()
		defer c.stopMu.Unlock()
		c.stopped = true
		if c.stopPoll != nil {
			c.stopPoll()
		}
	})
}

// processBatch handles every partition of fetches in parallel, commits the
// successful prefixes and rewinds failed partitions. It reports whether any
// partition was rewound.
func (c *queueConsumer) processBatch(ctx context.Context, fetches kgo.Fetches) bool {
	var parts []kgo.FetchTopicPartition
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) > 0 {
			parts = append(parts, p)
		}
	})
	if len(parts) == 0 {
		return false
	}

	results := make([]partitionResult, len(parts))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, p := range parts {
		g.Go(func() error {
			results[i] = c.processPartition(ctx, p.Topic, p.Records)
			return nil
		})
	}
	_ = g.Wait()

	var commit []*kgo.Record
	rewind := make(map[string]map[int32]kgo.EpochOffset)
	for _, r := range results {
		commit = append(commit, r.done...)
		if r.failed != nil {
			if rewind[r.failed.Topic] == nil {
				rewind[r.failed.Topic] = make(map[int32]kgo.EpochOffset)
			}
			rewind[r.failed.Topic][r.failed.Partition] = kgo.EpochOffset{
				Epoch:  r.failed.LeaderEpoch,
				Offset: r.failed.Offset,
			}
		}
	}

	if len(commit) > 0 {
		if err := c.client.CommitRecords(ctx, commit...); err != nil {
			// Uncommitted records are redelivered after a rebalance or restart.
			c.observer.Observe(ctx, slog.LevelError, "kafka_commit_failed",
				"queue", c.queue, "records", len(commit), "error", err.Error())
		}
	}
	if len(rewind) > 0 {
		c.client.SetOffsets(rewind)
	}
	return len(rewind) > 0
}

// processPartition handles records in order and stops at the first failure.
func (c *queueConsumer) processPartition(ctx context.Context, topic string, records []*kgo.Record) partitionResult {
	var res partitionResult
	for _, rec := range records {
		if isDeadLetterTopic(topic) {
			res.done = append(res.done, rec)
			continue
		}
		if err := c.handle(ctx, rec); err != nil {
			res.failed = rec
			return res
		}
		res.done = append(res.done, rec)
	}
	return res
}

// handle delivers one record. A nil return means the record may be committed:
// it was acknowledged, or it exhausted its attempts and was dead-lettered.
func (c *queueConsumer) handle(ctx context.Context, rec *kgo.Record) error {
	key := recordKey{topic: rec.Topic, partition: rec.Partition, offset: rec.Offset}
	attempt := c.nextAttempt(key)

	msg := messageFromRecord(rec, c.queue, attempt)
	h, ok := c.handlerFor(rec.Topic)
	if !ok {
		// Regex subscriptions can surface topics whose pattern was removed.
		c.forget(key)
		c.observer.Observe(ctx, slog.LevelWarn, "bus_unrouted", "topic", rec.Topic, "queue", c.queue)
		c.metrics.IncUnrouted()
		return nil
	}

	dctx := deliverycontext.WithDelivery(ctx, deliverycontext.Delivery{
		MessageID: msg.ID,
		Topic:     msg.Topic,
		Queue:     c.queue,
		Attempt:   attempt,
	})
	done := c.metrics.TrackInFlight(c.queue)
	d := bus.NewDelivery(msg)
	err := bus.Dispatch(dctx, h, d)
	done()
	c.metrics.IncSettled(c.queue, d.Outcome())

	if err == nil {
		c.forget(key)
		return nil
	}

	if c.cfg.MaxDeliveries > 0 && attempt >= c.cfg.MaxDeliveries {
		if dlqErr := c.deadLetter(dctx, rec, attempt, err); dlqErr != nil {
			c.observer.Observe(dctx, observability.LevelCritical, "dead_letter_failed",
				"error", err.Error(), "dlq_error", dlqErr.Error())
			return dlqErr
		}
		c.forget(key)
		return nil
	}

	c.observer.Observe(dctx, slog.LevelWarn, "delivery_rejected", "error", err.Error())
	c.metrics.IncRedelivered(c.queue)
	return err
}

func (c *queueConsumer) handlerFor(topic string) (bus.Handler, bool) {
	for _, g := range c.table.Route(topic) {
		if g.Queue != c.queue {
			continue
		}
		i := int((c.cursor.Add(1) - 1) % uint64(len(g.Members)))
		return g.Members[i].Handler, true
	}
	return nil, false
}

func (c *queueConsumer) deadLetter(ctx context.Context, rec *kgo.Record, attempt int, cause error) error {
	dlq := deadLetterRecord(rec, c.queue, attempt, cause)
	if err := c.producer.ProduceSync(ctx, dlq).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", dlq.Topic, err)
	}
	c.metrics.IncDeadLetters(c.queue)
	c.observer.Observe(ctx, observability.LevelCritical, "dead_lettered",
		"error", cause.Error(),
		"dlq_topic", dlq.Topic,
		"max_deliveries", c.cfg.MaxDeliveries,
	)
	return nil
}

func (c *queueConsumer) nextAttempt(key recordKey) int {
	c.attemptsMu.Lock()
	defer c.attemptsMu.Unlock()
	c.attempts[key]++
	return c.attempts[key]
}

func (c *queueConsumer) forget(key recordKey) {
	c.attemptsMu.Lock()
	defer c.attemptsMu.Unlock()
	delete(c.attempts, key)
}

func messageFromRecord(rec *kgo.Record, queue string, attempt int) *bus.Message {
	msg := &bus.Message{
		Topic:       rec.Topic,
		Queue:       queue,
		Key:         rec.Key,
		Payload:     rec.Value,
		PublishedAt: rec.Timestamp,
		Attempt:     attempt,
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			if h.Key == HeaderMessageID {
				msg.ID = string(h.Value)
				continue
			}
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	if msg.ID == "" {
		msg.ID = rec.Topic + "/" + strconv.Itoa(int(rec.Partition)) + "/" + strconv.FormatInt(rec.Offset, 10)
	}
	return msg
}

func deadLetterRecord(rec *kgo.Record, queue string, attempt int, cause error) *kgo.Record {
	headers := append([]kgo.RecordHeader(nil), rec.Headers...)
	headers = append(headers,
		kgo.RecordHeader{Key: HeaderOriginalTopic, Value: []byte(rec.Topic)},
		kgo.RecordHeader{Key: HeaderError, Value: []byte(cause.Error())},
		kgo.RecordHeader{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempt))},
	)
	return &kgo.Record{
		Topic:   queue + DeadLetterSuffix,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: headers,
	}
}

package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"usagetrail/pkg/deliverycontext"
	"usagetrail/pkg/platform/bus"
	"usagetrail/pkg/platform/routing"
	"usagetrail/pkg/testutil"
)

type fakeClient struct {
	mu        sync.Mutex
	committed []*kgo.Record
	rewound   map[string]map[int32]kgo.EpochOffset
	commitErr error
}

func (f *fakeClient) PollRecords(ctx context.Context, _ int) kgo.Fetches {
	<-ctx.Done()
	return kgo.Fetches{}
}

func (f *fakeClient) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, rs...)
	return f.commitErr
}

func (f *fakeClient) SetOffsets(o map[string]map[int32]kgo.EpochOffset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewound = o
}

func (f *fakeClient) AllowRebalance() {}
func (f *fakeClient) Close()          {}

type fakeProducer struct {
	mu       sync.Mutex
	produced []*kgo.Record
	err      error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.produced = append(f.produced, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

type ConsumerSuite struct {
	suite.Suite
	client   *fakeClient
	producer *fakeProducer
	recorder *testutil.Recorder
	table    *routing.Table[bus.Handler]
	failing  map[int64]bool
	mu       sync.Mutex
	handled  []int64
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) SetupTest() {
	s.client = &fakeClient{}
	s.producer = &fakeProducer{}
	s.recorder = testutil.NewRecorder()
	s.table = routing.NewTable[bus.Handler]()
	s.failing = map[int64]bool{}
	s.handled = nil

	_, err := s.table.Bind("category.*", "CategoryEvent", bus.HandlerFunc(func(ctx context.Context, msg *bus.Message) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		offset := int64(msg.Payload[0])
		s.handled = append(s.handled, offset)
		if s.failing[offset] {
			return errors.New("metrics store timeout")
		}
		return nil
	}))
	s.Require().NoError(err)
}

func (s *ConsumerSuite) consumer(maxDeliveries int) *queueConsumer {
	return &queueConsumer{
		queue:    "CategoryEvent",
		table:    s.table,
		client:   s.client,
		producer: s.producer,
		cfg:      Config{Config: bus.Config{Concurrency: 2, MaxDeliveries: maxDeliveries}},
		observer: s.recorder,
		metrics:  bus.NewMetrics(prometheus.NewRegistry()),
		attempts: make(map[recordKey]int),
	}
}

func records(topic string, partition int32, offsets ...int64) []*kgo.Record {
	out := make([]*kgo.Record, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, &kgo.Record{
			Topic:       topic,
			Partition:   partition,
			Offset:      o,
			LeaderEpoch: 3,
			Value:       []byte{byte(o)},
			Headers:     []kgo.RecordHeader{{Key: HeaderMessageID, Value: []byte("m")}},
		})
	}
	return out
}

func fetches(parts map[int32][]*kgo.Record, topic string) kgo.Fetches {
	ft := kgo.FetchTopic{Topic: topic}
	for p, recs := range parts {
		ft.Partitions = append(ft.Partitions, kgo.FetchPartition{Partition: p, Records: recs})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{ft}}}
}

func offsets(rs []*kgo.Record) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.Offset
	}
	return out
}

func (s *ConsumerSuite) TestCommitsOnlySuccessfulPrefix() {
	s.failing[2] = true
	c := s.consumer(0)

	rewound := c.processBatch(context.Background(), fetches(map[int32][]*kgo.Record{
		0: records("category.updated", 0, 1, 2, 3),
	}, "category.updated"))

	s.True(rewound)
	s.Equal([]int64{1}, offsets(s.client.committed))
	s.Equal([]int64{1, 2}, s.handled, "records after the failure are not handled")
	s.Equal(kgo.EpochOffset{Epoch: 3, Offset: 2}, s.client.rewound["category.updated"][0])
	s.Equal(1, s.recorder.Count("delivery_rejected"))
}

func (s *ConsumerSuite) TestPartitionsAreIndependent() {
	s.failing[11] = true
	c := s.consumer(0)

	c.processBatch(context.Background(), fetches(map[int32][]*kgo.Record{
		0: records("category.updated", 0, 1, 2),
		1: records("category.updated", 1, 11, 12),
	}, "category.updated"))

	s.ElementsMatch([]int64{1, 2}, offsets(s.client.committed))
	s.Len(s.client.rewound["category.updated"], 1)
	s.Equal(int64(11), s.client.rewound["category.updated"][1].Offset)
}

func (s *ConsumerSuite) TestRedeliveryCountsAttempts() {
	s.failing[5] = true
	c := s.consumer(0)
	var seen []int

	batch := fetches(map[int32][]*kgo.Record{0: records("category.updated", 0, 5)}, "category.updated")
	for range 3 {
		c.processBatch(context.Background(), batch)
		c.attemptsMu.Lock()
		seen = append(seen, c.attempts[recordKey{"category.updated", 0, 5}])
		c.attemptsMu.Unlock()
	}
	s.Equal([]int{1, 2, 3}, seen)

	s.failing[5] = false
	c.processBatch(context.Background(), batch)
	s.Empty(c.attempts, "acknowledged records are forgotten")
}

func (s *ConsumerSuite) TestDeadLettersAfterMaxDeliveries() {
	s.failing[7] = true
	c := s.consumer(2)
	batch := fetches(map[int32][]*kgo.Record{0: records("category.deleted", 0, 7)}, "category.deleted")

	s.True(c.processBatch(context.Background(), batch))
	s.Empty(s.client.committed)

	s.False(c.processBatch(context.Background(), batch), "dead-lettered record is committed, not rewound")
	s.Equal([]int64{7}, offsets(s.client.committed))
	s.Require().Len(s.producer.produced, 1)

	dlq := s.producer.produced[0]
	s.Equal("CategoryEvent.dlq", dlq.Topic)
	headers := map[string]string{}
	for _, h := range dlq.Headers {
		headers[h.Key] = string(h.Value)
	}
	s.Equal("category.deleted", headers[HeaderOriginalTopic])
	s.Equal("2", headers[HeaderAttempts])
	s.Equal("metrics store timeout", headers[HeaderError])
	s.Equal(1, s.recorder.Count("dead_lettered"))
}

func (s *ConsumerSuite) TestDeadLetterFailureKeepsRecord() {
	s.failing[7] = true
	s.producer.err = errors.New("broker down")
	c := s.consumer(1)

	s.True(c.processBatch(context.Background(), fetches(map[int32][]*kgo.Record{
		0: records("category.deleted", 0, 7),
	}, "category.deleted")))
	s.Empty(s.client.committed)
	s.Equal(1, s.recorder.Count("dead_letter_failed"))
}

func (s *ConsumerSuite) TestDeadLetterTopicsAreSkipped() {
	c := s.consumer(0)
	c.processBatch(context.Background(), fetches(map[int32][]*kgo.Record{
		0: records("CategoryEvent.dlq", 0, 1),
	}, "CategoryEvent.dlq"))

	s.Empty(s.handled)
	s.Equal([]int64{1}, offsets(s.client.committed))
}

func (s *ConsumerSuite) TestHandlerSeesDeliveryContext() {
	var got deliverycontext.Delivery
	table := routing.NewTable[bus.Handler]()
	_, err := table.Bind("video.*", "VideoEvent", bus.HandlerFunc(func(ctx context.Context, _ *bus.Message) error {
		got = deliverycontext.From(ctx)
		return nil
	}))
	s.Require().NoError(err)
	c := s.consumer(0)
	c.queue = "VideoEvent"
	c.table = table

	c.processBatch(context.Background(), fetches(map[int32][]*kgo.Record{0: records("video.created", 0, 9)}, "video.created"))

	s.Equal(deliverycontext.Delivery{MessageID: "m", Topic: "video.created", Queue: "VideoEvent", Attempt: 1}, got)
}

func (s *ConsumerSuite) TestRunStopsOnStop() {
	c := s.consumer(0)
	done := make(chan struct{})
	go func() {
		c.run(context.Background())
		close(done)
	}()
	c.stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("poll loop did not stop")
	}
}

func TestMessageFromRecord(t *testing.T) {
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := &kgo.Record{
		Topic:     "video.created",
		Partition: 2,
		Offset:    40,
		Key:       []byte("org-42"),
		Value:     []byte(`{}`),
		Timestamp: ts,
		Headers:   []kgo.RecordHeader{{Key: "content-type", Value: []byte("application/json")}},
	}

	msg := messageFromRecord(rec, "VideoEvent", 3)
	assert.Equal(t, "video.created/2/40", msg.ID, "offset identity when no message id header")
	assert.Equal(t, "VideoEvent", msg.Queue)
	assert.Equal(t, 3, msg.Attempt)
	assert.Equal(t, ts, msg.PublishedAt)
	assert.Equal(t, map[string]string{"content-type": "application/json"}, msg.Headers)
}

func TestToRecord(t *testing.T) {
	rec := toRecord(&bus.Message{
		ID:      "m-1",
		Topic:   "file.uploaded",
		Payload: []byte(`{}`),
		Headers: map[string]string{HeaderMessageID: "spoofed"},
	})
	assert.Equal(t, "file.uploaded", rec.Topic)
	assert.Len(t, rec.Headers, 1)
	assert.Equal(t, "m-1", string(rec.Headers[0].Value))
	assert.Equal(t, "m-1", messageFromRecord(rec, "FileEvent", 1).ID)
}

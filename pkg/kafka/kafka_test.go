package kafka

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/metrics"
)

func configForTest() config.KafkaConfig {
	return config.KafkaConfig{
		Brokers:      []string{"localhost:9092", " "},
		Topic:        "wiki-topic",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// fakeWriter stands in for an async *kafka.Writer: WriteMessages only
// queues, and the test decides when the completion callback fires.
type fakeWriter struct {
	mu       sync.Mutex
	written  []kafka.Message
	writeErr error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestProducer(w messageWriter) *Producer {
	p := NewProducer(configForTest(), metrics.New(prometheus.NewRegistry()))
	p.writer = w
	return p
}

func TestProducer_AppendSendsValueUnchangedWithoutKey(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(w)

	line := []byte(`data: {"id":1,"title":"Main Page"}`)
	d := p.Append(context.Background(), line)

	require.Len(t, w.written, 1)
	assert.Equal(t, line, w.written[0].Value)
	assert.Nil(t, w.written[0].Key)

	select {
	case <-d.Done():
		t.Fatal("delivery resolved before the broker acknowledged it")
	default:
	}

	w.written[0].Partition = 2
	p.complete(w.written, nil)

	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 2, d.Partition())
	assert.Equal(t, "wiki-topic", d.Topic())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.LogAppendsTotal.WithLabelValues("ok")))
}

func TestProducer_CompletionFailureResolvesEveryDelivery(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(w)

	d1 := p.Append(context.Background(), []byte("id: 1"))
	d2 := p.Append(context.Background(), []byte("data: {}"))

	brokerErr := errors.New("leader not available")
	p.complete(w.written, brokerErr)

	assert.ErrorIs(t, d1.Wait(context.Background()), brokerErr)
	assert.ErrorIs(t, d2.Wait(context.Background()), brokerErr)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.LogAppendsTotal.WithLabelValues("failed")))
}

func TestProducer_EnqueueErrorResolvesImmediately(t *testing.T) {
	w := &fakeWriter{writeErr: errors.New("writer closed")}
	p := newTestProducer(w)

	d := p.Append(context.Background(), []byte("data: {}"))

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery did not resolve")
	}
	assert.Error(t, d.Err())
}

// appendLongLine appends a data line of n bytes through a real writer whose
// broker refuses connections, and returns the resolved delivery error.
func appendLongLine(t *testing.T, cfg config.KafkaConfig, n int) error {
	t.Helper()
	cfg.Brokers = []string{"127.0.0.1:1"}
	p := NewProducer(cfg, metrics.New(prometheus.NewRegistry()))

	line := append([]byte("data: "), bytes.Repeat([]byte("x"), n-len("data: "))...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d := p.Append(ctx, line)

	select {
	case <-d.Done():
		return d.Err()
	case <-time.After(3 * time.Second):
		t.Fatal("delivery did not resolve")
		return nil
	}
}

func TestProducer_DefaultConfigAcceptsLinesBeyondBatchTarget(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	w, ok := NewProducer(cfg.Kafka, metrics.New(prometheus.NewRegistry())).writer.(*kafka.Writer)
	require.True(t, ok)
	assert.GreaterOrEqual(t, w.BatchBytes, int64(cfg.Stream.MaxLineBytes)+config.MessageOverhead)

	// the broker is unreachable, so the append fails, but not for its size
	err = appendLongLine(t, cfg.Kafka, 20_000)
	var tooLarge kafka.MessageTooLargeError
	assert.False(t, errors.As(err, &tooLarge), "20 KB line rejected as too large: %v", err)
}

func TestProducer_UndersizedBatchBytesRejectsLongLines(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Kafka.BatchBytes = 16384

	err = appendLongLine(t, cfg.Kafka, 20_000)

	var tooLarge kafka.MessageTooLargeError
	assert.True(t, errors.As(err, &tooLarge), "got %v", err)
	assert.Error(t, cfg.Validate())
}

func TestProducer_Close(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(w)
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

// fakeReader serves queued messages and then blocks until ctx is done,
// like a *kafka.Reader with nothing new to fetch.
type fakeReader struct {
	queue     []kafka.Message
	fetchErr  error
	commitErr error
	committed [][]kafka.Message
	fetches   int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.fetches++
	if r.fetchErr != nil {
		return kafka.Message{}, r.fetchErr
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		return msg, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	if r.commitErr != nil {
		return r.commitErr
	}
	r.committed = append(r.committed, append([]kafka.Message(nil), msgs...))
	return nil
}

func (r *fakeReader) Close() error { return nil }

func messages(offsets ...int64) []kafka.Message {
	out := make([]kafka.Message, len(offsets))
	for i, off := range offsets {
		out[i] = kafka.Message{Topic: "wiki-topic", Partition: 0, Offset: off, Value: []byte("data: {}")}
	}
	return out
}

func newTestConsumer(r MessageReader, maxRecords int) *Consumer {
	return NewConsumerWithReader(r, ConsumerOptions{
		Topic:       "wiki-topic",
		MaxRecords:  maxRecords,
		FetchLinger: 5 * time.Millisecond,
	}, metrics.New(prometheus.NewRegistry()))
}

func TestConsumer_PollTimeoutReturnsEmptyBatch(t *testing.T) {
	c := newTestConsumer(&fakeReader{}, 10)

	records, err := c.Poll(context.Background(), 10*time.Millisecond)

	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, c.Commit(context.Background()))
}

func TestConsumer_PollRespectsMaxRecords(t *testing.T) {
	r := &fakeReader{queue: messages(0, 1, 2, 3, 4)}
	c := newTestConsumer(r, 3)

	records, err := c.Poll(context.Background(), time.Second)

	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.EqualValues(t, 0, records[0].Offset)
	assert.EqualValues(t, 2, records[2].Offset)
	assert.Equal(t, "wiki-topic", records[0].Topic)
}

func TestConsumer_UncommittedBatchIsRedelivered(t *testing.T) {
	r := &fakeReader{queue: messages(10, 11, 12)}
	c := newTestConsumer(r, 10)

	first, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	fetchesAfterFirst := r.fetches

	second, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, fetchesAfterFirst, r.fetches, "redelivery must not fetch")
	assert.Empty(t, r.committed)
}

func TestConsumer_CommitAdvancesPastWholeBatch(t *testing.T) {
	r := &fakeReader{queue: messages(10, 11, 12)}
	c := newTestConsumer(r, 10)

	_, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Commit(context.Background()))

	require.Len(t, r.committed, 1)
	assert.Len(t, r.committed[0], 3)

	r.queue = messages(13)
	next, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.EqualValues(t, 13, next[0].Offset)
}

func TestConsumer_FailedCommitKeepsBatchPending(t *testing.T) {
	r := &fakeReader{queue: messages(1), commitErr: errors.New("rebalance in progress")}
	c := newTestConsumer(r, 10)

	_, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Error(t, c.Commit(context.Background()))

	again, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.EqualValues(t, 1, again[0].Offset)
}

func TestConsumer_FetchErrorIsReturned(t *testing.T) {
	r := &fakeReader{fetchErr: errors.New("group coordinator not available")}
	c := newTestConsumer(r, 10)

	_, err := c.Poll(context.Background(), time.Second)
	assert.Error(t, err)
}

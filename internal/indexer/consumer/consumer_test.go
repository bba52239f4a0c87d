package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/opensearch"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/resilience"
)

// brokerReader serves queued messages to a kafka.Consumer and records
// commits. With an empty queue it blocks until the poll deadline.
type brokerReader struct {
	mu        sync.Mutex
	queue     []kafkago.Message
	fetchErr  error
	commitErr error
	committed []kafkago.Message
}

func (r *brokerReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.mu.Unlock()
		return kafkago.Message{}, err
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (r *brokerReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *brokerReader) Close() error { return nil }

func (r *brokerReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.committed))
	for i, m := range r.committed {
		out[i] = m.Offset
	}
	return out
}

func msg(partition int, offset int64, value string) kafkago.Message {
	return kafkago.Message{Topic: "wiki-topic", Partition: partition, Offset: offset, Value: []byte(value)}
}

// memoryIndex keeps documents by id, like an index with upsert semantics.
type memoryIndex struct {
	mu      sync.Mutex
	docs    map[string]string
	calls   [][]opensearch.Document
	reject  map[string]bool
	bulkErr error
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{docs: map[string]string{}, reject: map[string]bool{}}
}

func (m *memoryIndex) Bulk(_ context.Context, docs []opensearch.Document) (*opensearch.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, docs)
	if m.bulkErr != nil {
		return nil, m.bulkErr
	}
	result := &opensearch.BulkResult{}
	for _, d := range docs {
		if m.reject[d.ID] {
			result.Errors = true
			result.Items = append(result.Items, opensearch.BulkItem{ID: d.ID, Status: 429, Error: "es_rejected_execution_exception: queue full"})
			continue
		}
		m.docs[d.ID] = string(d.Body)
		result.Items = append(result.Items, opensearch.BulkItem{ID: d.ID, Status: 201})
	}
	return result, nil
}

func ids(docs []opensearch.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

type recordedProgress struct {
	batches [][]kafka.Record
}

func (p *recordedProgress) Committed(_ context.Context, records []kafka.Record) error {
	p.batches = append(p.batches, records)
	return nil
}

type fixture struct {
	reader   *brokerReader
	index    *memoryIndex
	metrics  *metrics.Metrics
	progress *recordedProgress
	states   []State
	consumer *LogConsumer
}

func newFixture(t *testing.T, queue ...kafkago.Message) *fixture {
	t.Helper()
	f := &fixture{
		reader:   &brokerReader{queue: queue},
		index:    newMemoryIndex(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		progress: &recordedProgress{},
	}
	log := kafka.NewConsumerWithReader(f.reader, kafka.ConsumerOptions{
		Topic:       "wiki-topic",
		MaxRecords:  100,
		FetchLinger: 5 * time.Millisecond,
	}, f.metrics)
	f.consumer = New(log, f.index, f.metrics, Options{
		PollTimeout: 20 * time.Millisecond,
		Progress:    f.progress,
		OnStateChange: func(_, to State) {
			f.states = append(f.states, to)
		},
	})
	return f
}

func TestCycle_MalformedRecordExcludedAndWholeBatchCommitted(t *testing.T) {
	f := newFixture(t,
		msg(0, 10, `data: {"title":"A"}`),
		msg(0, 11, `event: message`),
		msg(0, 12, `data: {"title":"C"}`),
	)

	outcome, err := f.consumer.Cycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	require.Len(t, f.index.calls, 1)
	assert.Equal(t, []string{"wiki-topic_0_10", "wiki-topic_0_12"}, ids(f.index.calls[0]))
	assert.Equal(t, []int64{10, 11, 12}, f.reader.committedOffsets())
	assert.Equal(t, []State{StateProcessing, StateCommitting, StatePolling}, f.states)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RecordsMalformedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.DocsIndexedTotal))
	require.Len(t, f.progress.batches, 1)
	assert.Len(t, f.progress.batches[0], 3)
}

func TestCycle_PayloadIsTrimmedDataField(t *testing.T) {
	f := newFixture(t, msg(2, 5, "data: {\"foo\":1}  "))

	_, err := f.consumer.Cycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, `{"foo":1}`, f.index.docs["wiki-topic_2_5"])
}

func TestCycle_PartialFailureWithholdsCommitAndRedelivers(t *testing.T) {
	f := newFixture(t,
		msg(1, 100, `data: {"n":1}`),
		msg(1, 101, `data: {"n":2}`),
	)
	f.index.reject["wiki-topic_1_101"] = true

	outcome, err := f.consumer.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, f.reader.committedOffsets())
	assert.Equal(t, []State{StateProcessing, StatePolling}, f.states)
	assert.Empty(t, f.progress.batches)

	// the next poll hands out the very same records
	delete(f.index.reject, "wiki-topic_1_101")
	outcome, err = f.consumer.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	require.Len(t, f.index.calls, 2)
	assert.Equal(t, ids(f.index.calls[0]), ids(f.index.calls[1]))
	assert.Equal(t, []int64{100, 101}, f.reader.committedOffsets())
	assert.Len(t, f.index.docs, 2, "redelivery must overwrite, not duplicate")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RecordsRedeliveredTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommitsTotal.WithLabelValues("skipped")))
}

func TestCycle_ReplayOfSameCoordinatesOverwrites(t *testing.T) {
	index := newMemoryIndex()

	first := newFixture(t, msg(0, 7, `data: {"rev":"old"}`))
	first.index = index
	first.consumer.index = index
	_, err := first.consumer.Cycle(context.Background())
	require.NoError(t, err)

	// a restarted consumer sees the record at the same coordinates again
	second := newFixture(t, msg(0, 7, `data: {"rev":"new"}`))
	second.consumer.index = index
	_, err = second.consumer.Cycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, index.docs, 1)
	assert.Equal(t, `{"rev":"new"}`, index.docs["wiki-topic_0_7"])
}

func TestCycle_AllMalformedCommitsWithoutBulk(t *testing.T) {
	f := newFixture(t, msg(0, 1, `id: [{"offset":1}]`), msg(0, 2, `event: message`))

	outcome, err := f.consumer.Cycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.Empty(t, f.index.calls)
	assert.Equal(t, []int64{1, 2}, f.reader.committedOffsets())
}

func TestCycle_EmptyPollIsIdle(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.consumer.Cycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Empty(t, f.index.calls)
	assert.Empty(t, f.reader.committedOffsets())
	assert.Empty(t, f.states)
}

func TestCycle_CommitFailureRedelivers(t *testing.T) {
	f := newFixture(t, msg(0, 3, `data: {}`))
	f.reader.commitErr = errors.New("not coordinator for group")

	outcome, err := f.consumer.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	f.reader.commitErr = nil
	outcome, err = f.consumer.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.Equal(t, []int64{3}, f.reader.committedOffsets())
}

func TestRun_PollErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.reader.fetchErr = errors.New("group authorization failed")

	err := f.consumer.Run(context.Background())

	assert.ErrorContains(t, err, "polling log")
}

func TestRun_BulkSubmissionErrorIsFatal(t *testing.T) {
	f := newFixture(t, msg(0, 1, `data: {}`))
	f.index.bulkErr = errors.New("connection refused")

	err := f.consumer.Run(context.Background())

	assert.ErrorContains(t, err, "bulk write")
	assert.Empty(t, f.reader.committedOffsets())
}

func TestRun_StopsCleanlyOnCancel(t *testing.T) {
	f := newFixture(t, msg(0, 1, `data: {"a":1}`))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.reader.committedOffsets()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRun_WaitsBeforeRedelivery(t *testing.T) {
	f := newFixture(t, msg(0, 1, `data: {}`))
	f.index.reject["wiki-topic_0_1"] = true
	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	f.consumer.opts.RedeliveryBackoff = time.Second
	f.consumer.opts.Wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		cancel()
		return ctx.Err()
	}

	err := f.consumer.Run(ctx)

	assert.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, waits)
	assert.Empty(t, f.reader.committedOffsets())
}

func TestBootstrap_RetriesUntilIndexReady(t *testing.T) {
	e := &flakyEnsurer{failures: 2}

	err := Bootstrap(context.Background(), e, resilience.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, 3, e.calls)
}

func TestBootstrap_GivesUp(t *testing.T) {
	e := &flakyEnsurer{failures: 10}

	err := Bootstrap(context.Background(), e, resilience.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	}, time.Second)

	assert.ErrorContains(t, err, "bootstrapping index")
	assert.Equal(t, 2, e.calls)
}

type flakyEnsurer struct {
	failures int
	calls    int
}

func (e *flakyEnsurer) EnsureIndex(context.Context) error {
	e.calls++
	if e.calls <= e.failures {
		return errors.New("cluster_block_exception")
	}
	return nil
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "committing", StateCommitting.String())
}

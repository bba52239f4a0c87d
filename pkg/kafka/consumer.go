package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/metrics"
)

// Record is one log record as seen by the consumer.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Value     []byte
}

// MessageReader is the subset of *kafka.Reader the Consumer depends on.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerOptions bounds the size and fill time of one poll.
type ConsumerOptions struct {
	Topic       string
	MaxRecords  int
	FetchLinger time.Duration
}

// Consumer polls batches from a consumer group. A polled batch stays pending
// until Commit succeeds; until then every Poll returns the same batch again.
type Consumer struct {
	reader  MessageReader
	opts    ConsumerOptions
	pending []kafka.Message
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewConsumer creates a group Consumer for cfg.Topic with auto-commit
// disabled.
func NewConsumer(cfg config.KafkaConfig, ccfg config.ConsumerConfig, m *metrics.Metrics) *Consumer {
	startOffset := kafka.LastOffset
	if cfg.StartOffset == "earliest" {
		startOffset = kafka.FirstOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        normalizeBrokers(cfg.Brokers),
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    startOffset,
		CommitInterval: 0,
	})
	return NewConsumerWithReader(r, ConsumerOptions{
		Topic:       cfg.Topic,
		MaxRecords:  ccfg.MaxBatchRecords,
		FetchLinger: ccfg.FetchLinger,
	}, m)
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r MessageReader, opts ConsumerOptions, m *metrics.Metrics) *Consumer {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 500
	}
	if opts.FetchLinger <= 0 {
		opts.FetchLinger = 100 * time.Millisecond
	}
	return &Consumer{
		reader:  r,
		opts:    opts,
		metrics: m,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", opts.Topic),
	}
}

// Poll waits up to timeout for the first record, then keeps filling the
// batch for at most the fetch linger or until MaxRecords. It returns an
// empty batch when nothing arrived. If the previous batch was never
// committed, Poll returns it again without fetching.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]Record, error) {
	if len(c.pending) > 0 {
		c.logger.Warn("redelivering uncommitted batch",
			"count", len(c.pending),
			"first_partition", c.pending[0].Partition,
			"first_offset", c.pending[0].Offset,
		)
		c.metrics.RecordsRedeliveredTotal.Add(float64(len(c.pending)))
		c.metrics.RecordsPolledTotal.Add(float64(len(c.pending)))
		return toRecords(c.pending), nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	first, err := c.reader.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching from %s: %w", c.opts.Topic, err)
	}
	batch := []kafka.Message{first}

	fillCtx, fillCancel := context.WithTimeout(pollCtx, c.opts.FetchLinger)
	defer fillCancel()
	for len(batch) < c.opts.MaxRecords {
		msg, err := c.reader.FetchMessage(fillCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("fetching from %s: %w", c.opts.Topic, ctx.Err())
			}
			if fillCtx.Err() != nil {
				break
			}
			return nil, fmt.Errorf("fetching from %s: %w", c.opts.Topic, err)
		}
		batch = append(batch, msg)
	}

	c.pending = batch
	c.metrics.RecordsPolledTotal.Add(float64(len(batch)))
	c.metrics.BatchSize.Observe(float64(len(batch)))
	c.logger.Debug("batch polled", "count", len(batch))
	return toRecords(batch), nil
}

// Commit advances the group's read position past every record of the
// pending batch. On failure the batch stays pending.
func (c *Consumer) Commit(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, c.pending...); err != nil {
		return fmt.Errorf("committing %d records: %w", len(c.pending), err)
	}
	c.pending = nil
	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Ping dials the first reachable broker and reads the topic's partitions.
func Ping(ctx context.Context, brokers []string, topic string) error {
	var lastErr error
	for _, broker := range normalizeBrokers(brokers) {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		_, err = conn.ReadPartitions(topic)
		conn.Close()
		if err != nil {
			return fmt.Errorf("reading partitions of %s: %w", topic, err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("dialing kafka: %w", lastErr)
}

func toRecords(msgs []kafka.Message) []Record {
	records := make([]Record, len(msgs))
	for i, msg := range msgs {
		records[i] = Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Value:     msg.Value,
		}
	}
	return records
}

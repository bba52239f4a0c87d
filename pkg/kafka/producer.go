// Package kafka provides the log clients backed by segmentio/kafka-go. The
// producer appends raw values asynchronously and resolves a Delivery per
// message; the consumer hands out bounded batches and advances the group's
// read position only on an explicit Commit.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/metrics"
)

// Delivery is the pending result of one append. It resolves exactly once,
// when the broker acknowledges or rejects the message. Deliveries of
// different appends may resolve in any order.
type Delivery struct {
	done      chan struct{}
	once      sync.Once
	topic     string
	partition int
	err       error
}

func newDelivery(topic string) *Delivery {
	return &Delivery{done: make(chan struct{}), topic: topic, partition: -1}
}

func (d *Delivery) resolve(partition int, err error) {
	d.once.Do(func() {
		d.partition = partition
		d.err = err
		close(d.done)
	})
}

// Done is closed once the delivery has resolved.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the delivery resolves or ctx is done.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the append error. It is only meaningful after Done is closed.
func (d *Delivery) Err() error {
	return d.err
}

// Topic returns the topic the message was appended to.
func (d *Delivery) Topic() string {
	return d.topic
}

// Partition returns the partition reported by the writer, or -1 when unknown.
func (d *Delivery) Partition() int {
	return d.partition
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer appends raw values to a topic without keys, letting the balancer
// spread them across partitions.
type Producer struct {
	writer  messageWriter
	topic   string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProducer creates an asynchronous Producer for cfg.Topic.
func NewProducer(cfg config.KafkaConfig, m *metrics.Metrics) *Producer {
	p := &Producer{
		topic:   cfg.Topic,
		metrics: m,
		logger:  slog.Default().With("component", "kafka-producer", "topic", cfg.Topic),
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(normalizeBrokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchBytes:             cfg.BatchBytes,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		Async:                  true,
		Completion:             p.complete,
	}
	if cfg.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	p.writer = w
	return p
}

// Append enqueues value for the topic and returns immediately. The value is
// sent byte-for-byte with a nil key.
func (p *Producer) Append(ctx context.Context, value []byte) *Delivery {
	d := newDelivery(p.topic)
	msg := kafka.Message{
		Value:      value,
		WriterData: d,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.complete([]kafka.Message{msg}, fmt.Errorf("enqueueing message: %w", err))
	}
	return d
}

// complete is the writer's completion callback. It runs on the writer's
// goroutine for every batch, successful or not.
func (p *Producer) complete(messages []kafka.Message, err error) {
	for _, msg := range messages {
		d, ok := msg.WriterData.(*Delivery)
		if !ok {
			continue
		}
		if err != nil {
			p.logger.Error("failed to append to log, line dropped",
				"value_size", len(msg.Value),
				"value", preview(msg.Value),
				"error", err,
			)
			p.metrics.LogAppendsTotal.WithLabelValues("failed").Inc()
		} else {
			p.logger.Debug("appended to log",
				"partition", msg.Partition,
				"value_size", len(msg.Value),
			)
			p.metrics.LogAppendsTotal.WithLabelValues("ok").Inc()
		}
		d.resolve(msg.Partition, err)
	}
}

// Close flushes pending appends and closes the writer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func normalizeBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		broker = strings.TrimSpace(broker)
		if broker == "" {
			continue
		}
		out = append(out, broker)
	}
	return out
}

func preview(value []byte) string {
	const limit = 256
	if len(value) <= limit {
		return string(value)
	}
	return string(value[:limit]) + "..."
}

// Package progress mirrors the consumer's committed read positions into a
// Redis hash so operators can see how far each partition has been indexed.
// The broker's group offsets stay authoritative; the mirror is best effort.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/logger"
)

// HashStore is the subset of the Redis client the tracker uses.
type HashStore interface {
	HSet(ctx context.Context, key string, fields map[string]any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Tracker records the highest committed offset per partition.
type Tracker struct {
	store  HashStore
	prefix string
	group  string
	logger *slog.Logger
}

// NewTracker creates a Tracker writing to hashes under prefix for the given
// consumer group.
func NewTracker(store HashStore, prefix, group string) *Tracker {
	return &Tracker{
		store:  store,
		prefix: prefix,
		group:  group,
		logger: logger.WithComponent("progress"),
	}
}

// Key returns the hash key holding offsets for topic.
func (t *Tracker) Key(topic string) string {
	return fmt.Sprintf("%s:%s:%s", t.prefix, t.group, topic)
}

// Committed stores, for every topic and partition in records, the highest
// offset seen. Errors are logged and returned but never affect the commit
// that already happened.
func (t *Tracker) Committed(ctx context.Context, records []kafka.Record) error {
	highest := HighestOffsets(records)
	for topic, partitions := range highest {
		fields := make(map[string]any, len(partitions))
		for partition, offset := range partitions {
			fields[strconv.Itoa(partition)] = offset
		}
		if err := t.store.HSet(ctx, t.Key(topic), fields); err != nil {
			t.logger.Warn("failed to mirror committed offsets", "topic", topic, "error", err)
			return fmt.Errorf("mirroring offsets for %s: %w", topic, err)
		}
	}
	return nil
}

// Positions reads back the mirrored offset per partition for topic. An
// absent hash yields an empty map.
func (t *Tracker) Positions(ctx context.Context, topic string) (map[int]int64, error) {
	fields, err := t.store.HGetAll(ctx, t.Key(topic))
	if err != nil {
		return nil, fmt.Errorf("reading offsets for %s: %w", topic, err)
	}
	out := make(map[int]int64, len(fields))
	for field, value := range fields {
		partition, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("partition field %q of %s: %w", field, t.Key(topic), err)
		}
		offset, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("offset of partition %d of %s: %w", partition, t.Key(topic), err)
		}
		out[partition] = offset
	}
	return out, nil
}

// HighestOffsets groups records by topic and partition and keeps the
// largest offset of each.
func HighestOffsets(records []kafka.Record) map[string]map[int]int64 {
	out := make(map[string]map[int]int64)
	for _, r := range records {
		partitions, ok := out[r.Topic]
		if !ok {
			partitions = make(map[int]int64)
			out[r.Topic] = partitions
		}
		if cur, seen := partitions[r.Partition]; !seen || r.Offset > cur {
			partitions[r.Partition] = r.Offset
		}
	}
	return out
}

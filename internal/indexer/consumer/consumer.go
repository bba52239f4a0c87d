// Package consumer drains the log into the search index. Each cycle polls a
// batch, turns every record into a document, bulk-writes the documents, and
// only then commits the batch's read position. A crash or a rejected write
// before the commit means the batch is delivered again; document ids derived
// from record coordinates make that rewrite an overwrite.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/internal/document"
	apperrors "github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/opensearch"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/tracing"
)

// DefaultPollTimeout bounds how long one poll waits for records.
const DefaultPollTimeout = 3 * time.Second

// Log is the consumer's view of the broker. A batch returned by Poll is
// returned again by the next Poll until Commit succeeds.
type Log interface {
	Poll(ctx context.Context, timeout time.Duration) ([]kafka.Record, error)
	Commit(ctx context.Context) error
}

// Index accepts bulk writes.
type Index interface {
	Bulk(ctx context.Context, docs []opensearch.Document) (*opensearch.BulkResult, error)
}

// ProgressRecorder is told about every committed batch.
type ProgressRecorder interface {
	Committed(ctx context.Context, records []kafka.Record) error
}

// State is the consumer's position within one cycle.
type State int

const (
	StatePolling State = iota
	StateProcessing
	StateCommitting
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// Outcome is how a cycle ended.
type Outcome int

const (
	// OutcomeIdle: the poll returned nothing.
	OutcomeIdle Outcome = iota
	// OutcomeCommitted: the batch was written and its position committed.
	OutcomeCommitted
	// OutcomeSkipped: the commit was withheld and the batch will be redelivered.
	OutcomeSkipped
)

// Options tunes polling and redelivery. Zero values take the defaults.
type Options struct {
	PollTimeout       time.Duration
	RedeliveryBackoff time.Duration
	Progress          ProgressRecorder
	Wait              func(ctx context.Context, d time.Duration) error
	OnStateChange     func(from, to State)
}

// LogConsumer is the log-to-index loop.
type LogConsumer struct {
	log     Log
	index   Index
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a LogConsumer that polls log and bulk-writes into index.
func New(log Log, index Index, m *metrics.Metrics, opts Options) *LogConsumer {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Wait == nil {
		opts.Wait = resilience.Sleep
	}
	return &LogConsumer{
		log:     log,
		index:   index,
		opts:    opts,
		metrics: m,
		logger:  logger.WithComponent("log-consumer"),
	}
}

// Run repeats Cycle until ctx is cancelled, returning nil, or until a poll
// or bulk submission fails, returning that error.
func (c *LogConsumer) Run(ctx context.Context) error {
	c.logger.Info("log consumer started", "poll_timeout", c.opts.PollTimeout)
	for {
		if ctx.Err() != nil {
			c.logger.Info("log consumer stopping", "reason", ctx.Err())
			return nil
		}
		outcome, err := c.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("log consumer stopping", "reason", ctx.Err())
				return nil
			}
			return err
		}
		if outcome == OutcomeSkipped && c.opts.RedeliveryBackoff > 0 {
			if err := c.opts.Wait(ctx, c.opts.RedeliveryBackoff); err != nil {
				c.logger.Info("log consumer stopping", "reason", err)
				return nil
			}
		}
	}
}

// Cycle runs one poll-process-commit pass.
func (c *LogConsumer) Cycle(ctx context.Context) (Outcome, error) {
	records, err := c.log.Poll(ctx, c.opts.PollTimeout)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("polling log: %w", err)
	}
	if len(records) == 0 {
		c.logger.Debug("received records", "count", 0)
		return OutcomeIdle, nil
	}
	c.logger.Info("received records", "count", len(records))

	first := records[0]
	ctx, span := tracing.StartSpan(ctx, "cycle", document.ID(first.Topic, first.Partition, first.Offset))
	span.SetAttr("records", len(records))
	defer func() {
		span.End()
		span.Log(c.logger)
	}()

	c.transition(StatePolling, StateProcessing)
	docs := c.buildBatch(records)
	span.SetAttr("documents", len(docs))

	if len(docs) > 0 {
		start := time.Now()
		_, bulkSpan := tracing.StartChildSpan(ctx, "bulk")
		result, err := c.index.Bulk(ctx, docs)
		bulkSpan.End()
		c.metrics.BulkLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.BulkRequestsTotal.WithLabelValues("error").Inc()
			return OutcomeIdle, fmt.Errorf("bulk write of %d documents: %w", len(docs), err)
		}
		if result.HasFailures() {
			c.metrics.BulkRequestsTotal.WithLabelValues("partial_failure").Inc()
			c.metrics.CommitsTotal.WithLabelValues("skipped").Inc()
			c.logFailures(result)
			c.logger.Warn("bulk write has failures, offsets not committed",
				"error", apperrors.ErrPartialWrite,
				"documents", len(docs),
				"failed", len(result.Failures()),
			)
			c.transition(StateProcessing, StatePolling)
			return OutcomeSkipped, nil
		}
		c.metrics.BulkRequestsTotal.WithLabelValues("ok").Inc()
		c.metrics.DocsIndexedTotal.Add(float64(len(docs)))
		c.logger.Info("bulk request executed", "documents", len(docs), "took_ms", result.Took)
	} else {
		c.logger.Warn("no indexable records in batch", "records", len(records))
	}

	c.transition(StateProcessing, StateCommitting)
	_, commitSpan := tracing.StartChildSpan(ctx, "commit")
	err = c.log.Commit(ctx)
	commitSpan.End()
	if err != nil {
		c.metrics.CommitsTotal.WithLabelValues("error").Inc()
		c.logger.Error("failed to commit offsets, batch will be redelivered", "error", err)
		c.transition(StateCommitting, StatePolling)
		return OutcomeSkipped, nil
	}
	c.metrics.CommitsTotal.WithLabelValues("ok").Inc()
	c.logger.Info("offsets committed", "records", len(records))
	if c.opts.Progress != nil {
		if err := c.opts.Progress.Committed(ctx, records); err != nil {
			c.logger.Warn("failed to record progress", "error", err)
		}
	}
	c.transition(StateCommitting, StatePolling)
	return OutcomeCommitted, nil
}

// buildBatch converts records to documents, dropping and logging the ones
// that carry no usable payload.
func (c *LogConsumer) buildBatch(records []kafka.Record) []opensearch.Document {
	docs := make([]opensearch.Document, 0, len(records))
	for _, r := range records {
		doc, err := document.FromRecord(r)
		if err != nil {
			c.metrics.RecordsMalformedTotal.Inc()
			attrs := append(logger.Record(r.Topic, r.Partition, r.Offset),
				"error", err,
				"value", string(r.Value),
			)
			c.logger.Warn("skipping record without indexable payload", attrs...)
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func (c *LogConsumer) logFailures(result *opensearch.BulkResult) {
	for _, item := range result.Failures() {
		c.logger.Error("bulk item failed",
			"doc_id", item.ID,
			"status", item.Status,
			"reason", item.Error,
		)
	}
}

func (c *LogConsumer) transition(from, to State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

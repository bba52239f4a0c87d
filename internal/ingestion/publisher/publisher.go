// Package publisher forwards the upstream event stream to the log. It keeps
// one connection open at a time, appends every content line without waiting
// for the broker, and reconnects after a fixed backoff whenever the
// connection fails.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/internal/ingestion/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/resilience"
)

// DefaultBackoff is the pause between a stream failure and the next
// connection attempt.
const DefaultBackoff = 5 * time.Second

// State is the publisher's position in its connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateBackoff
	StateTerminated
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Source opens the upstream stream.
type Source interface {
	Open(ctx context.Context, lastEventID string) (*stream.Reader, error)
}

// Appender appends one value to the log without blocking on the broker.
type Appender interface {
	Append(ctx context.Context, value []byte) *kafka.Delivery
}

// Options tunes the reconnect behaviour.
type Options struct {
	// Backoff is the fixed wait after a failure. Zero means DefaultBackoff.
	Backoff time.Duration
	// ResumeFromLastEventID sends the last seen "id: " value on reconnect.
	ResumeFromLastEventID bool
	// Wait pauses between attempts; it must return early with an error when
	// ctx is done. Defaults to resilience.Sleep.
	Wait func(ctx context.Context, d time.Duration) error
	// OnStateChange, if set, observes every transition.
	OnStateChange func(from, to State)
}

// Publisher is the stream-to-log forwarding loop.
type Publisher struct {
	source  Source
	log     Appender
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Publisher that reads from source and appends to log.
func New(source Source, log Appender, m *metrics.Metrics, opts Options) *Publisher {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Wait == nil {
		opts.Wait = resilience.Sleep
	}
	return &Publisher{
		source:  source,
		log:     log,
		opts:    opts,
		metrics: m,
		logger:  logger.WithComponent("stream-publisher"),
	}
}

// Run forwards the stream until ctx is cancelled. Connection and read
// failures never end the loop; they move it to backoff.
func (p *Publisher) Run(ctx context.Context) {
	state := StateConnecting
	p.metrics.PublisherState.Set(float64(state))
	lastEventID := ""

	for {
		switch state {
		case StateConnecting:
			reader, err := p.source.Open(ctx, p.resumeID(lastEventID))
			if err != nil {
				if ctx.Err() != nil {
					p.transition(state, StateTerminated)
					return
				}
				p.logger.Error("error connecting to event stream", "error", err, "kind", apperrors.Classify(err))
				state = p.transition(state, StateBackoff)
				continue
			}
			state = p.transition(state, StateStreaming)
			p.logger.Info("connected to event stream")
			lastEventID, err = p.forward(ctx, reader, lastEventID)
			reader.Close()
			if ctx.Err() != nil {
				p.transition(state, StateTerminated)
				return
			}
			switch {
			case errors.Is(err, apperrors.ErrStreamClosed):
				p.logger.Warn("event stream closed by upstream")
			case errors.Is(err, apperrors.ErrLineTooLong):
				p.metrics.StreamLinesTotal.WithLabelValues("oversized").Inc()
				p.logger.Error("stream line too long, line dropped", "error", err, "last_event_id", lastEventID)
			default:
				p.logger.Error("error reading event stream", "error", err)
			}
			state = p.transition(state, StateBackoff)

		case StateBackoff:
			p.metrics.StreamReconnectsTotal.Inc()
			p.logger.Info("reconnecting after backoff", "backoff", p.opts.Backoff)
			if err := p.opts.Wait(ctx, p.opts.Backoff); err != nil {
				p.logger.Info("interrupted during backoff, stopping", "reason", err)
				p.transition(state, StateTerminated)
				return
			}
			state = p.transition(state, StateConnecting)

		default:
			return
		}
	}
}

// forward appends every content line from reader until the stream fails.
// It returns the last event id seen and the error that ended the stream.
func (p *Publisher) forward(ctx context.Context, reader *stream.Reader, lastEventID string) (string, error) {
	for {
		ev, err := reader.Next()
		if err != nil {
			return lastEventID, err
		}
		if !ev.Forwardable() {
			p.metrics.StreamLinesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if id, ok := ev.ID(); ok {
			lastEventID = id
		}
		p.log.Append(ctx, []byte(ev.Raw))
		p.metrics.StreamLinesTotal.WithLabelValues("forwarded").Inc()
	}
}

func (p *Publisher) resumeID(lastEventID string) string {
	if !p.opts.ResumeFromLastEventID {
		return ""
	}
	return lastEventID
}

func (p *Publisher) transition(from, to State) State {
	p.metrics.PublisherState.Set(float64(to))
	p.logger.Debug("state change", "from", from.String(), "to", to.String())
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(from, to)
	}
	return to
}

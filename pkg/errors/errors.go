// Package errors defines the pipeline's error taxonomy. Each sentinel maps to
// one Kind, which decides where a failure is contained: at the unit of work,
// at the loop boundary, or not at all.
package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUpstreamStatus is returned when the event stream answers with a non-2xx status.
	ErrUpstreamStatus = errors.New("upstream returned non-2xx status")
	// ErrStreamClosed is returned when the upstream ends the response.
	ErrStreamClosed = errors.New("upstream stream closed")
	// ErrLineTooLong is returned when a stream line exceeds the configured limit.
	ErrLineTooLong = errors.New("stream line exceeds limit")
	// ErrNoDataField marks a record without a "data: " line.
	ErrNoDataField = errors.New("no data field in event")
	// ErrInvalidPayload marks a record whose data field is not JSON.
	ErrInvalidPayload = errors.New("event payload is not valid JSON")
	// ErrPartialWrite is reported when at least one bulk item was rejected.
	ErrPartialWrite = errors.New("bulk write reported failures")
	// ErrIndexUnavailable wraps failures to reach the index engine.
	ErrIndexUnavailable = errors.New("index engine unavailable")
)

// Kind classifies an error by how the pipeline reacts to it.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindMalformed    Kind = "malformed"
	KindPartialWrite Kind = "partial_write"
	KindFatal        Kind = "fatal"
)

// RecordError ties a failure to the log record that caused it.
type RecordError struct {
	Topic     string
	Partition int
	Offset    int64
	Err       error
}

// Error includes the record coordinates.
func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s/%d@%d: %s", e.Topic, e.Partition, e.Offset, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *RecordError) Unwrap() error {
	return e.Err
}

// NewRecordError wraps err with the coordinates of the record that caused it.
func NewRecordError(topic string, partition int, offset int64, err error) *RecordError {
	return &RecordError{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Err:       err,
	}
}

// Classify returns the Kind of err. Unknown errors are fatal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoDataField), errors.Is(err, ErrInvalidPayload):
		return KindMalformed
	case errors.Is(err, ErrPartialWrite):
		return KindPartialWrite
	case errors.Is(err, ErrUpstreamStatus), errors.Is(err, ErrStreamClosed), errors.Is(err, ErrLineTooLong),
		errors.Is(err, ErrIndexUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindFatal
	}
}

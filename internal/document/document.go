// Package document turns log records into index documents. A document's id
// is a pure function of the record's coordinates, so replaying a record
// overwrites the document it produced instead of adding a second one.
package document

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/opensearch"
)

const dataPrefix = "data: "

// ID derives the document id for the record at (topic, partition, offset).
func ID(topic string, partition int, offset int64) string {
	return fmt.Sprintf("%s_%d_%d", topic, partition, offset)
}

// ExtractData returns the trimmed text after the first line starting with
// "data: " in an event-stream framed value.
func ExtractData(value string) (string, error) {
	for _, line := range strings.Split(value, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, dataPrefix) {
			return strings.TrimSpace(line[len(dataPrefix):]), nil
		}
	}
	return "", apperrors.ErrNoDataField
}

// FromRecord builds the index document for r. It fails with a
// *errors.RecordError when r has no data line or the data is not JSON.
func FromRecord(r kafka.Record) (opensearch.Document, error) {
	payload, err := ExtractData(string(r.Value))
	if err != nil {
		return opensearch.Document{}, apperrors.NewRecordError(r.Topic, r.Partition, r.Offset, err)
	}
	if !json.Valid([]byte(payload)) {
		return opensearch.Document{}, apperrors.NewRecordError(r.Topic, r.Partition, r.Offset, apperrors.ErrInvalidPayload)
	}
	return opensearch.Document{
		ID:   ID(r.Topic, r.Partition, r.Offset),
		Body: json.RawMessage(payload),
	}, nil
}

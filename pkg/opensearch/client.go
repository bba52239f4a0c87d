// Package opensearch wraps opensearch-go with the three index operations the
// pipeline needs: existence check, creation, and bulk upsert with per-item
// failure reporting.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/errors"
)

// Document is one index operation: Body is stored under ID, replacing any
// earlier document with the same ID.
type Document struct {
	ID   string
	Body json.RawMessage
}

// BulkItem is the outcome of one operation in a bulk request.
type BulkItem struct {
	ID     string
	Status int
	Error  string
}

// Failed reports whether the engine rejected the operation.
func (i BulkItem) Failed() bool {
	return i.Error != "" || i.Status >= 300
}

// BulkResult is the per-item report of a bulk request.
type BulkResult struct {
	Took   int
	Errors bool
	Items  []BulkItem
}

// Failures returns the rejected items.
func (r *BulkResult) Failures() []BulkItem {
	var failed []BulkItem
	for _, item := range r.Items {
		if item.Failed() {
			failed = append(failed, item)
		}
	}
	return failed
}

// HasFailures reports whether any operation was rejected.
func (r *BulkResult) HasFailures() bool {
	return r.Errors || len(r.Failures()) > 0
}

// Client talks to one index on an OpenSearch cluster.
type Client struct {
	os      *opensearch.Client
	index   string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a Client from cfg. It does not contact the cluster.
func New(cfg config.OpenSearchConfig) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("creating opensearch client: %w", err)
	}
	return &Client{
		os:      client,
		index:   cfg.Index,
		timeout: cfg.RequestTimeout,
		logger:  slog.Default().With("component", "opensearch", "index", cfg.Index),
	}, nil
}

// Index returns the name of the target index.
func (c *Client) Index() string {
	return c.index
}

// IndexExists reports whether the named index exists.
func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	res, err := c.os.Indices.Exists([]string{name}, c.os.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("%w: checking index %s: %v", apperrors.ErrIndexUnavailable, name, err)
	}
	defer drain(res.Body)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("checking index %s: unexpected status %d", name, res.StatusCode)
	}
}

// CreateIndex creates the named index with default settings. A concurrent
// creation by another process is not an error.
func (c *Client) CreateIndex(ctx context.Context, name string) error {
	res, err := c.os.Indices.Create(name, c.os.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: creating index %s: %v", apperrors.ErrIndexUnavailable, name, err)
	}
	defer drain(res.Body)
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("creating index %s: status %d: %s", name, res.StatusCode, body)
	}
	return nil
}

// EnsureIndex creates the target index if it does not exist yet.
func (c *Client) EnsureIndex(ctx context.Context) error {
	exists, err := c.IndexExists(ctx, c.index)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Info("index already exists")
		return nil
	}
	if err := c.CreateIndex(ctx, c.index); err != nil {
		return err
	}
	c.logger.Info("created index")
	return nil
}

// Bulk submits docs as one bulk request of index operations and returns the
// per-item report. A returned error means the request itself failed; rejected
// items are reported through the result.
func (c *Client) Bulk(ctx context.Context, docs []Document) (*BulkResult, error) {
	if len(docs) == 0 {
		return &BulkResult{}, nil
	}
	body, err := encodeBulk(c.index, docs)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	res, err := c.os.Bulk(body, c.os.Bulk.WithContext(ctx), c.os.Bulk.WithIndex(c.index))
	if err != nil {
		return nil, fmt.Errorf("submitting bulk request: %w", err)
	}
	defer drain(res.Body)
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("bulk request rejected: status %d: %s", res.StatusCode, raw)
	}
	return decodeBulk(res.Body)
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.os.Ping(c.os.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrIndexUnavailable, err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return fmt.Errorf("%w: ping status %d", apperrors.ErrIndexUnavailable, res.StatusCode)
	}
	return nil
}

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// encodeBulk renders docs as newline-delimited action/source pairs.
func encodeBulk(index string, docs []Document) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if err := enc.Encode(bulkAction{Index: bulkMeta{Index: index, ID: doc.ID}}); err != nil {
			return nil, fmt.Errorf("encoding bulk action for %s: %w", doc.ID, err)
		}
		compact := bytes.NewBuffer(make([]byte, 0, len(doc.Body)))
		if err := json.Compact(compact, doc.Body); err != nil {
			return nil, fmt.Errorf("encoding bulk source for %s: %w", doc.ID, err)
		}
		buf.Write(compact.Bytes())
		buf.WriteByte('\n')
	}
	return &buf, nil
}

type bulkResponse struct {
	Took   int                           `json:"took"`
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkItemResponse `json:"items"`
}

type bulkItemResponse struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func decodeBulk(r io.Reader) (*BulkResult, error) {
	var resp bulkResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding bulk response: %w", err)
	}
	result := &BulkResult{
		Took:   resp.Took,
		Errors: resp.Errors,
		Items:  make([]BulkItem, 0, len(resp.Items)),
	}
	for _, entry := range resp.Items {
		for _, item := range entry {
			bi := BulkItem{ID: item.ID, Status: item.Status}
			if len(item.Error) > 0 && string(item.Error) != "null" {
				bi.Error = errorReason(item.Error)
			}
			result.Items = append(result.Items, bi)
		}
	}
	return result, nil
}

func errorReason(raw json.RawMessage) string {
	var detail struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Type != "" {
		return detail.Type + ": " + detail.Reason
	}
	return string(raw)
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.Copy(io.Discard, body)
	body.Close()
}

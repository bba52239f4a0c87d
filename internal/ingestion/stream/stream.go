// Package stream opens the upstream server-sent-event endpoint and reads it
// line by line.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/errors"
)

const defaultMaxLineBytes = 1_000_000

// Client opens connections to one event-stream URL.
type Client struct {
	http         *http.Client
	url          string
	userAgent    string
	maxLineBytes int
}

// NewClient returns a Client for cfg.URL. The HTTP client has no overall
// timeout because the response body is read for as long as the stream
// stays up.
func NewClient(cfg config.StreamConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	return &Client{
		http:         httpClient,
		url:          cfg.URL,
		userAgent:    cfg.UserAgent,
		maxLineBytes: maxLine,
	}
}

// Open issues the GET and returns a Reader over the response body. A
// non-empty lastEventID is sent as Last-Event-ID so the server can resume.
func (c *Client) Open(ctx context.Context, lastEventID string) (*Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", apperrors.ErrUpstreamStatus, c.url, resp.StatusCode)
	}
	return NewReader(resp.Body, c.maxLineBytes), nil
}

// Reader yields the lines of one open stream.
type Reader struct {
	body         io.ReadCloser
	scanner      *bufio.Scanner
	maxLineBytes int
}

// NewReader wraps body; a line longer than maxLineBytes ends the stream with
// ErrLineTooLong and is lost.
func NewReader(body io.ReadCloser, maxLineBytes int) *Reader {
	initial := 64 * 1024
	if maxLineBytes < initial {
		initial = maxLineBytes
	}
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, initial), maxLineBytes)
	return &Reader{body: body, scanner: sc, maxLineBytes: maxLineBytes}
}

// Next blocks until the next line arrives. It returns ErrStreamClosed when
// the server ends the response and the read error when the connection
// breaks.
func (r *Reader) Next() (ingestion.Event, error) {
	if r.scanner.Scan() {
		return ingestion.Event{Raw: r.scanner.Text()}, nil
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return ingestion.Event{}, fmt.Errorf("%w: more than %d bytes", apperrors.ErrLineTooLong, r.maxLineBytes)
		}
		return ingestion.Event{}, fmt.Errorf("reading stream: %w", err)
	}
	return ingestion.Event{}, apperrors.ErrStreamClosed
}

// Close releases the connection.
func (r *Reader) Close() error {
	return r.body.Close()
}

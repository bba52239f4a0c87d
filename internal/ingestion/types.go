// Package ingestion defines the event envelope read from the upstream
// server-sent-event stream and the framing rules that decide which lines
// are forwarded to the log.
package ingestion

import "strings"

const idPrefix = "id: "

// Event is one raw line from the upstream stream, in arrival order.
type Event struct {
	Raw string
}

// Forwardable reports whether the line carries event content. Blank lines
// (event separators) and lines starting with ':' (comments, keep-alives)
// are framing only.
func (e Event) Forwardable() bool {
	return e.Raw != "" && !strings.HasPrefix(e.Raw, ":")
}

// ID returns the value of an "id: " line.
func (e Event) ID() (string, bool) {
	if !strings.HasPrefix(e.Raw, idPrefix) {
		return "", false
	}
	return strings.TrimSpace(e.Raw[len(idPrefix):]), true
}

package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEWriter frames server-sent events: each event is a single JSON
// object on a "data:" line terminated by a blank line. Consumers must
// tolerate ":keepalive\n\n" comment lines, which Keepalive emits.
type SSEWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewSSEWriter prepares w for SSE framing and sends the required headers.
// Returns an error if the ResponseWriter doesn't support flushing (should
// not happen with the standard net/http server).
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	SetCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSEWriter{w: w, f: f}, nil
}

// Send frames payload as a single "data:" event and flushes immediately.
func (s *SSEWriter) Send(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Keepalive emits a comment line to keep intermediaries from timing out an
// idle connection. It carries no data and readers must ignore it.
func (s *SSEWriter) Keepalive() error {
	if _, err := fmt.Fprint(s.w, ":keepalive\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

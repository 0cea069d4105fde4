package realtime

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSESink writes events as server-sent events.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink writes the event-stream headers and returns a sink for w.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESink{w: w, flusher: flusher}, nil
}

// Send writes one data frame.
func (s *SSESink) Send(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Keepalive writes an SSE comment.
func (s *SSESink) Keepalive() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Transport implements Sink.
func (s *SSESink) Transport() string { return "sse" }

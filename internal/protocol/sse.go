package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// SSEWriter streams messages as server-sent events. Each message is one
// "data: <json>" line followed by a blank line; [SSEWriter.Done] writes the
// terminating "data: [DONE]".
type SSEWriter struct {
	mu    sync.Mutex
	w     io.Writer
	flush func() error
}

// NewSSEWriter prepares w for streaming. The writer must support flushing,
// possibly through an Unwrap chain.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("protocol: response writer does not support flushing: %w", err)
	}
	return &SSEWriter{w: w, flush: rc.Flush}, nil
}

// SetHeaders sets the event-stream response headers. Call before the first
// write.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Send writes one message.
func (s *SSEWriter) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("protocol: sse: %w", err)
	}
	return s.write(b)
}

// Done writes the end-of-stream marker.
func (s *SSEWriter) Done() error {
	return s.write([]byte("[DONE]"))
}

func (s *SSEWriter) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.flush()
}

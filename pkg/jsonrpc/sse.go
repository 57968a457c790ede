package jsonrpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// StreamWriter emits JSON-RPC responses as Server-Sent Events. Every
// frame is a complete response envelope carrying the originating
// request id, so clients demultiplex streams exactly like unary
// replies.
//
// Headers are written lazily on the first frame. Until then the
// underlying ResponseWriter is still usable for a plain JSON error.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	reqID   json.RawMessage
	started bool
}

// newStreamWriter wraps the response writer, failing when the server
// stack cannot flush incrementally.
func newStreamWriter(w http.ResponseWriter, reqID json.RawMessage) (*StreamWriter, *Error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrInternal("streaming unsupported by transport")
	}
	return &StreamWriter{w: w, flusher: flusher, reqID: reqID}, nil
}

// Started reports whether any frame has been written.
func (s *StreamWriter) Started() bool {
	return s.started
}

// Send emits one result frame.
func (s *StreamWriter) Send(result any) error {
	return s.write("", NewResponse(s.reqID, result))
}

// SendWithID emits one result frame tagged with an SSE event id, so
// reconnecting clients can resume from where they dropped.
func (s *StreamWriter) SendWithID(eventID string, result any) error {
	return s.write(eventID, NewResponse(s.reqID, result))
}

// SendError emits a terminal error frame for failures that strike
// after streaming has begun.
func (s *StreamWriter) SendError(rpcErr *Error) error {
	return s.write("", NewErrorResponse(s.reqID, rpcErr))
}

// Comment emits an SSE comment line. Proxies treat it as traffic, so
// it doubles as a keep-alive.
func (s *StreamWriter) Comment(text string) error {
	s.begin()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write sse comment: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *StreamWriter) write(eventID string, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal sse frame: %w", err)
	}

	s.begin()
	var b strings.Builder
	if eventID != "" {
		fmt.Fprintf(&b, "id: %s\n", eventID)
	}
	fmt.Fprintf(&b, "event: message\ndata: %s\n\n", payload)
	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// begin commits the SSE headers exactly once.
func (s *StreamWriter) begin() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable nginx response buffering; SSE needs each frame flushed
	// through immediately.
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var (
	// ErrClientGone means the client disconnected. Callers stop silently.
	ErrClientGone = errors.New("client disconnected")

	// ErrStreamClosed means done was already sent.
	ErrStreamClosed = errors.New("stream already closed")

	// ErrStreamingUnsupported is returned when the response cannot be flushed.
	ErrStreamingUnsupported = errors.New("streaming not supported")
)

// SSEWriter writes events as server-sent events, one flushed frame per event.
// It is safe for concurrent use; frames never interleave.
type SSEWriter struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	gone   bool
	closed bool
}

// NewSSEWriter sends the SSE response headers. ctx is the request context;
// once it is done the client counts as gone.
func NewSSEWriter(ctx context.Context, w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{ctx: ctx, w: w, flusher: flusher}, nil
}

// Emit writes and flushes one frame.
func (s *SSEWriter) Emit(e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return ErrClientGone
	}
	if s.closed {
		return ErrStreamClosed
	}
	if s.ctx.Err() != nil {
		s.gone = true
		return ErrClientGone
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Kind(), data); err != nil {
		s.gone = true
		return ErrClientGone
	}
	s.flusher.Flush()
	if e.Kind() == KindDone {
		s.closed = true
	}
	return nil
}

// Gone reports whether a disconnect was detected.
func (s *SSEWriter) Gone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

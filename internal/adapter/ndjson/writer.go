// Package ndjson implements the progress sink as newline-delimited JSON
// frames over a long-lived, flushed HTTP response.
package ndjson

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// Writer streams protocol frames to one client. It is safe for concurrent
// use: the orchestrator and the heartbeat ticker emit from different
// goroutines. After the client disconnects writes fail; the first failure
// latches and later frames are dropped silently, because the server-side
// run keeps going whether or not anyone is watching.
type Writer struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	f      http.Flusher
	closed bool
}

// NewWriter prepares the response for NDJSON streaming and returns the
// sink. Headers are written immediately so intermediaries start relaying
// the body.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	return &Writer{w: w, f: f}, nil
}

// Emit writes one frame followed by a newline and flushes.
func (s *Writer) Emit(_ context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		s.closed = true
		return nil
	}
	s.f.Flush()
	return nil
}

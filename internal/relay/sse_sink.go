package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"taxgpt-api/internal/perf"
	"taxgpt-api/internal/sse"
)

// SSESink writes frames to an HTTP response as text/event-stream.
type SSESink struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	ctx       context.Context
	hasReturn bool
}

// NewSSESink sends the event-stream headers and a 200 status.
func NewSSESink(w http.ResponseWriter, r *http.Request) *SSESink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	return &SSESink{w: w, flusher: flusher, ctx: r.Context()}
}

func (s *SSESink) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writableLocked()
}

func (s *SSESink) writableLocked() bool {
	return !s.hasReturn && s.ctx.Err() == nil
}

func (s *SSESink) Send(ev sse.Event) error {
	buf := perf.AcquireFrameBuffer()
	defer perf.ReleaseFrameBuffer(buf)
	if err := sse.EncodeTo(buf, ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writableLocked() {
		return ErrNotWritable
	}
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		s.markWriteErrorLocked(string(ev.Type), err)
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *SSESink) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writableLocked() {
		return ErrNotWritable
	}
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		s.markWriteErrorLocked("keep-alive", err)
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close stops further writes. The response itself ends when the handler returns.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasReturn = true
	return nil
}

func (s *SSESink) markWriteErrorLocked(event string, err error) {
	if s.hasReturn {
		return
	}
	s.hasReturn = true
	slog.Warn("SSE write failed, output stopped", "event", event, "error", err)
}

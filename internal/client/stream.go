package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"taxgpt-api/internal/model"
	"taxgpt-api/internal/sse"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("stream closed")

const readChunk = 4096

// Stream yields the events of one chat turn in arrival order. It ends with io.EOF after a
// done frame or when the server closes the body, and with a *sse.StreamError after an
// error frame. Bytes after a terminal frame are never parsed.
type Stream struct {
	body     io.ReadCloser
	splitter sse.Splitter
	buf      []byte
	queue    []sse.Event
	ended    bool
	endErr   error

	mu     sync.Mutex
	closed bool
}

// StreamWithTools opens /api/chat/stream-with-tools.
func (c *Client) StreamWithTools(ctx context.Context, message string, history []model.Message) (*Stream, error) {
	return c.openStream(ctx, "/api/chat/stream-with-tools", message, history)
}

// StreamText opens /api/chat/stream, which carries text frames only.
func (c *Client) StreamText(ctx context.Context, message string, history []model.Message) (*Stream, error) {
	return c.openStream(ctx, "/api/chat/stream", message, history)
}

func (c *Client) openStream(ctx context.Context, path, message string, history []model.Message) (*Stream, error) {
	if history == nil {
		history = []model.Message{}
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, path, model.ChatRequest{Message: message, ConversationHistory: history})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, errors.New("no response body")
	}
	return NewStream(resp.Body), nil
}

// NewStream reads frames from body, which the Stream closes.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, buf: make([]byte, readChunk)}
}

// Next returns the next event. Terminal frames are delivered like any other event; the
// call after them reports how the stream ended.
func (s *Stream) Next() (sse.Event, error) {
	for {
		if s.isClosed() {
			return sse.Event{}, ErrClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.ended {
			return sse.Event{}, s.endErr
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.feed(s.buf[:n])
		}
		if err != nil && !s.ended {
			if s.isClosed() {
				return sse.Event{}, ErrClosed
			}
			s.ended = true
			s.endErr = io.EOF
			if !errors.Is(err, io.EOF) {
				s.endErr = fmt.Errorf("read stream: %w", err)
			}
			s.body.Close()
		}
	}
}

func (s *Stream) feed(p []byte) {
	for _, frame := range s.splitter.Feed(p) {
		if s.ended {
			return
		}
		ev, ok, err := sse.ParseFrame(frame)
		if err != nil {
			slog.Warn("Failed to parse SSE message", "error", err, "frame", truncate(frame, 200))
			continue
		}
		if !ok {
			continue
		}
		s.queue = append(s.queue, ev)
		switch ev.Type {
		case sse.TypeDone:
			s.end(io.EOF)
		case sse.TypeError:
			msg := ev.Error
			if msg == "" {
				msg = "Unknown error"
			}
			s.end(&sse.StreamError{Message: msg})
		}
	}
}

func (s *Stream) end(err error) {
	s.ended = true
	s.endErr = err
	s.splitter.Reset()
	s.body.Close()
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops delivery. It may be called from another goroutine while Next blocks; that
// Next returns ErrClosed and any bytes it read are discarded.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}

func truncate(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

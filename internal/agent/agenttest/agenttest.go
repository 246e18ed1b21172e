// Package agenttest provides a scripted agent.Source for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"taxgpt-api/internal/agent"
)

// Source replays Events for every Stream call.
type Source struct {
	Events []agent.Event
	// OpenErr is returned by Stream before anything is produced.
	OpenErr error
	// RecvErr is returned by Recv once Events are exhausted, instead of io.EOF.
	RecvErr error
	// Reply and GenerateErr answer Generate.
	Reply       string
	GenerateErr error

	mu       sync.Mutex
	requests []agent.Request
	received int
	closed   int
}

// Replay returns a Source that emits events in order.
func Replay(events ...agent.Event) *Source {
	return &Source{Events: events}
}

func (s *Source) Generate(ctx context.Context, req agent.Request) (string, error) {
	s.record(req)
	if s.GenerateErr != nil {
		return "", s.GenerateErr
	}
	return s.Reply, ctx.Err()
}

func (s *Source) Stream(ctx context.Context, req agent.Request) (agent.EventStream, error) {
	s.record(req)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return &stream{src: s, ctx: ctx}, nil
}

func (s *Source) record(req agent.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

// Requests returns every request seen so far.
func (s *Source) Requests() []agent.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Request(nil), s.requests...)
}

// Received is the number of events handed out by Recv across all streams.
func (s *Source) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Closed is the number of Close calls across all streams.
func (s *Source) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stream struct {
	src    *Source
	ctx    context.Context
	next   int
	closed bool
}

func (st *stream) Recv() (agent.Event, error) {
	if err := st.ctx.Err(); err != nil {
		return agent.Event{}, err
	}
	if st.closed {
		return agent.Event{}, io.EOF
	}
	if st.next >= len(st.src.Events) {
		if st.src.RecvErr != nil {
			return agent.Event{}, st.src.RecvErr
		}
		return agent.Event{}, io.EOF
	}
	ev := st.src.Events[st.next]
	st.next++
	st.src.mu.Lock()
	st.src.received++
	st.src.mu.Unlock()
	return ev, nil
}

func (st *stream) Close() error {
	st.src.mu.Lock()
	st.src.closed++
	st.src.mu.Unlock()
	st.closed = true
	return nil
}

// Text is a text-delta event.
func Text(s string) agent.Event {
	return agent.Event{Kind: agent.KindTextDelta, Text: s}
}

// Finish ends a turn with reason.
func Finish(reason string) agent.Event {
	return agent.Event{Kind: agent.KindFinish, FinishReason: reason}
}

// ToolCall is a tool-call event with JSON-encoded args.
func ToolCall(name, id string, args any) agent.Event {
	return agent.Event{Kind: agent.KindToolCall, ToolName: name, ToolCallID: id, Args: mustJSON(args)}
}

// ToolResult is a tool-result event with a JSON-encoded result.
func ToolResult(name, id string, result any) agent.Event {
	return agent.Event{Kind: agent.KindToolResult, ToolName: name, ToolCallID: id, Result: mustJSON(result)}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

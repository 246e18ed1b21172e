package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"taxgpt-api/internal/agent"
	"taxgpt-api/internal/agent/agenttest"
	"taxgpt-api/internal/sse"
)

type recordingSink struct {
	mu         sync.Mutex
	events     []sse.Event
	keepAlives int
	closes     int
	// failAfter makes the sink unwritable once that many frames were sent; 0 means never.
	failAfter int
	gone      bool
}

func (s *recordingSink) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.gone && s.closes == 0
}

func (s *recordingSink) Send(ev sse.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return ErrNotWritable
	}
	s.events = append(s.events, ev)
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		s.gone = true
	}
	return nil
}

func (s *recordingSink) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAlives++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSink) types() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, len(s.events))
	for i, ev := range s.events {
		parts[i] = string(ev.Type)
	}
	return strings.Join(parts, ",")
}

func runSource(t *testing.T, src *agenttest.Source, sink Sink, opts Options) Result {
	t.Helper()
	stream, err := src.Stream(context.Background(), agent.Request{Message: "hello"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = -1
	}
	return Run(context.Background(), stream, sink, opts)
}

func TestRunTextTurn(t *testing.T) {
	src := agenttest.Replay(
		agent.Event{Kind: agent.KindStart},
		agent.Event{Kind: agent.KindStepStart},
		agent.Event{Kind: agent.KindTextStart},
		agenttest.Text("Hi"),
		agenttest.Text(" there"),
		agent.Event{Kind: agent.KindTextFinish},
		agenttest.Finish("stop"),
	)
	sink := &recordingSink{}
	res := runSource(t, src, sink, Options{})

	if got, want := sink.types(), "connected,chunk,chunk,text-finish,done"; got != want {
		t.Fatalf("frames=%s want=%s", got, want)
	}
	if res.Outcome != OutcomeDone || res.Frames != 5 {
		t.Fatalf("result=%+v", res)
	}
	if sink.events[4].FinishReason != "stop" {
		t.Fatalf("finishReason=%q", sink.events[4].FinishReason)
	}
	for _, ev := range sink.events {
		if ev.Timestamp == "" {
			t.Fatalf("frame %s has no timestamp", ev.Type)
		}
	}
	if sink.closes != 1 || src.Closed() != 1 {
		t.Fatalf("closes sink=%d stream=%d", sink.closes, src.Closed())
	}
}

func TestRunToolTurn(t *testing.T) {
	src := agenttest.Replay(
		agenttest.ToolCall("get-tax-data", "call_1", map[string]string{"scenario": "single"}),
		agenttest.ToolResult("get-tax-data", "call_1", map[string]any{"success": true, "scenario": "single"}),
		agent.Event{Kind: agent.KindStepFinish},
		agenttest.Finish("stop"),
	)
	sink := &recordingSink{}
	runSource(t, src, sink, Options{})

	if got, want := sink.types(), "connected,tool-call,tool-result,step-finish,done"; got != want {
		t.Fatalf("frames=%s want=%s", got, want)
	}
	call := sink.events[1]
	if call.ToolName != "get-tax-data" || call.ToolCallID != "call_1" || string(call.Args) != `{"scenario":"single"}` {
		t.Fatalf("tool-call=%+v", call)
	}
	var result struct {
		Success  bool   `json:"success"`
		Scenario string `json:"scenario"`
	}
	if err := sink.events[2].DecodeResult(&result); err != nil || !result.Success || result.Scenario != "single" {
		t.Fatalf("tool-result=%s err=%v", sink.events[2].Result, err)
	}
}

func TestRunSynthesizesDoneWhenUpstreamEndsWithoutFinish(t *testing.T) {
	sink := &recordingSink{}
	res := runSource(t, agenttest.Replay(agenttest.Text("partial")), sink, Options{})
	if got := sink.types(); got != "connected,chunk,done" {
		t.Fatalf("frames=%s", got)
	}
	if sink.events[2].FinishReason != "unknown" || res.Outcome != OutcomeDone {
		t.Fatalf("done=%+v result=%+v", sink.events[2], res)
	}
}

func TestRunUpstreamFailureBecomesErrorFrame(t *testing.T) {
	src := agenttest.Replay(agenttest.Text("Hi"))
	src.RecvErr = errors.New("model crashed")
	sink := &recordingSink{}
	res := runSource(t, src, sink, Options{})

	if got := sink.types(); got != "connected,chunk,error" {
		t.Fatalf("frames=%s", got)
	}
	if sink.events[2].Error != "model crashed" || res.Outcome != OutcomeError {
		t.Fatalf("error=%+v result=%+v", sink.events[2], res)
	}
	if sink.closes != 1 {
		t.Fatalf("sink closed %d times", sink.closes)
	}
}

func TestRunStopsConsumingAfterTerminalFrame(t *testing.T) {
	src := agenttest.Replay(
		agent.Event{Kind: agent.KindError},
		agenttest.Text("never sent"),
		agenttest.Finish("stop"),
	)
	sink := &recordingSink{}
	runSource(t, src, sink, Options{})

	if got := sink.types(); got != "connected,error" {
		t.Fatalf("frames=%s", got)
	}
	if sink.events[1].Error != "Unknown error" {
		t.Fatalf("error=%q", sink.events[1].Error)
	}
	if src.Received() != 1 {
		t.Fatalf("received %d upstream events after the error", src.Received())
	}
}

func TestRunClientDisconnectStopsWithoutTerminalFrame(t *testing.T) {
	src := agenttest.Replay(
		agenttest.Text("a"),
		agenttest.Text("b"),
		agenttest.Text("c"),
		agenttest.Text("d"),
		agenttest.Finish("stop"),
	)
	sink := &recordingSink{failAfter: 2}
	res := runSource(t, src, sink, Options{})

	if got := sink.types(); got != "connected,chunk" {
		t.Fatalf("frames=%s", got)
	}
	if res.Outcome != OutcomeDisconnect {
		t.Fatalf("outcome=%s", res.Outcome)
	}
	if src.Received() != 2 {
		t.Fatalf("received=%d, relay kept consuming after disconnect", src.Received())
	}
	if sink.closes != 1 || src.Closed() != 1 {
		t.Fatalf("closes sink=%d stream=%d", sink.closes, src.Closed())
	}
}

func TestRunCancelledContextIsDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := agenttest.Replay(agenttest.Text("a"), agenttest.Finish("stop"))
	stream, _ := src.Stream(ctx, agent.Request{Message: "hello"})
	cancel()

	sink := &recordingSink{}
	res := Run(ctx, stream, sink, Options{KeepAlive: -1})
	if res.Outcome != OutcomeDisconnect || len(sink.events) != 0 {
		t.Fatalf("result=%+v frames=%s", res, sink.types())
	}
}

func TestRunTextOnly(t *testing.T) {
	src := agenttest.Replay(
		agent.Event{Kind: agent.KindReasoningDelta, Text: "thinking"},
		agenttest.Text("Hi"),
		agent.Event{Kind: agent.KindTextFinish},
		agenttest.Finish("stop"),
	)
	sink := &recordingSink{}
	runSource(t, src, sink, Options{TextOnly: true})
	if got := sink.types(); got != "connected,chunk,done" {
		t.Fatalf("frames=%s", got)
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		in   agent.Event
		want sse.EventType
		ok   bool
	}{
		{agent.Event{Kind: agent.KindStart}, "", false},
		{agent.Event{Kind: agent.KindStepStart}, "", false},
		{agent.Event{Kind: agent.KindReasoningStart}, "", false},
		{agent.Event{Kind: agent.KindTextStart}, "", false},
		{agent.Event{Kind: agent.KindReasoningDelta, Text: "x"}, sse.TypeReasoning, true},
		{agent.Event{Kind: agent.KindReasoningFinish}, sse.TypeReasoningFinish, true},
		{agent.Event{Kind: agent.KindStepFinish}, sse.TypeStepFinish, true},
		{agent.Event{Kind: agent.KindTextDelta, Text: "x"}, sse.TypeChunk, true},
		{agent.Event{Kind: agent.KindTextFinish}, sse.TypeTextFinish, true},
		{agent.Event{Kind: agent.KindToolCall}, sse.TypeToolCall, true},
		{agent.Event{Kind: agent.KindToolResult}, sse.TypeToolResult, true},
		{agent.Event{Kind: agent.KindFinish}, sse.TypeDone, true},
		{agent.Event{Kind: agent.KindError, Error: "boom"}, sse.TypeError, true},
		{agent.Event{Kind: "source-citation"}, sse.TypeUnknown, true},
	}
	for _, tt := range tests {
		got, ok := Translate(tt.in)
		if ok != tt.ok || got.Type != tt.want {
			t.Errorf("Translate(%s)=%s,%v want %s,%v", tt.in.Kind, got.Type, ok, tt.want, tt.ok)
		}
	}

	done, _ := Translate(agent.Event{Kind: agent.KindFinish})
	if done.FinishReason != "unknown" {
		t.Fatalf("default finishReason=%q", done.FinishReason)
	}
}

func TestTranslateUnknownCarriesKindAndRaw(t *testing.T) {
	ev, _ := Translate(agent.Event{Kind: "source-citation", Raw: json.RawMessage(`{"url":"https://zh.ch"}`)})
	if ev.EventType != "source-citation" || string(ev.Raw) != `{"url":"https://zh.ch"}` {
		t.Fatalf("unknown frame=%+v", ev)
	}

	ev, _ = Translate(agent.Event{Kind: "file", Text: "x"})
	if !strings.Contains(string(ev.Raw), `"type":"file"`) {
		t.Fatalf("raw fallback=%s", ev.Raw)
	}
}

type blockingStream struct {
	release chan struct{}
	events  []agent.Event
	closed  chan struct{}
	once    sync.Once
}

func (b *blockingStream) Recv() (agent.Event, error) {
	select {
	case <-b.release:
	case <-b.closed:
		return agent.Event{}, io.EOF
	}
	if len(b.events) == 0 {
		return agent.Event{}, io.EOF
	}
	ev := b.events[0]
	b.events = b.events[1:]
	return ev, nil
}

func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestRunWritesKeepAlivesWhileWaiting(t *testing.T) {
	stream := &blockingStream{
		release: make(chan struct{}),
		events:  []agent.Event{agenttest.Finish("stop")},
		closed:  make(chan struct{}),
	}
	sink := &recordingSink{}
	done := make(chan Result, 1)
	go func() { done <- Run(context.Background(), stream, sink, Options{KeepAlive: 5 * time.Millisecond}) }()

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := sink.keepAlives
		sink.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no keep-alive written")
		case <-time.After(time.Millisecond):
		}
	}
	close(stream.release)

	if res := <-done; res.Outcome != OutcomeDone {
		t.Fatalf("outcome=%s", res.Outcome)
	}
}

func TestSSESinkWritesWireFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/chat/stream-with-tools", nil)
	sink := NewSSESink(rec, req)

	src := agenttest.Replay(agenttest.Text("Hi"), agenttest.Finish("stop"))
	stream, _ := src.Stream(context.Background(), agent.Request{Message: "hello"})
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	Run(req.Context(), stream, sink, Options{KeepAlive: -1, Now: func() time.Time { return fixed }})

	for header, want := range map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s=%q want %q", header, got, want)
		}
	}
	want := `data: {"type":"connected","timestamp":"2025-01-02T03:04:05.000Z"}` + "\n\n" +
		`data: {"type":"chunk","content":"Hi","timestamp":"2025-01-02T03:04:05.000Z"}` + "\n\n" +
		`data: {"type":"done","finishReason":"stop","timestamp":"2025-01-02T03:04:05.000Z"}` + "\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("body=\n%s\nwant=\n%s", got, want)
	}
	if sink.Writable() {
		t.Fatalf("sink still writable after close")
	}
	if err := sink.Send(sse.Event{Type: sse.TypeChunk}); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("Send after close err=%v", err)
	}
}

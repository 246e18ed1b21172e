// Package relay turns one agent turn into the client-visible stream of sse.Event frames.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"taxgpt-api/internal/agent"
	"taxgpt-api/internal/debug"
	"taxgpt-api/internal/metrics"
	"taxgpt-api/internal/model"
	"taxgpt-api/internal/sse"
)

const keepAliveInterval = 15 * time.Second

// ErrNotWritable is returned by a Sink once the peer is gone or the sink was closed.
var ErrNotWritable = errors.New("sink not writable")

// Sink is the client side of a relay. Implementations are safe for concurrent use
// so keep-alives can be written while the relay waits upstream.
type Sink interface {
	// Writable reports whether the peer can still receive frames.
	Writable() bool
	Send(ev sse.Event) error
	KeepAlive() error
	// Close ends the response. Calls after the first are no-ops.
	Close() error
}

// Outcome is how a relay run ended.
type Outcome string

const (
	OutcomeDone       Outcome = "done"
	OutcomeError      Outcome = "error"
	OutcomeDisconnect Outcome = "disconnect"
)

type Options struct {
	// TextOnly forwards only chunk, done and error frames.
	TextOnly bool
	// KeepAlive overrides the keep-alive period; negative disables it.
	KeepAlive time.Duration
	// Transport labels metrics ("sse" or "ws").
	Transport string
	Logger    *debug.Logger
	Now       func() time.Time
}

type Result struct {
	Outcome Outcome
	Frames  int
}

type relay struct {
	ctx    context.Context
	stream agent.EventStream
	sink   Sink
	opts   Options
	frames int
}

// Run writes connected, then one frame per upstream event, and ends with exactly one
// terminal frame unless the client goes away first. Both the stream and the sink are
// closed before Run returns.
func Run(ctx context.Context, stream agent.EventStream, sink Sink, opts Options) Result {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Transport == "" {
		opts.Transport = "sse"
	}
	if opts.Logger == nil {
		opts.Logger = debug.New(false, false)
	}

	start := time.Now()
	metrics.ActiveStreams.WithLabelValues(opts.Transport).Inc()

	var closeOnce sync.Once
	closeSink := func() {
		closeOnce.Do(func() {
			if err := sink.Close(); err != nil {
				slog.Debug("relay: close sink", "error", err)
			}
		})
	}
	defer closeSink()
	defer stream.Close()

	r := &relay{ctx: ctx, stream: stream, sink: sink, opts: opts}
	stopKeepAlive := r.startKeepAlive()
	outcome := r.loop()
	stopKeepAlive()

	metrics.ActiveStreams.WithLabelValues(opts.Transport).Dec()
	metrics.StreamsEnded.WithLabelValues(string(outcome)).Inc()
	opts.Logger.LogSummary(r.frames, time.Since(start), string(outcome))
	if outcome == OutcomeDisconnect {
		slog.Info("relay: client disconnected", "frames", r.frames)
	}
	return Result{Outcome: outcome, Frames: r.frames}
}

func (r *relay) loop() Outcome {
	if !r.write(sse.Event{Type: sse.TypeConnected}) {
		return OutcomeDisconnect
	}

	for {
		ev, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			if !r.write(sse.Event{Type: sse.TypeDone, FinishReason: "unknown"}) {
				return OutcomeDisconnect
			}
			return OutcomeDone
		}
		if err != nil {
			if r.ctx.Err() != nil || !r.sink.Writable() {
				return OutcomeDisconnect
			}
			slog.Error("relay: upstream failed", "error", err)
			metrics.ErrorsTotal.WithLabelValues("upstream_stream").Inc()
			if !r.write(sse.Event{Type: sse.TypeError, Error: err.Error()}) {
				return OutcomeDisconnect
			}
			return OutcomeError
		}

		r.opts.Logger.LogUpstreamEvent(string(ev.Kind), ev)
		frame, ok := Translate(ev)
		if !ok {
			slog.Debug("relay: suppressed upstream event", "kind", ev.Kind)
			continue
		}
		if frame.Type == sse.TypeUnknown {
			slog.Warn("relay: unknown upstream event", "kind", ev.Kind)
		}
		if r.opts.TextOnly && !textFrame(frame.Type) {
			continue
		}
		if !r.write(frame) {
			return OutcomeDisconnect
		}
		switch frame.Type {
		case sse.TypeDone:
			return OutcomeDone
		case sse.TypeError:
			return OutcomeError
		}
	}
}

// write stamps and sends ev. It reports false when the client is gone.
func (r *relay) write(ev sse.Event) bool {
	if r.ctx.Err() != nil || !r.sink.Writable() {
		return false
	}
	ev.Timestamp = model.Timestamp(r.opts.Now())
	if err := r.sink.Send(ev); err != nil {
		if !errors.Is(err, ErrNotWritable) {
			slog.Warn("relay: write failed", "type", ev.Type, "error", err)
		}
		return false
	}
	r.frames++
	metrics.StreamFrames.WithLabelValues(string(ev.Type)).Inc()
	r.opts.Logger.LogOutputFrame(string(ev.Type), ev)
	return true
}

func (r *relay) startKeepAlive() func() {
	interval := r.opts.KeepAlive
	if interval == 0 {
		interval = keepAliveInterval
	}
	if interval < 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !r.sink.Writable() {
					return
				}
				if err := r.sink.KeepAlive(); err != nil {
					return
				}
			case <-done:
				return
			case <-r.ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func textFrame(t sse.EventType) bool {
	return t == sse.TypeChunk || t == sse.TypeDone || t == sse.TypeError
}

// Translate maps one upstream event to its wire frame. ok is false for start markers,
// which are never forwarded. The returned frame has no timestamp.
func Translate(ev agent.Event) (frame sse.Event, ok bool) {
	switch ev.Kind {
	case agent.KindStart, agent.KindStepStart, agent.KindReasoningStart, agent.KindTextStart:
		return sse.Event{}, false
	case agent.KindReasoningDelta:
		return sse.Event{Type: sse.TypeReasoning, Content: ev.Text}, true
	case agent.KindReasoningFinish:
		return sse.Event{Type: sse.TypeReasoningFinish}, true
	case agent.KindStepFinish:
		return sse.Event{Type: sse.TypeStepFinish}, true
	case agent.KindTextDelta:
		return sse.Event{Type: sse.TypeChunk, Content: ev.Text}, true
	case agent.KindTextFinish:
		return sse.Event{Type: sse.TypeTextFinish}, true
	case agent.KindToolCall:
		return sse.Event{Type: sse.TypeToolCall, ToolName: ev.ToolName, ToolCallID: ev.ToolCallID, Args: ev.Args}, true
	case agent.KindToolResult:
		return sse.Event{Type: sse.TypeToolResult, ToolName: ev.ToolName, ToolCallID: ev.ToolCallID, Result: ev.Result}, true
	case agent.KindFinish:
		reason := ev.FinishReason
		if reason == "" {
			reason = "unknown"
		}
		return sse.Event{Type: sse.TypeDone, FinishReason: reason}, true
	case agent.KindError:
		msg := ev.Error
		if msg == "" {
			msg = "Unknown error"
		}
		return sse.Event{Type: sse.TypeError, Error: msg}, true
	default:
		raw := ev.Raw
		if len(raw) == 0 {
			raw = sse.MarshalPayload(ev)
		}
		return sse.Event{Type: sse.TypeUnknown, EventType: string(ev.Kind), Raw: raw}, true
	}
}

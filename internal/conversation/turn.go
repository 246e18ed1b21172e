package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"taxgpt-api/internal/sse"
	"taxgpt-api/internal/tools"
)

// Turn applies the events of one reply to its placeholder message. Its methods are safe
// to call while other goroutines use the Session.
type Turn struct {
	session     *Session
	placeholder uint64

	segments []segment
	calls    map[string]*toolCall
	content  string
	active   bool
	settled  bool
}

// segment is either streamed prose or one tool call, rendered independently.
type segment struct {
	text string
	call *toolCall
}

type callState int

const (
	callPending callState = iota
	callResolved
)

type toolCall struct {
	id    string
	name  string
	state callState
	// rendered is what the resolved call contributes to the message; empty hides it.
	rendered string
}

// EventSource is the consuming side of a chat stream, such as *client.Stream.
type EventSource interface {
	Next() (sse.Event, error)
}

// Settled reports whether the turn has ended.
func (t *Turn) Settled() bool {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	return t.settled
}

// Content is the reply rendered so far, including text of a placeholder that was removed.
func (t *Turn) Content() string {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	return t.content
}

// Apply folds one event into the conversation. Events after the turn settled are ignored.
func (t *Turn) Apply(ev sse.Event) {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.settled {
		return
	}

	if ev.Type != sse.TypeConnected && ev.Type != sse.TypeDone {
		t.active = true
	}

	switch ev.Type {
	case sse.TypeConnected:
	case sse.TypeChunk:
		t.appendText(ev.Content)
		if strings.TrimSpace(ev.Content) != "" {
			s.loading = false
			if i := s.indexLocked(t.placeholder); i >= 0 {
				s.items[i].msg.FirstChunkLoaded = true
			}
		}
	case sse.TypeReasoning, sse.TypeReasoningFinish, sse.TypeStepFinish, sse.TypeTextFinish:
		slog.Debug("turn lifecycle event", "type", ev.Type)
	case sse.TypeToolCall:
		slog.Debug("tool call", "tool", ev.ToolName, "tool_call_id", ev.ToolCallID)
		t.call(ev.ToolCallID, ev.ToolName)
	case sse.TypeToolResult:
		t.result(ev)
	case sse.TypeError:
		msg := ev.Error
		if msg == "" {
			msg = "Unknown error"
		}
		t.failLocked(msg)
		return
	case sse.TypeDone:
		t.settleLocked()
		return
	default:
		slog.Warn("unhandled stream event", "type", ev.Type, "event_type", ev.EventType)
	}
	t.renderLocked()
}

// Finish ends the turn when the stream stops. err is what the stream reported: nil or
// io.EOF is a normal end, a *sse.StreamError repeats an error event already applied, any
// other error is a transport failure surfaced to the user.
func (t *Turn) Finish(err error) {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.settled {
		return
	}
	var streamErr *sse.StreamError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		t.settleLocked()
	case errors.As(err, &streamErr):
		t.failLocked(streamErr.Message)
	default:
		t.failLocked(err.Error())
	}
}

// Abandon ends the turn without surfacing an error: the placeholder keeps whatever content
// it has, or is removed when it has none.
func (t *Turn) Abandon() {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.abandonLocked()
}

func (t *Turn) abandonLocked() {
	if t.settled {
		return
	}
	s := t.session
	t.dropPendingLocked()
	if i := s.indexLocked(t.placeholder); i >= 0 && strings.TrimSpace(s.items[i].msg.Content) == "" {
		s.removeLocked(t.placeholder)
	}
	t.endLocked()
}

// Consume reads src until the turn settles, calling observe (if set) after each applied
// event. It returns nil for a normal end, the *sse.StreamError of an error event, the
// transport error, or ctx.Err() when ctx ended first.
func (t *Turn) Consume(ctx context.Context, src EventSource, observe func(sse.Event)) error {
	for {
		ev, err := src.Next()
		if ctx.Err() != nil {
			t.Abandon()
			return ctx.Err()
		}
		if err != nil {
			t.Finish(err)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		t.Apply(ev)
		if observe != nil {
			observe(ev)
		}
		if t.Settled() {
			if ev.Type == sse.TypeError {
				return &sse.StreamError{Message: firstNonEmpty(ev.Error, "Unknown error")}
			}
			return nil
		}
	}
}

func (t *Turn) appendText(s string) {
	if n := len(t.segments); n > 0 && t.segments[n-1].call == nil {
		t.segments[n-1].text += s
		return
	}
	t.segments = append(t.segments, segment{text: s})
}

func (t *Turn) call(id, name string) *toolCall {
	if c, ok := t.calls[id]; ok && id != "" {
		if c.name == "" {
			c.name = name
		}
		return c
	}
	c := &toolCall{id: id, name: name}
	if id != "" {
		t.calls[id] = c
	}
	t.segments = append(t.segments, segment{call: c})
	return c
}

func (t *Turn) result(ev sse.Event) {
	c := t.call(ev.ToolCallID, ev.ToolName)
	if c.name == "" {
		c.name = ev.ToolName
	}
	c.state = callResolved

	switch c.name {
	case tools.GetTaxData:
		var res tools.TaxDataResult
		if err := ev.DecodeResult(&res); err != nil {
			slog.Warn("tax data result unreadable", "error", err)
			c.rendered = taxDataFailureLine(err.Error())
			return
		}
		if res.Success && res.Data != nil {
			t.session.pending = &PendingToolData{Data: *res.Data, Scenario: res.Scenario, ToolCallID: ev.ToolCallID}
			return
		}
		c.rendered = taxDataFailureLine(firstNonEmpty(res.Error, "no data returned"))
	case tools.GenerateTaxPDF:
		var res tools.PDFResult
		if err := ev.DecodeResult(&res); err != nil {
			c.rendered = pdfFailureLine(err.Error())
			return
		}
		if res.Success {
			c.rendered = pdfSuccessLine(res, t.session.opts.BaseURL)
		} else {
			c.rendered = pdfFailureLine(firstNonEmpty(res.Error, res.Message, "Unknown error"))
		}
	case tools.CalculateDeductions:
		var res tools.DeductionResult
		if err := ev.DecodeResult(&res); err != nil {
			slog.Warn("deduction result unreadable", "error", err)
			c.rendered = completedLine(c.name)
			return
		}
		c.rendered = deductionSummary(res)
	default:
		c.rendered = completedLine(c.name)
	}
}

func (t *Turn) renderLocked() {
	var b strings.Builder
	prevTool := false
	for _, seg := range t.segments {
		var text string
		isTool := seg.call != nil
		if isTool {
			switch {
			case seg.call.state == callResolved:
				text = seg.call.rendered
			case t.session.opts.ShowToolActivity:
				text = fmt.Sprintf("[Calling tool: %s...]", seg.call.name)
			}
		} else {
			text = seg.text
		}
		if text == "" {
			continue
		}
		if b.Len() > 0 && (isTool || prevTool) {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
		prevTool = isTool
	}
	t.content = b.String()
	if i := t.session.indexLocked(t.placeholder); i >= 0 {
		t.session.items[i].msg.Content = t.content
	}
}

// settleLocked finalizes the placeholder at the end of a normal stream.
func (t *Turn) settleLocked() {
	s := t.session
	t.dropPendingLocked()

	if i := s.indexLocked(t.placeholder); i >= 0 {
		s.items[i].msg.Timestamp = s.timestamp()
		if strings.TrimSpace(s.items[i].msg.Content) == "" {
			s.removeLocked(t.placeholder)
			if !t.active {
				s.err = NoResponseError
			}
		}
	}
	t.endLocked()
}

func (t *Turn) failLocked(msg string) {
	s := t.session
	s.err = msg
	t.dropPendingLocked()
	if i := s.indexLocked(t.placeholder); i >= 0 && strings.TrimSpace(s.items[i].msg.Content) == "" {
		s.removeLocked(t.placeholder)
	}
	t.endLocked()
}

// dropPendingLocked hides markers of calls that can no longer resolve.
func (t *Turn) dropPendingLocked() {
	for _, seg := range t.segments {
		if seg.call != nil && seg.call.state == callPending {
			seg.call.state = callResolved
		}
	}
	t.renderLocked()
}

func (t *Turn) endLocked() {
	t.settled = true
	s := t.session
	if s.turn == t {
		s.turn = nil
		s.loading = false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package agent defines the capability the server consumes to generate assistant turns.
package agent

import (
	"context"
	"encoding/json"

	"taxgpt-api/internal/model"
	"taxgpt-api/internal/prompt"
)

// Kind names an upstream event.
type Kind string

const (
	KindStart           Kind = "start"
	KindStepStart       Kind = "step-start"
	KindReasoningStart  Kind = "reasoning-start"
	KindReasoningDelta  Kind = "reasoning-delta"
	KindReasoningFinish Kind = "reasoning-finish"
	KindStepFinish      Kind = "step-finish"
	KindTextStart       Kind = "text-start"
	KindTextDelta       Kind = "text-delta"
	KindTextFinish      Kind = "text-finish"
	KindToolCall        Kind = "tool-call"
	KindToolResult      Kind = "tool-result"
	KindError           Kind = "error"
	KindFinish          Kind = "finish"
)

// Event is one item of a generation turn. Only the fields relevant to Kind are set;
// Raw carries the producer's original payload when it has one.
type Event struct {
	Kind         Kind            `json:"type"`
	Text         string          `json:"text,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Error        string          `json:"error,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Request is one turn's input.
type Request struct {
	Message string
	History []model.Message
	// NoTools streams plain text without declaring any tool.
	NoTools bool
	// OnPrompt, when set, receives the assembled prompt before the model is called.
	OnPrompt func(prompt.Result)
}

// EventStream yields the events of one turn in production order. Recv returns io.EOF
// after the last event. Close releases the stream and may be called at any time.
type EventStream interface {
	Recv() (Event, error)
	Close() error
}

// Source produces assistant turns.
type Source interface {
	// Generate returns the complete reply text of one non-streamed turn.
	Generate(ctx context.Context, req Request) (string, error)
	// Stream starts a turn. An error means nothing was produced.
	Stream(ctx context.Context, req Request) (EventStream, error)
}

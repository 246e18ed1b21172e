// Package sse defines the chat stream wire vocabulary and its event-stream framing.
//
// Every frame is the literal text "data: ", one single-line JSON object and a blank line.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	TypeConnected       EventType = "connected"
	TypeChunk           EventType = "chunk"
	TypeReasoning       EventType = "reasoning"
	TypeReasoningFinish EventType = "reasoning-finish"
	TypeStepFinish      EventType = "step-finish"
	TypeTextFinish      EventType = "text-finish"
	TypeToolCall        EventType = "tool-call"
	TypeToolResult      EventType = "tool-result"
	TypeDone            EventType = "done"
	TypeError           EventType = "error"
	TypeUnknown         EventType = "unknown"
)

// Terminal reports whether the event ends a stream.
func (t EventType) Terminal() bool {
	return t == TypeDone || t == TypeError
}

// Event is one StreamEvent. Only the fields relevant to Type are set.
type Event struct {
	Type         EventType       `json:"type"`
	Content      string          `json:"content,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	EventType    string          `json:"eventType,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	Timestamp    string          `json:"timestamp"`
}

// DecodeResult unmarshals the tool result payload into v.
func (e Event) DecodeResult(v any) error {
	if len(e.Result) == 0 {
		return errors.New("event has no result payload")
	}
	return json.Unmarshal(e.Result, v)
}

// ErrStreamFailed wraps the message of an error frame once a stream has ended with it.
var ErrStreamFailed = errors.New("stream failed")

// StreamError is returned after an error frame ended a stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

func (e *StreamError) Unwrap() error {
	return ErrStreamFailed
}

var (
	dataPrefix = []byte("data: ")
	frameSep   = []byte("\n\n")
)

// Encode renders ev as one complete frame.
func Encode(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo appends the frame for ev to buf. On error buf is left as it was.
func EncodeTo(buf *bytes.Buffer, ev Event) error {
	start := buf.Len()
	buf.Write(dataPrefix)
	// Encode terminates the object with one newline; the frame needs a second.
	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		buf.Truncate(start)
		return fmt.Errorf("encode %s frame: %w", ev.Type, err)
	}
	buf.WriteByte('\n')
	return nil
}

// MarshalPayload turns an arbitrary value into a raw JSON field. A nil value yields nil.
func MarshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	return b
}

// ParseFrame extracts the event carried by one complete frame (without its trailing blank line).
// ok is false when the frame has no data line, e.g. a keep-alive comment.
func ParseFrame(frame []byte) (ev Event, ok bool, err error) {
	var data [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if bytes.HasPrefix(line, dataPrefix) {
			data = append(data, line[len(dataPrefix):])
		}
	}
	if len(data) == 0 {
		return Event{}, false, nil
	}
	if err := json.Unmarshal(bytes.Join(data, []byte("\n")), &ev); err != nil {
		return Event{}, true, fmt.Errorf("parse frame: %w", err)
	}
	return ev, true, nil
}

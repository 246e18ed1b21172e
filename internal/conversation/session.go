// Package conversation reconciles streamed chat events into an ordered message list.
//
// A Session owns the messages of one conversation, the tax data adopted as prompt context
// and the pending confirmation raised by a tax-data lookup. Each user message starts a
// Turn, which is the only writer of its placeholder assistant message.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taxgpt-api/internal/model"
)

const (
	Greeting          = "Hallo! I'm your Swiss tax assistant for Canton Zurich. How can I help you with your tax return today?"
	NoResponseError   = "No response received from assistant"
	declineMessage    = "No problem. Your tax data was not loaded. Let me know if there is anything else I can help with."
	acknowledgeFormat = "Your tax data for the %s scenario is now loaded. I will take it into account when answering your questions."
)

var (
	ErrEmptyMessage = errors.New("message is empty")
)

// PendingToolData is tax data returned by a tool and waiting for the user's decision.
type PendingToolData struct {
	Data       model.TaxData
	Scenario   string
	ToolCallID string
}

type Options struct {
	// BaseURL prefixes relative download paths in generated-PDF lines.
	BaseURL string
	// ShowToolActivity renders a marker for each tool call until its result arrives.
	ShowToolActivity bool
	// Greeting is the first assistant message. Empty uses the default; "-" disables it.
	Greeting string
	Now      func() time.Time
}

type item struct {
	id  uint64
	msg model.Message
}

type Session struct {
	mu      sync.Mutex
	opts    Options
	items   []item
	nextID  uint64
	taxData *model.TaxData
	pending *PendingToolData
	err     string
	loading bool
	turn    *Turn
}

func NewSession(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Greeting == "" {
		opts.Greeting = Greeting
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	s := &Session{opts: opts}
	s.reset()
	return s
}

func (s *Session) timestamp() string {
	return model.Timestamp(s.opts.Now())
}

func (s *Session) reset() {
	s.items = nil
	s.err = ""
	if s.opts.Greeting != "-" {
		s.appendLocked(model.RoleAssistant, s.opts.Greeting)
	}
}

func (s *Session) appendLocked(role model.Role, content string) uint64 {
	s.nextID++
	s.items = append(s.items, item{id: s.nextID, msg: model.Message{Role: role, Content: content, Timestamp: s.timestamp()}})
	return s.nextID
}

func (s *Session) indexLocked(id uint64) int {
	for i := range s.items {
		if s.items[i].id == id {
			return i
		}
	}
	return -1
}

func (s *Session) removeLocked(id uint64) {
	if i := s.indexLocked(id); i >= 0 {
		s.items = append(s.items[:i], s.items[i+1:]...)
	}
}

// Messages returns a copy of the conversation in display order.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.items))
	for i, it := range s.items {
		out[i] = it.msg
	}
	return out
}

// Err is the error surfaced by the last turn, if any.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) ClearError() {
	s.mu.Lock()
	s.err = ""
	s.mu.Unlock()
}

// Loading is true from Begin until the first visible chunk or the end of the turn.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// TaxData returns the tax data adopted as prompt context.
func (s *Session) TaxData() (model.TaxData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taxData == nil {
		return model.TaxData{}, false
	}
	return *s.taxData, true
}

// Pending returns the tax data awaiting confirmation. ok doubles as "the modal is open".
func (s *Session) Pending() (PendingToolData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return PendingToolData{}, false
	}
	return *s.pending, true
}

// Propose opens the confirmation for data obtained outside a turn, e.g. a scenario the
// user picked directly. It replaces any pending data.
func (s *Session) Propose(data model.TaxData, scenario string) {
	s.mu.Lock()
	s.pending = &PendingToolData{Data: data, Scenario: scenario}
	s.mu.Unlock()
}

// Confirm adopts the pending tax data and acknowledges it. It reports false, and changes
// nothing, when no confirmation is pending.
func (s *Session) Confirm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	data := s.pending.Data
	s.taxData = &data
	s.appendLocked(model.RoleAssistant, fmt.Sprintf(acknowledgeFormat, s.pending.Scenario))
	s.pending = nil
	return true
}

// Cancel discards the pending tax data. It reports false when nothing was pending.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	s.appendLocked(model.RoleAssistant, declineMessage)
	s.pending = nil
	return true
}

// Clear starts the message list over. Adopted tax data stays active. A turn still
// streaming is detached and its events are ignored.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != nil {
		s.turn.settled = true
		s.turn = nil
	}
	s.loading = false
	s.pending = nil
	s.reset()
}

// Outgoing returns what is sent for text: the text itself, or the text wrapped with the
// active tax data.
func (s *Session) Outgoing(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoingLocked(text)
}

func (s *Session) outgoingLocked(text string) string {
	if s.taxData == nil {
		return text
	}
	data, err := json.MarshalIndent(s.taxData, "", "  ")
	if err != nil {
		return text
	}
	return fmt.Sprintf("[User's Tax Data: %s]\n\nUser Question: %s", data, text)
}

// Begin records the user's message, inserts the assistant placeholder and returns the
// request to send. History holds the messages before this one. A turn still streaming is
// abandoned first; the caller should stop reading its transport.
func (s *Session) Begin(text string) (*Turn, model.ChatRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return nil, model.ChatRequest{}, ErrEmptyMessage
	}
	if s.turn != nil {
		s.turn.abandonLocked()
	}

	history := make([]model.Message, 0, len(s.items))
	for _, it := range s.items {
		history = append(history, model.Message{Role: it.msg.Role, Content: it.msg.Content, Timestamp: it.msg.Timestamp})
	}
	req := model.ChatRequest{Message: s.outgoingLocked(text), ConversationHistory: history}

	s.appendLocked(model.RoleUser, text)
	t := &Turn{
		session:     s,
		placeholder: s.appendLocked(model.RoleAssistant, ""),
		calls:       make(map[string]*toolCall),
	}
	s.turn = t
	s.loading = true
	s.err = ""
	return t, req, nil
}

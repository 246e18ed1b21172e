package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"taxgpt-api/internal/metrics"
	"taxgpt-api/internal/prompt"
	"taxgpt-api/internal/tiktoken"
	"taxgpt-api/internal/tools"
	"taxgpt-api/internal/upstream"
)

type LMStudioOptions struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float32
	MaxToolSteps int
	MaxTokens    int
	Counter      tiktoken.Counter
	Tools        *tools.Registry
	HTTPClient   *http.Client
	Breaker      *upstream.CircuitBreaker
}

// LMStudio talks to an OpenAI-compatible endpoint and runs the tool loop itself:
// tool calls requested by the model are executed through the registry and their results
// fed back, for at most MaxToolSteps generation steps.
type LMStudio struct {
	client      *openai.Client
	model       string
	temperature float32
	maxSteps    int
	prompt      prompt.Options
	tools       *tools.Registry
	breaker     *upstream.CircuitBreaker
}

func NewLMStudio(opts LMStudioOptions) *LMStudio {
	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	if opts.MaxToolSteps <= 0 {
		opts.MaxToolSteps = 5
	}
	if opts.Breaker == nil {
		opts.Breaker = upstream.ModelBreaker(cfg.BaseURL)
	}
	counter := opts.Counter
	if counter == nil {
		counter = tiktoken.NewEncoder(opts.Model)
	}
	return &LMStudio{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxSteps:    opts.MaxToolSteps,
		prompt:      prompt.Options{MaxTokens: opts.MaxTokens, Counter: counter},
		tools:       opts.Tools,
		breaker:     opts.Breaker,
	}
}

func (l *LMStudio) messages(req Request) []openai.ChatCompletionMessage {
	built := prompt.Build(req.History, req.Message, l.prompt)
	if req.OnPrompt != nil {
		req.OnPrompt(built)
	}
	metrics.TokensProcessed.WithLabelValues("prompt").Add(float64(built.Tokens))
	if built.DroppedTurns > 0 {
		metrics.TokensProcessed.WithLabelValues("clipped").Add(float64(built.DroppedTokens))
		slog.Debug("Clipped conversation history", "turns", built.DroppedTurns, "tokens", built.DroppedTokens)
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(built.Turns))
	for _, t := range built.Turns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

func (l *LMStudio) declaredTools(req Request) []openai.Tool {
	if req.NoTools || l.tools == nil {
		return nil
	}
	var out []openai.Tool
	for _, t := range l.tools.Tools() {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (l *LMStudio) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       l.model,
			Messages:    l.messages(req),
			Temperature: l.temperature,
		})
	})
	metrics.UpstreamDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("generate", "error").Inc()
		return "", fmt.Errorf("generate: %w", err)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues("generate", "ok").Inc()

	resp := out.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return "", errors.New("generate: model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (l *LMStudio) open(ctx context.Context, msgs []openai.ChatCompletionMessage, decl []openai.Tool) (*openai.ChatCompletionStream, error) {
	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       l.model,
			Messages:    msgs,
			Temperature: l.temperature,
			Tools:       decl,
			Stream:      true,
		})
	})
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("stream", "error").Inc()
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues("stream", "ok").Inc()
	return out.(*openai.ChatCompletionStream), nil
}

// Stream opens the first model request synchronously so connection failures surface
// before anything is relayed. The rest of the turn is produced by one goroutine.
func (l *LMStudio) Stream(ctx context.Context, req Request) (EventStream, error) {
	msgs := l.messages(req)
	decl := l.declaredTools(req)

	ctx, cancel := context.WithCancel(ctx)
	first, err := l.open(ctx, msgs, decl)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &chanStream{events: make(chan Event, 16), ctx: ctx, cancel: cancel}
	go l.run(s, first, msgs, decl)
	return s, nil
}

type chanStream struct {
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Recv drains buffered events before reporting the end. A turn cut short by
// cancellation ends with the context error instead of io.EOF.
func (s *chanStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		if err := s.ctx.Err(); err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	return ev, nil
}

func (s *chanStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// emit reports false once the consumer has gone away.
func (s *chanStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (l *LMStudio) run(s *chanStream, stream *openai.ChatCompletionStream, msgs []openai.ChatCompletionMessage, decl []openai.Tool) {
	defer close(s.events)

	started := time.Now()
	defer func() {
		metrics.UpstreamDuration.WithLabelValues("stream").Observe(time.Since(started).Seconds())
	}()

	if !s.emit(Event{Kind: KindStart}) {
		stream.Close()
		return
	}
	for step := 0; step < l.maxSteps; step++ {
		if step > 0 {
			var err error
			stream, err = l.open(s.ctx, msgs, decl)
			if err != nil {
				s.emit(Event{Kind: KindError, Error: err.Error()})
				return
			}
		}
		text, calls, reason, ok := l.step(s, stream)
		stream.Close()
		if !ok {
			return
		}
		if len(calls) == 0 {
			if reason == "" {
				reason = string(openai.FinishReasonStop)
			}
			if s.emit(Event{Kind: KindStepFinish}) {
				s.emit(Event{Kind: KindFinish, FinishReason: reason})
			}
			return
		}

		assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}
		for _, c := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
				ID:       c.id,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: c.name, Arguments: c.args.String()},
			})
		}
		msgs = append(msgs, assistant)

		for _, c := range calls {
			args := json.RawMessage(c.args.String())
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			if !s.emit(Event{Kind: KindToolCall, ToolName: c.name, ToolCallID: c.id, Args: args}) {
				return
			}
			result := l.callTool(s.ctx, c.name, json.RawMessage(c.args.String()))
			if !s.emit(Event{Kind: KindToolResult, ToolName: c.name, ToolCallID: c.id, Result: result}) {
				return
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(result),
				ToolCallID: c.id,
			})
		}
		if !s.emit(Event{Kind: KindStepFinish}) {
			return
		}
	}
	s.emit(Event{Kind: KindFinish, FinishReason: string(openai.FinishReasonToolCalls)})
}

func (l *LMStudio) callTool(ctx context.Context, name string, args json.RawMessage) json.RawMessage {
	var out any
	if l.tools == nil {
		out = tools.Failure(fmt.Errorf("%w: %s", tools.ErrUnknownTool, name))
	} else if res, err := l.tools.Call(ctx, name, args); err != nil {
		out = tools.Failure(err)
	} else {
		out = res
	}
	b, err := json.Marshal(out)
	if err != nil {
		b, _ = json.Marshal(tools.Failure(err))
	}
	return b
}

// step consumes one model response. ok is false when the turn must end, either because
// the consumer left or because an error event was emitted.
func (l *LMStudio) step(s *chanStream, stream *openai.ChatCompletionStream) (text string, calls []*pendingCall, reason string, ok bool) {
	var (
		b         strings.Builder
		reasoning bool
		textOpen  bool
		byIndex   = map[int]*pendingCall{}
	)
	closeOpen := func() bool {
		if reasoning {
			reasoning = false
			if !s.emit(Event{Kind: KindReasoningFinish}) {
				return false
			}
		}
		if textOpen {
			textOpen = false
			if !s.emit(Event{Kind: KindTextFinish}) {
				return false
			}
		}
		return true
	}

	if !s.emit(Event{Kind: KindStepStart}) {
		return "", nil, "", false
	}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return "", nil, "", false
			}
			s.emit(Event{Kind: KindError, Error: err.Error()})
			return "", nil, "", false
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		d := choice.Delta

		if d.ReasoningContent != "" {
			if !reasoning {
				reasoning = true
				if !s.emit(Event{Kind: KindReasoningStart}) {
					return "", nil, "", false
				}
			}
			if !s.emit(Event{Kind: KindReasoningDelta, Text: d.ReasoningContent}) {
				return "", nil, "", false
			}
		}
		if d.Content != "" {
			if reasoning {
				reasoning = false
				if !s.emit(Event{Kind: KindReasoningFinish}) {
					return "", nil, "", false
				}
			}
			if !textOpen {
				textOpen = true
				if !s.emit(Event{Kind: KindTextStart}) {
					return "", nil, "", false
				}
			}
			b.WriteString(d.Content)
			if !s.emit(Event{Kind: KindTextDelta, Text: d.Content}) {
				return "", nil, "", false
			}
		}
		for _, tc := range d.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			c, seen := byIndex[idx]
			if !seen {
				c = &pendingCall{index: idx}
				byIndex[idx] = c
			}
			if tc.ID != "" {
				c.id = tc.ID
			}
			if tc.Function.Name != "" {
				c.name = tc.Function.Name
			}
			c.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			reason = string(choice.FinishReason)
		}
	}
	if !closeOpen() {
		return "", nil, "", false
	}

	for _, c := range byIndex {
		if c.name == "" {
			continue
		}
		if c.id == "" {
			c.id = "call_" + uuid.NewString()
		}
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].index < calls[j].index })
	return b.String(), calls, reason, true
}

var _ Source = (*LMStudio)(nil)

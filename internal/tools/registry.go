// Package tools declares the capabilities the language model may invoke mid-turn.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"taxgpt-api/internal/metrics"
)

// Canonical tool names.
const (
	GetTaxData          = "get-tax-data"
	CalculateDeductions = "calculate-deductions"
	GenerateTaxPDF      = "generate-tax-pdf"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Tool is one named capability. Parameters is a JSON schema for the arguments object.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Execute     func(ctx context.Context, args json.RawMessage) (any, error)
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry validates arguments against each tool's schema before executing it.
type Registry struct {
	order []string
	tools map[string]*entry
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*entry, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		schema, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return nil, err
		}
		r.tools[t.Name] = &entry{tool: t, schema: schema}
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %s: unmarshal schema: %w", name, err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return schema, nil
}

// Tools returns the declared tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].tool)
	}
	return out
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Call validates args and runs the named tool.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	e, ok := r.tools[name]
	if !ok {
		metrics.ToolCalls.WithLabelValues("unknown", "unknown").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "invalid").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, name, err)
	}
	if err := e.schema.Validate(inst); err != nil {
		metrics.ToolCalls.WithLabelValues(name, "invalid").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, name, err)
	}

	result, err := e.tool.Execute(ctx, args)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		slog.Warn("Tool execution failed", "tool", name, "error", err)
		return nil, err
	}
	metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	return result, nil
}

// FailureResult is what the model sees when a call could not run.
type FailureResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func Failure(err error) FailureResult {
	return FailureResult{Success: false, Error: err.Error()}
}

package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/mcp-radius-sql/mcp"
	"github.com/ggoodman/mcp-radius-sql/sessions"
)

// ToolHandler is the function signature used to handle a tool invocation. A
// returned error is an unexpected failure; caller mistakes are reported in
// the result with IsError set.
type ToolHandler func(ctx context.Context, session *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// Normalizer is implemented by argument structs that apply defaults or check
// constraints after decoding.
type Normalizer interface {
	Normalize() error
}

// ToolRequest is the container for tool call input and request metadata.
// It is generic over the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	args A
}

func (r *ToolRequest[A]) Name() string { return r.name }
func (r *ToolRequest[A]) Args() A      { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title       string
	description string
	annotations *mcp.ToolAnnotations
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolTitle sets the human-readable title shown by clients.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolAnnotations attaches behavioural hints to the descriptor.
func WithToolAnnotations(a mcp.ToolAnnotations) ToolOption {
	return func(c *toolConfig) { c.annotations = &a }
}

// NewTool constructs a StaticTool from a typed args struct A. It:
//   - reflects a JSON Schema from A using invopop/jsonschema and converts it
//     to mcp.ToolInputSchema, bounds and defaults included;
//   - decodes arguments strictly, rejecting unknown fields;
//   - runs Normalize when *A implements Normalizer.
//
// Decode and normalize failures become error results with the text
// {"error":"invalid arguments: ..."}.
func NewTool[A any](name string, fn func(ctx context.Context, session *sessions.Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectToMCPInputSchema[A](),
		Annotations: cfg.annotations,
	}

	handler := func(ctx context.Context, session *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments)
		if err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, args: a}
		if err := fn(ctx, session, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

func decodeArgs[A any](raw json.RawMessage) (A, error) {
	var a A
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&a); err != nil {
			return a, err
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return a, fmt.Errorf("trailing data after arguments object")
		}
	}
	if n, ok := any(&a).(Normalizer); ok {
		if err := n.Normalize(); err != nil {
			return a, err
		}
	}
	return a, nil
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema.
func reflectToMCPInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to MCP ToolInputSchema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Pattern:     s.Pattern,
		Default:     s.Default,
		MinLength:   s.MinLength,
		MaxLength:   s.MaxLength,
		MaxItems:    s.MaxItems,
		Minimum:     number(s.Minimum),
		Maximum:     number(s.Maximum),
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
		if len(s.Required) > 0 {
			p.Required = append([]string(nil), s.Required...)
		}
	}
	return p
}

func number(n json.Number) *float64 {
	if n == "" {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil
	}
	return &f
}

package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-radius-sql/mcp"
	"github.com/ggoodman/mcp-radius-sql/sessions"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"minLength=1,maxLength=16,description=Text to echo"`
	Times   int    `json:"times,omitempty" jsonschema:"minimum=1,maximum=5,default=1"`
	Mode    string `json:"mode,omitempty" jsonschema:"enum=plain,enum=shout"`
}

func (a *echoArgs) Normalize() error {
	if a.Times == 0 {
		a.Times = 1
	}
	if a.Times < 1 || a.Times > 5 {
		return fmt.Errorf("times must be between 1 and 5")
	}
	if a.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

func echoTool() StaticTool {
	return NewTool[echoArgs]("echo", func(ctx context.Context, _ *sessions.Session, w ToolResponseWriter, r *ToolRequest[echoArgs]) error {
		msg := strings.Repeat(r.Args().Message, r.Args().Times)
		if r.Args().Mode == "shout" {
			msg = strings.ToUpper(msg)
		}
		return w.AppendText(msg)
	}, WithToolDescription("Echo a message back"), WithToolAnnotations(mcp.ToolAnnotations{ReadOnlyHint: ptr(true)}))
}

func ptr[T any](v T) *T { return &v }

func call(t *testing.T, c *ToolsContainer, name, args string) (*mcp.CallToolResult, error) {
	t.Helper()
	return c.CallTool(context.Background(), nil, &mcp.CallToolRequestReceived{Name: name, Arguments: json.RawMessage(args)})
}

func TestNewToolSchema(t *testing.T) {
	d := echoTool().Descriptor
	if d.Name != "echo" || d.Description != "Echo a message back" {
		t.Fatalf("descriptor: %+v", d)
	}
	if d.Annotations == nil || d.Annotations.ReadOnlyHint == nil || !*d.Annotations.ReadOnlyHint {
		t.Fatalf("annotations: %+v", d.Annotations)
	}
	s := d.InputSchema
	if s.Type != "object" || s.AdditionalProperties {
		t.Fatalf("root schema: %+v", s)
	}
	if !reflect.DeepEqual(s.Required, []string{"message"}) {
		t.Fatalf("required: %v", s.Required)
	}

	msg := s.Properties["message"]
	if msg.Type != "string" || msg.MinLength == nil || *msg.MinLength != 1 || msg.MaxLength == nil || *msg.MaxLength != 16 {
		t.Fatalf("message property: %+v", msg)
	}
	if msg.Description != "Text to echo" {
		t.Fatalf("message description: %q", msg.Description)
	}

	times := s.Properties["times"]
	if times.Type != "integer" || times.Minimum == nil || *times.Minimum != 1 || times.Maximum == nil || *times.Maximum != 5 {
		t.Fatalf("times property: %+v", times)
	}
	if times.Default == nil {
		t.Fatal("times default missing")
	}

	if mode := s.Properties["mode"]; len(mode.Enum) != 2 {
		t.Fatalf("mode enum: %+v", mode.Enum)
	}
}

func TestCallToolDecoding(t *testing.T) {
	c := NewToolsContainer([]StaticTool{echoTool()})

	tests := []struct {
		name    string
		args    string
		want    string
		isError bool
	}{
		{name: "ok", args: `{"message":"hi"}`, want: "hi"},
		{name: "repeat", args: `{"message":"ab","times":3}`, want: "ababab"},
		{name: "unknown field", args: `{"message":"hi","extra":1}`, isError: true},
		{name: "bad type", args: `{"message":7}`, isError: true},
		{name: "normalize rejects", args: `{"message":"hi","times":9}`, isError: true},
		{name: "missing args", args: ``, isError: true},
		{name: "trailing data", args: `{"message":"hi"} {}`, isError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := call(t, c, "echo", tt.args)
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if res.IsError != tt.isError {
				t.Fatalf("IsError = %v, content %+v", res.IsError, res.Content)
			}
			if tt.isError {
				var body struct{ Error string }
				if err := json.Unmarshal([]byte(res.Content[0].Text), &body); err != nil {
					t.Fatalf("error body is not JSON: %q", res.Content[0].Text)
				}
				if !strings.HasPrefix(body.Error, "invalid arguments: ") {
					t.Fatalf("error text: %q", body.Error)
				}
				return
			}
			if got := res.Content[0].Text; got != tt.want {
				t.Fatalf("text: got %q want %q", got, tt.want)
			}
		})
	}
}

func TestCallToolUnknown(t *testing.T) {
	c := NewToolsContainer([]StaticTool{echoTool()})
	if _, err := call(t, c, "nope", `{}`); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("want ErrToolNotFound, got %v", err)
	}
	if _, err := c.CallTool(context.Background(), nil, &mcp.CallToolRequestReceived{}); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("missing name: want ErrToolNotFound, got %v", err)
	}
}

type noArgs struct{}

func TestCallToolRecoversPanic(t *testing.T) {
	c := NewToolsContainer([]StaticTool{
		NewTool[noArgs]("explode", func(context.Context, *sessions.Session, ToolResponseWriter, *ToolRequest[noArgs]) error {
			panic("kaboom")
		}),
	})
	_, err := call(t, c, "explode", `{}`)
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("want *PanicError, got %v", err)
	}
	if pe.Tool != "explode" || pe.Value != "kaboom" || len(pe.Stack) == 0 {
		t.Fatalf("panic error: %+v", pe)
	}
}

func TestListToolsPagination(t *testing.T) {
	var defs []StaticTool
	for i := range 5 {
		defs = append(defs, NewTool[noArgs](fmt.Sprintf("tool_%d", i), func(context.Context, *sessions.Session, ToolResponseWriter, *ToolRequest[noArgs]) error {
			return nil
		}))
	}
	c := NewToolsContainer(defs, WithPageSize(2))

	var names []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
		page, err := c.ListTools(context.Background(), cursor)
		if err != nil {
			t.Fatalf("ListTools(%q): %v", cursor, err)
		}
		for _, tool := range page.Items {
			names = append(names, tool.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	want := []string{"tool_0", "tool_1", "tool_2", "tool_3", "tool_4"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("order: got %v", names)
	}

	for _, bad := range []string{"x", "-1", "99"} {
		if _, err := c.ListTools(context.Background(), bad); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("cursor %q: want ErrInvalidCursor, got %v", bad, err)
		}
	}
}

func TestNewToolsContainerRejectsDuplicates(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate tool name")
		}
	}()
	NewToolsContainer([]StaticTool{echoTool(), echoTool()})
}

func TestJSONError(t *testing.T) {
	res := JSONError(`User 'bob' already exists`)
	if !res.IsError {
		t.Fatal("IsError not set")
	}
	if got := res.Content[0].Text; got != `{"error":"User 'bob' already exists"}` {
		t.Fatalf("text: %s", got)
	}
}

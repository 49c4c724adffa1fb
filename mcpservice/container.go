package mcpservice

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/ggoodman/mcp-radius-sql/mcp"
	"github.com/ggoodman/mcp-radius-sql/sessions"
)

var (
	// ErrToolNotFound is returned by CallTool for a name the container does
	// not hold.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidCursor is returned by ListTools for a cursor it did not issue.
	ErrInvalidCursor = errors.New("invalid cursor")
)

const defaultPageSize = 50

// Page is one slice of a paginated listing. NextCursor is empty on the last
// page.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// ToolsContainer holds a fixed, ordered set of tools. It is built once and
// never mutated, so it is safe for concurrent use without locking.
type ToolsContainer struct {
	tools    []mcp.Tool
	handlers map[string]ToolHandler
	pageSize int
}

// ContainerOption configures a ToolsContainer.
type ContainerOption func(*ToolsContainer)

// WithPageSize sets the ListTools page size. Non-positive values are ignored.
func WithPageSize(n int) ContainerOption {
	return func(c *ToolsContainer) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewToolsContainer collects defs in order. It panics on a duplicate or empty
// tool name since both are programming errors.
func NewToolsContainer(defs []StaticTool, opts ...ContainerOption) *ToolsContainer {
	c := &ToolsContainer{
		tools:    make([]mcp.Tool, 0, len(defs)),
		handlers: make(map[string]ToolHandler, len(defs)),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, d := range defs {
		name := d.Descriptor.Name
		if name == "" {
			panic("mcpservice: tool with empty name")
		}
		if _, dup := c.handlers[name]; dup {
			panic(fmt.Sprintf("mcpservice: duplicate tool %q", name))
		}
		c.tools = append(c.tools, d.Descriptor)
		c.handlers[name] = d.Handler
	}
	return c
}

// Len reports how many tools the container holds.
func (c *ToolsContainer) Len() int { return len(c.tools) }

// Snapshot returns a copy of every tool descriptor in registration order.
func (c *ToolsContainer) Snapshot() []mcp.Tool {
	return append([]mcp.Tool(nil), c.tools...)
}

// ListTools returns the page starting at cursor. An empty cursor requests the
// first page.
func (c *ToolsContainer) ListTools(_ context.Context, cursor string) (Page[mcp.Tool], error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(c.tools) {
			return Page[mcp.Tool]{}, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
		}
		start = n
	}
	end := min(start+c.pageSize, len(c.tools))

	page := Page[mcp.Tool]{Items: append([]mcp.Tool{}, c.tools[start:end]...)}
	if end < len(c.tools) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// CallTool dispatches req to the named tool. A panicking handler is
// recovered and returned as a *PanicError.
func (c *ToolsContainer) CallTool(ctx context.Context, session *sessions.Session, req *mcp.CallToolRequestReceived) (res *mcp.CallToolResult, err error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrToolNotFound)
	}
	h, ok := c.handlers[req.Name]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &PanicError{Tool: req.Name, Value: r, Stack: debug.Stack()}
		}
	}()
	return h(ctx, session, req)
}

// PanicError carries a recovered tool panic.
type PanicError struct {
	Tool  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v", e.Tool, e.Value)
}

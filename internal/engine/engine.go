// Package engine implements the MCP method surface of the gateway on top of
// a sessions.Session and a fixed tool catalogue. It is transport-agnostic:
// the HTTP gateway decodes messages and hands them to the engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-radius-sql/internal/jsonrpc"
	"github.com/ggoodman/mcp-radius-sql/internal/logctx"
	"github.com/ggoodman/mcp-radius-sql/internal/metrics"
	"github.com/ggoodman/mcp-radius-sql/mcp"
	"github.com/ggoodman/mcp-radius-sql/mcpservice"
	"github.com/ggoodman/mcp-radius-sql/sessions"
)

// DefaultServerInfo is advertised in initialize results unless overridden.
var DefaultServerInfo = mcp.ImplementationInfo{Name: "radius-sql", Version: "1.0.0"}

// Engine dispatches JSON-RPC requests and notifications for one tool
// catalogue. It holds no per-session state of its own.
type Engine struct {
	tools        *mcpservice.ToolsContainer
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithServerInfo overrides the name and version returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the optional instructions string of initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

func NewEngine(tools *mcpservice.ToolsContainer, opts ...EngineOption) *Engine {
	e := &Engine{
		tools: tools,
		info:  DefaultServerInfo,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = logctx.Wrap(e.log)
	return e
}

// Connect is the session registry handshake. It runs once per new session,
// before the session becomes visible to other requests.
func (e *Engine) Connect(ctx context.Context, sess *sessions.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.metrics.Handshake()
	e.log.InfoContext(ctx, "engine.session.connect",
		slog.String("session_id", sess.ID),
		slog.String("server", e.info.Name),
		slog.Int("tool_count", e.tools.Len()),
	)
	return nil
}

// HandleRequest answers one request. Protocol-level failures are returned as
// JSON-RPC error responses; the error return is reserved for failures to
// build a response at all.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch req.Method {
	case string(mcp.InitializeMethod):
		return e.handleInitialize(ctx, sess, req)
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, struct{}{})
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, sess, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unsupported", slog.String("method", req.Method))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

func negotiateVersion(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

func (e *Engine) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	version := negotiateVersion(params.ProtocolVersion)
	if !sess.Negotiate(version, params.ClientInfo) {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "already initialized"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{ListChanged: false}},
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	}
	log.InfoContext(ctx, "engine.session.initialize",
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("protocol_version", version),
		slog.String("client", params.ClientInfo.Name),
	)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	page, err := e.tools.ListTools(ctx, params.Cursor)
	if err != nil {
		if errors.Is(err, mcpservice.ErrInvalidCursor) {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid cursor", nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: page.Items, NextCursor: page.NextCursor})
}

func (e *Engine) handleToolCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing tool name", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	// notifications/cancelled on this session can abort the call.
	toolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	untrack, ok := sess.Track(req.ID.Key(), cancel)
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "duplicate request id"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "request id already in flight", nil), nil
	}
	defer untrack()

	res, err := e.tools.CallTool(toolCtx, sess, &params)
	dur := time.Since(start)
	if err != nil {
		var pe *mcpservice.PanicError
		switch {
		case errors.Is(err, mcpservice.ErrToolNotFound):
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
		case errors.As(err, &pe):
			log.ErrorContext(ctx, "engine.tool.panic", slog.Any("panic", pe.Value), slog.String("stack", string(pe.Stack)))
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			e.metrics.ToolCall(params.Name, metrics.OutcomeError, dur)
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", dur.Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		default:
			log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		}
		res = mcpservice.InternalError()
	}

	outcome := metrics.OutcomeOK
	switch {
	case mcpservice.IsInternalError(res):
		outcome = metrics.OutcomeError
	case res.IsError:
		outcome = metrics.OutcomeCallerError
	}
	e.metrics.ToolCall(params.Name, outcome, dur)

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", dur.Milliseconds()), slog.String("outcome", outcome))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification applies a client notification to sess. Unknown
// notifications are ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Session, note *jsonrpc.Request) error {
	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		sess.MarkInitialized()
		e.log.InfoContext(ctx, "engine.session.initialized")
		return nil

	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotificationParams
		if err := json.Unmarshal(note.Params, &params); err != nil || len(params.RequestID) == 0 {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("method", note.Method))
			return nil
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("method", note.Method), slog.String("err", err.Error()))
			return nil
		}
		found := sess.CancelRequest(id.Key())
		e.log.InfoContext(ctx, "engine.request.cancelled",
			slog.String("request_id", id.String()),
			slog.Bool("found", found),
			slog.String("reason", params.Reason),
		)
		return nil
	}

	e.log.DebugContext(ctx, "engine.handle_notification.ignored", slog.String("method", note.Method))
	return nil
}

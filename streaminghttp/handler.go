package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-radius-sql/auth"
	"github.com/ggoodman/mcp-radius-sql/internal/engine"
	"github.com/ggoodman/mcp-radius-sql/internal/jsonrpc"
	"github.com/ggoodman/mcp-radius-sql/internal/logctx"
	"github.com/ggoodman/mcp-radius-sql/internal/metrics"
	"github.com/ggoodman/mcp-radius-sql/internal/wellknown"
	"github.com/ggoodman/mcp-radius-sql/mcp"
	"github.com/ggoodman/mcp-radius-sql/sessions"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

const (
	DefaultPath      = "/mcp"
	DefaultRealm     = "MCP Server"
	defaultKeepAlive = 25 * time.Second
	maxBodyBytes     = 4 << 20
)

// writeJSONError emits a transport-level error body, used before a JSON-RPC
// exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	path      string
	realm     string
	health    HealthChecker
	keepAlive time.Duration

	resource string
	issuers  []string
}

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithMetrics records per-route request counts and mounts GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithPath sets the MCP endpoint path. Defaults to /mcp.
func WithPath(path string) Option {
	return func(c *newConfig) { c.path = path }
}

// WithRealm sets the realm advertised in Bearer challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = realm }
}

// WithHealth mounts an unauthenticated GET /health backed by checker.
func WithHealth(checker HealthChecker) Option {
	return func(c *newConfig) { c.health = checker }
}

// WithProtectedResource serves OAuth protected resource metadata (RFC 9728)
// for resource, the public URL of the MCP endpoint, and points Bearer
// challenges at it. Use it when tokens are issued by the given issuers.
func WithProtectedResource(resource string, issuers ...string) Option {
	return func(c *newConfig) {
		c.resource = resource
		c.issuers = issuers
	}
}

// WithKeepAlive sets the interval of SSE comment frames on GET streams. A
// non-positive value disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// StreamingHTTPHandler serves the MCP streamable HTTP transport over a
// session registry and protocol engine.
type StreamingHTTPHandler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	auth      auth.Authenticator
	eng       *engine.Engine
	registry  *sessions.Registry
	metrics   *metrics.Metrics
	realm     string
	keepAlive time.Duration

	// resourceMetadataURL is advertised in Bearer challenges when set.
	resourceMetadataURL string
}

// New constructs a StreamingHTTPHandler. The registry should have been
// built with the engine's Connect as its handshake.
func New(registry *sessions.Registry, eng *engine.Engine, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if registry == nil {
		return nil, errors.New("streaminghttp: registry is required")
	}
	if eng == nil {
		return nil, errors.New("streaminghttp: engine is required")
	}
	if authenticator == nil {
		return nil, errors.New("streaminghttp: authenticator is required")
	}

	cfg := newConfig{
		path:      DefaultPath,
		realm:     DefaultRealm,
		keepAlive: defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !strings.HasPrefix(cfg.path, "/") || cfg.path == "/" {
		return nil, fmt.Errorf("streaminghttp: invalid path %q", cfg.path)
	}
	cfg.path = strings.TrimSuffix(cfg.path, "/")

	log := cfg.logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &StreamingHTTPHandler{
		mux:       http.NewServeMux(),
		log:       logctx.Wrap(log),
		auth:      authenticator,
		eng:       eng,
		registry:  registry,
		metrics:   cfg.metrics,
		realm:     cfg.realm,
		keepAlive: cfg.keepAlive,
	}

	h.mux.HandleFunc("POST "+cfg.path, h.handlePostMCP)
	h.mux.HandleFunc("GET "+cfg.path, h.handleGetMCP)
	h.mux.HandleFunc("DELETE "+cfg.path, h.handleDeleteMCP)
	h.mux.HandleFunc("DELETE "+cfg.path+"/sessions/{sessionId}", h.handleDeleteMCP)
	if cfg.health != nil {
		h.mux.Handle("GET /health", NewHealthHandler(cfg.health, log))
	}
	if cfg.metrics != nil {
		h.mux.Handle("GET /metrics", cfg.metrics.Handler())
	}
	if cfg.resource != "" {
		metaPath, err := wellknown.MetadataPath(cfg.resource)
		if err != nil {
			return nil, fmt.Errorf("streaminghttp: %w", err)
		}
		h.resourceMetadataURL, _ = wellknown.MetadataURL(cfg.resource)
		doc := wellknown.NewProtectedResourceMetadata(cfg.resource, cfg.realm, cfg.issuers...)
		h.mux.HandleFunc("GET "+metaPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			writeJSON(w, http.StatusOK, doc)
		})
	}

	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w}
	h.mux.ServeHTTP(rec, r)

	// ServeMux records the matched pattern on r.
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	h.metrics.HTTPRequest(route, rec.Status())
}

// handlePostMCP accepts one client message, creating the session on first
// contact.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	userInfo, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sess, created, err := h.registry.ResolveOrCreate(ctx, r.Header.Get(mcpSessionIDHeader))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		h.log.ErrorContext(ctx, "session.resolve.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		UserID:          userInfo.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})
	if created {
		h.log.InfoContext(ctx, "session.create.ok")
	}
	w.Header().Set(mcpSessionIDHeader, sess.ID)

	switch msg.Type() {
	case "notification":
		if err := h.eng.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			h.log.ErrorContext(ctx, "rpc.notification.fail", slog.String("err", err.Error()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return

	case "response":
		// The server never issues requests to the client, so there is
		// nothing to correlate.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.response.ignored")
		return
	}

	req := msg.AsRequest()
	res, err := h.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.request.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	payload, err := json.Marshal(res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		h.log.ErrorContext(ctx, "rpc.response.encode.fail", slog.String("err", err.Error()))
		return
	}

	if v := sess.ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}

	if req.Method == string(mcp.InitializeMethod) || !acceptsEventStream(r) {
		writeJSON(w, http.StatusOK, json.RawMessage(payload))
		h.log.InfoContext(ctx, "http.post.ok", slog.String("mode", "json"), slog.Duration("dur", time.Since(start)))
		return
	}

	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: w.(http.Flusher), ctx: ctx}

	// The inline event carries no ID: it bypasses the session stream. If the
	// write fails the response is published there instead so a GET stream
	// can still deliver it.
	if err := writeSSEEvent(wf, "", payload); err != nil {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		if _, pubErr := sess.Stream().Publish(context.WithoutCancel(ctx), payload); pubErr != nil {
			h.log.ErrorContext(ctx, "session.publish.fail", slog.String("err", pubErr.Error()))
		}
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.String("mode", "sse"), slog.Duration("dur", time.Since(start)))
}

// handleGetMCP streams messages published to an existing session.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	userInfo, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Session ID required for SSE"})
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, ok := h.registry.Lookup(sessID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		UserID:          userInfo.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})

	if !acceptsEventStream(r) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported")
		return
	}

	setEventStreamHeaders(w)
	if v := sess.ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wf := &lockedWriteFlusher{Writer: w, Flusher: w.(http.Flusher), ctx: ctx}
	wf.Flush()

	if h.keepAlive > 0 {
		go h.keepAliveLoop(ctx, wf)
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	err := sess.Stream().Subscribe(ctx, lastEventID, func(_ context.Context, eventID string, data []byte) error {
		return writeSSEEvent(wf, eventID, data)
	})
	switch {
	case err == nil, errors.Is(err, sessions.ErrStreamClosed):
		h.log.InfoContext(ctx, "sse.stream.closed", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, sessions.ErrUnknownEventID):
		h.log.WarnContext(ctx, "sse.replay.unknown_event", slog.String("last_event_id", lastEventID))
	case ctx.Err() != nil:
		h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

func (h *StreamingHTTPHandler) keepAliveLoop(ctx context.Context, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := wf.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// handleDeleteMCP terminates a session named by path or header.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if _, ok := h.checkAuthentication(ctx, r, w); !ok {
		return
	}

	sessID := r.PathValue("sessionId")
	if sessID == "" {
		sessID = r.Header.Get(mcpSessionIDHeader)
	}
	if sessID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Session ID required"})
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	if !h.registry.Close(ctx, sessID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Session closed"})
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// checkAuthentication runs the bearer credential gate. Every rejection is a
// 401 with the same body so callers cannot tell the causes apart.
func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.UserInfo, bool) {
	tok, reason := bearerToken(r.Header.Get(authorizationHeader))
	if reason == "" {
		userInfo, err := h.auth.CheckAuthentication(ctx, tok)
		if err == nil {
			h.log.DebugContext(ctx, "auth.ok", slog.String("user_id", userInfo.UserID()))
			return userInfo, true
		}
		if !errors.Is(err, auth.ErrUnauthorized) {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			h.log.ErrorContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			return nil, false
		}
		reason = "invalid credentials"
	}

	h.log.WarnContext(ctx, "auth.reject", slog.String("path", r.URL.Path), slog.String("reason", reason))
	challenge := fmt.Sprintf("Bearer realm=%q", h.realm)
	if h.resourceMetadataURL != "" {
		challenge += fmt.Sprintf(", resource_metadata=%q", h.resourceMetadataURL)
	}
	w.Header().Set(wwwAuthenticateHeader, challenge)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	return nil, false
}

// bearerToken extracts the token of a Bearer authorization header. A non-empty
// reason describes why no token could be extracted.
func bearerToken(header string) (tok, reason string) {
	if header == "" {
		return "", "missing authorization header"
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "malformed authorization header"
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", "malformed authorization header"
	}
	return tok, ""
}

// acceptsEventStream reports whether the request explicitly accepts SSE.
func acceptsEventStream(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

func setEventStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one frame. The frame is written under a single lock
// so keepalive comments cannot interleave with it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	var b strings.Builder
	if msgID != "" {
		fmt.Fprintf(&b, "id: %s\n", msgID)
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	if _, err := wf.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}

// statusRecorder captures the status code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

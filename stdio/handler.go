package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-radius-sql/internal/engine"
	"github.com/ggoodman/mcp-radius-sql/internal/jsonrpc"
	"github.com/ggoodman/mcp-radius-sql/internal/logctx"
	"github.com/ggoodman/mcp-radius-sql/sessions"
	"github.com/ggoodman/mcp-radius-sql/sessions/memorystream"
)

// maxLineBytes bounds a single inbound message.
const maxLineBytes = 4 << 20

// Handler is a single-connection stdio transport that reads newline-delimited
// JSON-RPC messages from an io.Reader and writes responses to an io.Writer.
// By default, it uses os.Stdin and os.Stdout. The peer is identified by a
// UserProvider, which defaults to the current OS user.
type Handler struct {
	eng          *engine.Engine
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider

	writeMu sync.Mutex
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng:          eng,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = logctx.Wrap(h.l)
	return h
}

// Serve runs the event loop until EOF on the reader or ctx ends. It is safe
// to call at most once per Handler. Requests run concurrently so that
// notifications/cancelled can reach them; responses are written whole, one
// per line, in completion order. Serve waits for in-flight requests before
// returning.
func (h *Handler) Serve(ctx context.Context) error {
	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("stdio: resolve user: %w", err)
	}

	reg := sessions.NewRegistry(memorystream.New(), sessions.WithHandshake(h.eng.Connect), sessions.WithLogger(h.l))
	defer func() { _ = reg.CloseAll(context.WithoutCancel(ctx)) }()

	sess, _, err := reg.ResolveOrCreate(ctx, "")
	if err != nil {
		return fmt.Errorf("stdio: create session: %w", err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, UserID: userID})
	h.l.InfoContext(ctx, "stdio.serve.start")

	var inflight sync.WaitGroup
	defer inflight.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.serve.cancelled")
			return nil
		case err := <-readErr:
			if err != nil {
				h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: read: %w", err)
			}
			h.l.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			h.dispatch(ctx, sess, line, &inflight)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *sessions.Session, line []byte, inflight *sync.WaitGroup) {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		code, text := jsonrpc.ErrorCodeParseError, "parse error"
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			code, text = jsonrpc.ErrorCodeInvalidRequest, err.Error()
		}
		h.l.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		h.write(ctx, jsonrpc.NewErrorResponse(nil, code, text, nil))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	switch msg.Type() {
	case "notification":
		if err := h.eng.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
			h.l.ErrorContext(ctx, "rpc.notification.fail", slog.String("err", err.Error()))
		}
	case "response":
		h.l.DebugContext(ctx, "rpc.response.ignored")
	default:
		req := msg.AsRequest()
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			res, err := h.eng.HandleRequest(ctx, sess, req)
			if err != nil {
				h.l.ErrorContext(ctx, "rpc.request.fail", slog.String("err", err.Error()))
				res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
			}
			h.write(ctx, res)
		}()
	}
}

func (h *Handler) write(ctx context.Context, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		h.l.ErrorContext(ctx, "rpc.response.encode.fail", slog.String("err", err.Error()))
		return
	}
	b = append(b, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

package radiustools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-radius-sql/internal/logctx"
	"github.com/ggoodman/mcp-radius-sql/mcp"
	"github.com/ggoodman/mcp-radius-sql/mcpservice"
	"github.com/ggoodman/mcp-radius-sql/sessions"
	"github.com/ggoodman/mcp-radius-sql/store"
)

// Store is the subset of *store.Store the tools depend on.
type Store interface {
	RecentAuth(ctx context.Context, limit int) ([]store.AuthRecord, error)
	FailedAuth(ctx context.Context, window time.Duration, limit int) ([]store.AuthRecord, error)
	ByMAC(ctx context.Context, mac string) (*store.Activity, error)
	ByUser(ctx context.Context, username string) (*store.Activity, error)
	RecentAcct(ctx context.Context, limit int) ([]store.AcctRecord, error)
	ActiveSessions(ctx context.Context) ([]store.AcctRecord, error)
	ByNAS(ctx context.Context, nasIdentifier string) (*store.Activity, error)
	BandwidthTop(ctx context.Context, window time.Duration, limit int) ([]store.BandwidthUsage, error)
	Health(ctx context.Context) store.HealthStatus

	CreateUser(ctx context.Context, u store.NewUser) error
	GetUser(ctx context.Context, username string) (*store.User, error)
	UpdateUser(ctx context.Context, p store.UserPatch) error
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context, q store.ListUsersQuery) (*store.UserPage, error)
}

var _ Store = (*store.Store)(nil)

type Option func(*builder)

func WithLogger(log *slog.Logger) Option {
	return func(b *builder) { b.log = log }
}

// WithPageSize sets how many tools one tools/list page carries.
func WithPageSize(n int) Option {
	return func(b *builder) { b.pageSize = n }
}

type builder struct {
	store    Store
	log      *slog.Logger
	pageSize int
}

// New builds the RADIUS tool catalogue over st.
func New(st Store, opts ...Option) *mcpservice.ToolsContainer {
	b := &builder{
		store: st,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logctx.Wrap(b.log)

	tools := make([]mcpservice.StaticTool, 0, numOperations)
	for _, op := range Operations() {
		t, ok := b.build(op)
		if !ok {
			panic(fmt.Sprintf("radiustools: no builder for operation %d", op))
		}
		tools = append(tools, t)
	}

	var copts []mcpservice.ContainerOption
	if b.pageSize > 0 {
		copts = append(copts, mcpservice.WithPageSize(b.pageSize))
	}
	return mcpservice.NewToolsContainer(tools, copts...)
}

// writeResult is the reply of every write operation.
type writeResult struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

func (b *builder) build(op Operation) (mcpservice.StaticTool, bool) {
	st := b.store
	switch op {
	case OpAuthRecent:
		return tool(b, op, func(ctx context.Context, a limitArgs) (any, error) {
			return st.RecentAuth(ctx, a.limit)
		}), true
	case OpFailedAuth:
		return tool(b, op, func(ctx context.Context, a windowArgs) (any, error) {
			return st.FailedAuth(ctx, a.window, a.limit)
		}), true
	case OpByMAC:
		return tool(b, op, func(ctx context.Context, a macArgs) (any, error) {
			return st.ByMAC(ctx, a.MAC)
		}), true
	case OpByUser:
		return tool(b, op, func(ctx context.Context, a usernameArgs) (any, error) {
			return st.ByUser(ctx, a.Username)
		}), true
	case OpAcctRecent:
		return tool(b, op, func(ctx context.Context, a limitArgs) (any, error) {
			return st.RecentAcct(ctx, a.limit)
		}), true
	case OpActiveSessions:
		return tool(b, op, func(ctx context.Context, _ noArgs) (any, error) {
			return st.ActiveSessions(ctx)
		}), true
	case OpByNAS:
		return tool(b, op, func(ctx context.Context, a nasArgs) (any, error) {
			return st.ByNAS(ctx, a.NASIdentifier)
		}), true
	case OpBandwidthTop:
		return tool(b, op, func(ctx context.Context, a windowArgs) (any, error) {
			return st.BandwidthTop(ctx, a.window, a.limit)
		}), true
	case OpHealth:
		return tool(b, op, func(ctx context.Context, _ noArgs) (any, error) {
			return st.Health(ctx), nil
		}), true
	case OpUserCreate:
		return tool(b, op, func(ctx context.Context, a createUserArgs) (any, error) {
			if err := st.CreateUser(ctx, a.user); err != nil {
				return nil, userError(a.Username, err)
			}
			return writeResult{Success: true, Username: a.Username, Message: "User created"}, nil
		}), true
	case OpUserGet:
		return tool(b, op, func(ctx context.Context, a usernameArgs) (any, error) {
			u, err := st.GetUser(ctx, a.Username)
			if err != nil {
				return nil, userError(a.Username, err)
			}
			return u, nil
		}), true
	case OpUserUpdate:
		return tool(b, op, func(ctx context.Context, a updateUserArgs) (any, error) {
			if err := st.UpdateUser(ctx, a.patch); err != nil {
				return nil, userError(a.Username, err)
			}
			return writeResult{Success: true, Username: a.Username, Message: "User updated"}, nil
		}), true
	case OpUserDelete:
		return tool(b, op, func(ctx context.Context, a usernameArgs) (any, error) {
			if err := st.DeleteUser(ctx, a.Username); err != nil {
				return nil, userError(a.Username, err)
			}
			return writeResult{Success: true, Username: a.Username, Message: "User deleted"}, nil
		}), true
	case OpUserList:
		return tool(b, op, func(ctx context.Context, a listUsersArgs) (any, error) {
			return st.ListUsers(ctx, a.query)
		}), true
	}
	return mcpservice.StaticTool{}, false
}

func annotations(k Kind) mcp.ToolAnnotations {
	readOnly := k == ReadOnly
	return mcp.ToolAnnotations{ReadOnlyHint: &readOnly}
}

func tool[A any](b *builder, op Operation, run func(ctx context.Context, a A) (any, error)) mcpservice.StaticTool {
	return mcpservice.NewTool(op.Name(), func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[A]) error {
		ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: op.Name(), Kind: op.Kind().String()})

		out, err := run(ctx, r.Args())
		if err != nil {
			return b.fail(ctx, w, err)
		}
		return w.AppendJSON(out)
	},
		mcpservice.WithToolTitle(op.Title()),
		mcpservice.WithToolDescription(op.Description()),
		mcpservice.WithToolAnnotations(annotations(op.Kind())),
	)
}

// identityError ties a store sentinel to the username it concerns.
type identityError struct {
	username string
	err      error
}

func (e *identityError) Error() string { return e.err.Error() }
func (e *identityError) Unwrap() error { return e.err }

func userError(username string, err error) error {
	return &identityError{username: username, err: err}
}

// callerMessage returns the message shown to the caller when err is an
// expected business outcome rather than a failure.
func callerMessage(err error) (string, bool) {
	var ie *identityError
	if !errors.As(err, &ie) {
		return "", false
	}
	switch {
	case errors.Is(err, store.ErrConflict):
		return fmt.Sprintf("User '%s' already exists", ie.username), true
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("User '%s' not found", ie.username), true
	}
	return "", false
}

func (b *builder) fail(ctx context.Context, w mcpservice.ToolResponseWriter, err error) error {
	msg, ok := callerMessage(err)
	if ok {
		b.log.InfoContext(ctx, "tool.call.rejected", slog.String("reason", msg))
	} else {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		b.log.ErrorContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
		msg = mcpservice.InternalErrorMessage
	}
	w.SetError(true)
	return w.AppendText(mcpservice.ErrorText(msg))
}

// Command mcp-radius-sql serves the RADIUS SQL tool catalogue over the MCP
// streamable HTTP transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-radius-sql/config"
	"github.com/ggoodman/mcp-radius-sql/internal/logctx"
	"github.com/ggoodman/mcp-radius-sql/internal/metrics"
	"github.com/ggoodman/mcp-radius-sql/store"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()
	cmd := &cobra.Command{
		Use:           "mcp-radius-sql",
		Short:         "MCP gateway exposing FreeRADIUS SQL reports and user provisioning as tools",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Serve with a static bearer token against Postgres
  MCP_TOKEN=$(openssl rand -hex 32) POSTGRES_PASSWORD=secret mcp-radius-sql

  # Local development against SQLite
  DB_DRIVER=sqlite SQLITE_PATH=./radius.db MCP_TOKEN=... mcp-radius-sql schema
  DB_DRIVER=sqlite SQLITE_PATH=./radius.db MCP_TOKEN=... mcp-radius-sql serve`,
		RunE: serve.RunE,
	}
	cmd.AddCommand(serve, newStdioCommand(), newCheckCommand(), newSchemaCommand())
	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return logctx.Wrap(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// openStore connects to the configured database. m may be nil.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*store.Store, error) {
	dialect, err := store.ParseDialect(cfg.DB.Driver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.DB.SQLitePath
	if dialect == store.Postgres {
		dsn = cfg.PostgresDSN()
	}

	if cfg.DB.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DB.ConnectTimeout)
		defer cancel()
	}
	return store.Open(ctx, dialect, dsn,
		store.WithLogger(log),
		store.WithMetrics(m),
		store.WithPool(cfg.DB.MaxConns, cfg.DB.IdleTimeout),
	)
}

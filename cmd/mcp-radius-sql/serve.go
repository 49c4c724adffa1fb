package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-radius-sql/auth"
	"github.com/ggoodman/mcp-radius-sql/config"
	"github.com/ggoodman/mcp-radius-sql/internal/engine"
	"github.com/ggoodman/mcp-radius-sql/internal/metrics"
	"github.com/ggoodman/mcp-radius-sql/internal/tlsreload"
	"github.com/ggoodman/mcp-radius-sql/radiustools"
	"github.com/ggoodman/mcp-radius-sql/sessions"
	"github.com/ggoodman/mcp-radius-sql/sessions/memorystream"
	"github.com/ggoodman/mcp-radius-sql/sessions/redisstream"
	"github.com/ggoodman/mcp-radius-sql/streaminghttp"
)

const (
	readHeaderTimeout = 10 * time.Second
	redisStreamMaxLen = 1000
	redisSessionTTL   = 24 * time.Hour
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log := newLogger(os.Stdout, cfg.SlogLevel())
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	st, err := openStore(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	if h := st.Health(ctx); !h.OK {
		_ = st.Close()
		return errors.New("startup health check failed: database unreachable")
	}

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("auth: %w", err)
	}

	host, closeHost, err := newStreamHost(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("sessions: %w", err)
	}

	eng := engine.NewEngine(
		radiustools.New(st, radiustools.WithLogger(log)),
		engine.WithLogger(log),
		engine.WithMetrics(m),
	)
	reg := sessions.NewRegistry(host,
		sessions.WithHandshake(eng.Connect),
		sessions.WithLogger(log),
		sessions.WithMetrics(m),
	)

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithPath(cfg.HTTP.Path),
		streaminghttp.WithHealth(st),
	}
	if m != nil {
		opts = append(opts, streaminghttp.WithMetrics(m))
	}
	if cfg.Auth.Mode == "jwt" && cfg.HTTP.PublicURL != "" {
		opts = append(opts, streaminghttp.WithProtectedResource(cfg.HTTP.PublicURL, cfg.Auth.JWTIssuer))
	}
	handler, err := streaminghttp.New(reg, eng, authenticator, opts...)
	if err != nil {
		closeHost()
		_ = st.Close()
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	// GET streams never go idle on their own. Draining ends them so Shutdown
	// only waits for real request handlers, which keep their contexts.
	srv.RegisterOnShutdown(func() {
		if err := reg.Drain(context.Background()); err != nil {
			log.Warn("sessions.drain.fail", slog.String("err", err.Error()))
		}
	})

	errCh := make(chan error, 1)
	if cfg.HTTPS.Enabled {
		reloader, err := tlsreload.New(cfg.HTTPS.CertFile, cfg.HTTPS.KeyFile, tlsreload.WithLogger(log))
		if err != nil {
			closeHost()
			_ = st.Close()
			return err
		}
		srv.TLSConfig = reloader.TLSConfig()
		go func() {
			if err := reloader.Run(ctx); err != nil {
				log.Error("tls.watch.fail", slog.String("err", err.Error()))
			}
		}()
		go func() { errCh <- srv.ListenAndServeTLS("", "") }()
	} else {
		go func() { errCh <- srv.ListenAndServe() }()
	}
	log.Info("server.start",
		slog.String("addr", srv.Addr),
		slog.String("path", cfg.HTTP.Path),
		slog.Bool("tls", cfg.HTTPS.Enabled),
		slog.String("db_driver", st.Dialect().String()),
		slog.String("session_backend", cfg.Sessions.Backend),
	)

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	// Shutdown waits for in-flight handlers, and with them any open store
	// transaction. Only then are sessions released and the pool closed.
	log.Info("server.shutdown.start", slog.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := reg.CloseAll(shutdownCtx); err != nil {
		log.Warn("sessions.close_all.fail", slog.String("err", err.Error()))
	}
	closeHost()
	if err := st.Close(); err != nil {
		log.Warn("store.close.fail", slog.String("err", err.Error()))
	}
	log.Info("server.shutdown.ok")
	return serveErr
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	switch cfg.Auth.Mode {
	case "jwt":
		return auth.NewJWT(ctx, auth.JWTConfig{
			Issuer:      cfg.Auth.JWTIssuer,
			Audience:    cfg.Auth.JWTAudience,
			JWKSURL:     cfg.Auth.JWTJWKSURL,
			HS256Secret: cfg.Auth.JWTHS256Secret,
			Leeway:      cfg.Auth.JWTLeeway,
		})
	default:
		return auth.NewStaticToken(cfg.Auth.Token)
	}
}

// newStreamHost returns the configured session stream backend and a func
// releasing it.
func newStreamHost(ctx context.Context, cfg *config.Config) (sessions.StreamHost, func(), error) {
	if cfg.Sessions.Backend != "redis" {
		return memorystream.New(), func() {}, nil
	}
	host, err := redisstream.New(ctx, redisstream.Config{
		Addr:      cfg.Sessions.RedisAddr,
		KeyPrefix: cfg.Sessions.KeyPrefix,
		MaxLen:    redisStreamMaxLen,
		TTL:       redisSessionTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return host, func() { _ = host.Close() }, nil
}

// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// MinTokenLength is the shortest accepted MCP_TOKEN.
const MinTokenLength = 32

// Config is the full process configuration. Every field is populated from
// the environment through its env tag.
type Config struct {
	HTTP struct {
		Host string `env:"HTTP_HOST,default=0.0.0.0"`
		Port int    `env:"HTTP_PORT,default=3000"`
		Path string `env:"MCP_PATH,default=/mcp"`
		// PublicURL is the externally visible MCP endpoint. In jwt mode it
		// enables the protected resource metadata document.
		PublicURL string `env:"MCP_PUBLIC_URL"`
	}

	Auth struct {
		Mode  string `env:"AUTH_MODE,default=token"`
		Token string `env:"MCP_TOKEN"`

		JWTIssuer      string        `env:"JWT_ISSUER"`
		JWTAudience    string        `env:"JWT_AUDIENCE"`
		JWTJWKSURL     string        `env:"JWT_JWKS_URL"`
		JWTHS256Secret string        `env:"JWT_HS256_SECRET"`
		JWTLeeway      time.Duration `env:"JWT_LEEWAY,default=60s"`
	}

	HTTPS struct {
		Enabled  bool   `env:"HTTPS_ENABLED,default=false"`
		CertFile string `env:"TLS_CERT_FILE,default=/app/certs/fullchain.pem"`
		KeyFile  string `env:"TLS_KEY_FILE,default=/app/certs/privkey.pem"`
	}

	DB struct {
		Driver         string        `env:"DB_DRIVER,default=postgres"`
		MaxConns       int           `env:"DB_MAX_CONNS,default=5"`
		IdleTimeout    time.Duration `env:"DB_IDLE_TIMEOUT,default=30s"`
		ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT,default=5s"`
		SQLitePath     string        `env:"SQLITE_PATH,default=radius.db"`
	}

	Postgres struct {
		Host     string `env:"POSTGRES_HOST,default=localhost"`
		Port     int    `env:"POSTGRES_PORT,default=5432"`
		Database string `env:"POSTGRES_DB,default=radius"`
		User     string `env:"POSTGRES_USER,default=radius"`
		Password string `env:"POSTGRES_PASSWORD"`
		SSLMode  string `env:"POSTGRES_SSLMODE,default=disable"`
	}

	Sessions struct {
		Backend   string `env:"SESSION_BACKEND,default=memory"`
		RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
		KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp-radius:sessions:"`
	}

	MetricsEnabled  bool          `env:"METRICS_ENABLED,default=true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port))
	}
	if !strings.HasPrefix(c.HTTP.Path, "/") || c.HTTP.Path == "/" {
		errs = append(errs, fmt.Errorf("MCP_PATH must be an absolute, non-root path: %q", c.HTTP.Path))
	}

	if c.HTTP.PublicURL != "" {
		if u, err := url.Parse(c.HTTP.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("MCP_PUBLIC_URL must be an absolute http(s) URL: %q", c.HTTP.PublicURL))
		}
	}

	switch c.Auth.Mode {
	case "token":
		if len(c.Auth.Token) < MinTokenLength {
			errs = append(errs, fmt.Errorf("MCP_TOKEN must be at least %d characters", MinTokenLength))
		}
	case "jwt":
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required when AUTH_MODE=jwt"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required when AUTH_MODE=jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE must be token or jwt, got %q", c.Auth.Mode))
	}

	switch c.DB.Driver {
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "" {
			errs = append(errs, errors.New("POSTGRES_HOST, POSTGRES_DB and POSTGRES_USER are required"))
		}
	case "sqlite":
		if c.DB.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when DB_DRIVER=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DB.Driver))
	}
	if c.DB.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DB.MaxConns))
	}

	switch c.Sessions.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("SESSION_BACKEND must be memory or redis, got %q", c.Sessions.Backend))
	}

	if _, ok := parseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// PostgresDSN renders the Postgres settings as a URL DSN understood by pgx.
func (c *Config) PostgresDSN() string {
	q := url.Values{}
	q.Set("sslmode", c.Postgres.SSLMode)
	if c.DB.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.DB.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// SlogLevel maps LOG_LEVEL onto a slog.Level. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

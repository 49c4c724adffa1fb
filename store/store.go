package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ggoodman/mcp-radius-sql/internal/metrics"
)

// Dialect selects the SQL flavour and driver.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// ParseDialect maps a configuration value ("postgres" or "sqlite") to a
// Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return 0, fmt.Errorf("store: unknown driver %q", s)
	}
}

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

func (d Dialect) driverName() string {
	if d == SQLite {
		return "sqlite"
	}
	return "pgx"
}

// rebind rewrites ? placeholders to $N for Postgres. Queries in this package
// never contain a literal question mark.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// lockStatement returns the statement that serializes writers for a single
// username inside a transaction. SQLite gets the same effect from
// BEGIN IMMEDIATE, which takes the database write lock up front.
func (d Dialect) lockStatement() string {
	if d == Postgres {
		return "SELECT pg_advisory_xact_lock(hashtext($1))"
	}
	return ""
}

// SQLiteDSN builds the modernc.org/sqlite DSN used for a database file.
func SQLiteDSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_txlock=immediate" +
		"&_time_format=sqlite"
}

// Store is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
	metrics *metrics.Metrics
}

type options struct {
	log         *slog.Logger
	metrics     *metrics.Metrics
	maxConns    int
	idleTimeout time.Duration
}

// Option configures a Store.
type Option func(*options)

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPool bounds the connection pool. A zero idleTimeout leaves idle
// connections open.
func WithPool(maxConns int, idleTimeout time.Duration) Option {
	return func(o *options) {
		o.maxConns = maxConns
		o.idleTimeout = idleTimeout
	}
}

// Open connects to the database and verifies the connection. For SQLite,
// dsn is a file path; parent directories are created as needed.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	o := options{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxConns: 5,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if dialect == SQLite {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create database directory: %w", err)
			}
		}
		dsn = SQLiteDSN(dsn)
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	db.SetMaxOpenConns(o.maxConns)
	db.SetMaxIdleConns(o.maxConns)
	if o.idleTimeout > 0 {
		db.SetConnMaxIdleTime(o.idleTimeout)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: connect %s: %w", dialect, err)
	}

	o.log.Info("store.open", slog.String("dialect", dialect.String()), slog.Int("max_conns", o.maxConns))

	return &Store{
		db:      db,
		dialect: dialect,
		log:     o.log,
		metrics: o.metrics,
	}, nil
}

// Dialect reports which database the store talks to.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the pool. In-flight transactions must have finished.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(q), args...)
}

// snapshot reads through one read-only transaction, so every statement sees
// the same committed state.
type snapshot struct {
	tx      *sql.Tx
	dialect Dialect
}

func (r *snapshot) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return r.tx.QueryContext(ctx, r.dialect.rebind(q), args...)
}

func (r *snapshot) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return r.tx.QueryRowContext(ctx, r.dialect.rebind(q), args...)
}

// withSnapshot runs fn inside a read-only transaction. Postgres needs
// REPEATABLE READ for the snapshot to span statements; a deferred SQLite
// transaction pins its snapshot at the first read.
func (s *Store) withSnapshot(ctx context.Context, op string, fn func(ctx context.Context, r *snapshot) error) error {
	opts := &sql.TxOptions{ReadOnly: true}
	if s.dialect == Postgres {
		opts.Isolation = sql.LevelRepeatableRead
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return wrap(op, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	return wrap(op, fn(ctx, &snapshot{tx: tx, dialect: s.dialect}))
}

// txn is the handle a unit of work sees. Statements are rebound for the
// store's dialect.
type txn struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *txn) exec(ctx context.Context, q string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.rebind(q), args...)
	return err
}

func (t *txn) exists(ctx context.Context, username string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(existsQuery), username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const existsQuery = `SELECT 1 FROM radcheck WHERE username = ? LIMIT 1`

// withUserTx runs fn as one atomic unit serialized against every other
// unit for the same username. The connection is released on every path and
// any error from fn rolls the transaction back.
func (s *Store) withUserTx(ctx context.Context, op, username string, fn func(ctx context.Context, t *txn) error) (err error) {
	log := s.log.With(slog.String("op", op), slog.String("username", username))
	defer func() {
		s.metrics.StoreTx(op, outcome(err))
	}()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrap(op, fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	// The transaction outlives a cancelled request so the rollback below is
	// the one that ends it.
	tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return wrap(op, fmt.Errorf("begin: %w", err))
	}

	rollback := func(cause error) error {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error("store.tx.rollback.fail", slog.String("err", rbErr.Error()), slog.String("cause", cause.Error()))
		} else {
			log.Debug("store.tx.rollback", slog.String("cause", cause.Error()))
		}
		return wrap(op, cause)
	}

	if lock := s.dialect.lockStatement(); lock != "" {
		if _, err := tx.ExecContext(ctx, lock, username); err != nil {
			return rollback(fmt.Errorf("lock: %w", err))
		}
	}

	if err := fn(ctx, &txn{tx: tx, dialect: s.dialect}); err != nil {
		return rollback(err)
	}

	if err := tx.Commit(); err != nil {
		return wrap(op, fmt.Errorf("commit: %w", err))
	}
	log.Debug("store.tx.commit")
	return nil
}

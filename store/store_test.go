package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

type logBridge struct{ t *testing.T }

func (b logBridge) Write(p []byte) (int, error) {
	b.t.Helper()
	b.t.Log(string(p))
	return len(p), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(logBridge{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "radius.db"), WithLogger(log))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

// newPostgresTestStore opens a store on a fresh schema of the database named
// by POSTGRES_TEST_DSN and drops the schema afterwards. It skips when the
// variable is unset.
func newPostgresTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(logBridge{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	admin, err := Open(ctx, Postgres, dsn)
	if err != nil {
		t.Fatalf("Open admin: %v", err)
	}
	schemaName := "radius_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.db.ExecContext(ctx, "CREATE SCHEMA "+schemaName); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		if _, err := admin.db.ExecContext(context.Background(), "DROP SCHEMA "+schemaName+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schemaName, err)
		}
		_ = admin.Close()
	})

	s, err := Open(ctx, Postgres, withSearchPath(dsn, schemaName), WithLogger(log))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

// withSearchPath adds a search_path runtime parameter to a URL or
// keyword/value DSN.
func withSearchPath(dsn, schemaName string) string {
	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil {
			q := u.Query()
			q.Set("search_path", schemaName)
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return dsn + " search_path=" + schemaName
}

// eachDialect runs fn against SQLite and, when configured, Postgres.
func eachDialect(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, newPostgresTestStore(t)) })
}

func countRows(t *testing.T, s *Store, table, username string) int {
	t.Helper()
	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE username = ?", table)
	if err := s.queryRow(context.Background(), q, username).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func totalRows(t *testing.T, s *Store) int {
	t.Helper()
	var total int
	for _, table := range []string{"radcheck", "radreply", "radusergroup"} {
		var n int
		if err := s.queryRow(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		total += n
	}
	return total
}

func TestRebind(t *testing.T) {
	q := `SELECT 1 FROM radcheck WHERE username = ? AND attribute = ? LIMIT ?`
	if got := Postgres.rebind(q); got != `SELECT 1 FROM radcheck WHERE username = $1 AND attribute = $2 LIMIT $3` {
		t.Fatalf("postgres rebind: %s", got)
	}
	if got := SQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{in: "postgres", want: Postgres},
		{in: "PostgreSQL", want: Postgres},
		{in: "sqlite", want: SQLite},
		{in: "mysql", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDialect(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapClassifiesErrors(t *testing.T) {
	if err := wrap("create_user", &pgconn.PgError{Code: "23505"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("unique violation should map to ErrConflict, got %v", err)
	}
	if err := wrap("create_user", ErrNotFound); err != ErrNotFound {
		t.Fatalf("sentinel should pass through, got %v", err)
	}

	err := wrap("create_user", errors.New("connection reset"))
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StoreError, got %T", err)
	}
	if se.Op != "create_user" {
		t.Fatalf("Op: got %q", se.Op)
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		t.Fatal("driver failure must not look like a business outcome")
	}
}

func TestHealth(t *testing.T) {
	s := newTestStore(t)
	st := s.Health(context.Background())
	if !st.OK {
		t.Fatal("expected healthy store")
	}
	if st.LatencyMs < 0 {
		t.Fatalf("negative latency: %d", st.LatencyMs)
	}

	_ = s.Close()
	if st := s.Health(context.Background()); st.OK {
		t.Fatal("closed store should report unhealthy")
	}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	eachDialect(t, testEnsureSchemaIsIdempotent)
}

func testEnsureSchemaIsIdempotent(t *testing.T, s *Store) {
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
}

func TestWithSearchPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{in: "postgres://u:p@db:5432/radius?sslmode=disable", want: "postgres://u:p@db:5432/radius?search_path=scratch&sslmode=disable"},
		{in: "host=db dbname=radius", want: "host=db dbname=radius search_path=scratch"},
	}
	for _, tt := range tests {
		if got := withSearchPath(tt.in, "scratch"); got != tt.want {
			t.Errorf("withSearchPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

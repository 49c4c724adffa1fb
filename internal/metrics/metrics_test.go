package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed()
	m.Handshake()
	m.HTTPRequest("/mcp", 200)
	m.ToolCall("radius_health", OutcomeOK, time.Millisecond)
	m.StoreTx("create_user", OutcomeOK)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("nil handler status: got %d", rec.Code)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Fatalf("sessions_active: got %v", got)
	}

	m.Handshake()
	if got := testutil.ToFloat64(m.handshakes); got != 1 {
		t.Fatalf("handshakes: got %v", got)
	}

	m.ToolCall("radius_user_create", OutcomeCallerError, 5*time.Millisecond)
	m.ToolCall("radius_user_create", OutcomeCallerError, 5*time.Millisecond)
	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("radius_user_create", OutcomeCallerError)); got != 2 {
		t.Fatalf("tool_calls_total: got %v", got)
	}

	m.StoreTx("delete_user", "not_found")
	if got := testutil.ToFloat64(m.storeTx.WithLabelValues("delete_user", "not_found")); got != 1 {
		t.Fatalf("store_transactions_total: got %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.HTTPRequest("/mcp", 401)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `radius_sql_http_requests_total{code="401",route="/mcp"} 1`) {
		t.Fatalf("missing http counter in exposition:\n%s", body)
	}
}

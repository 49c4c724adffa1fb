package streaminghttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-radius-sql/store"
)

const healthTimeout = 5 * time.Second

// HealthChecker probes the backing store. *store.Store satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) store.HealthStatus
}

var _ HealthChecker = (*store.Store)(nil)

// NewHealthHandler returns an unauthenticated handler reporting
// {"ok":bool,"latencyMs":n}: 200 when the store answers, 503 otherwise.
func NewHealthHandler(checker HealthChecker, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		st := checker.Health(ctx)
		status := http.StatusOK
		if !st.OK {
			status = http.StatusServiceUnavailable
			log.WarnContext(ctx, "health.degraded", slog.Int64("latency_ms", st.LatencyMs))
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, status, st)
	})
}

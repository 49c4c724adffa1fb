package store

import (
	"context"
	"log/slog"
	"time"
)

// HealthStatus is the result of a liveness probe against the database.
type HealthStatus struct {
	OK        bool  `json:"ok"`
	LatencyMs int64 `json:"latencyMs"`
}

// Health runs SELECT 1 and reports how long it took. A failed probe is not
// an error; it is reported as OK=false.
func (s *Store) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	st := HealthStatus{OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		s.log.Warn("store.health.fail", slog.String("err", err.Error()), slog.Int64("latency_ms", st.LatencyMs))
	}
	return st
}

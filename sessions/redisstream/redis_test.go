package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-radius-sql/sessions"
	"github.com/ggoodman/mcp-radius-sql/sessions/streamtest"
)

func TestRedisStreamHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Quick availability check to allow graceful skip in environments without Redis
	h, err := NewFromEnv(ctx)
	if err != nil {
		t.Skipf("skipping redis stream host tests: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	streamtest.RunStreamHostTests(t, func(t *testing.T) sessions.StreamHost {
		return h
	})
}

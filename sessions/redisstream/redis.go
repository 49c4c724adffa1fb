package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-radius-sql/sessions"
)

// Config for the Redis-backed host. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=radius-sql:sessions:"`
	// MaxLen caps each stream (approximate trimming). Zero keeps everything.
	MaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1000"`
	// TTL expires abandoned session keys.
	TTL time.Duration `env:"SESSIONS_TTL,default=24h"`
}

const pollInterval = 500 * time.Millisecond

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
}

var _ sessions.StreamHost = (*Host)(nil)

func New(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "radius-sql:sessions:"
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redisstream: ping %s: %w", cfg.Addr, err)
	}
	return &Host{client: cl, keyPrefix: cfg.KeyPrefix, maxLen: cfg.MaxLen, ttl: cfg.TTL}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redisstream: decode env: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) openKey(sessionID string) string   { return h.keyPrefix + "open:" + sessionID }

// Open marks the session live and returns its stream.
func (h *Host) Open(ctx context.Context, sessionID string) (sessions.Stream, error) {
	if err := h.client.Set(ctx, h.openKey(sessionID), "1", h.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redisstream: open %s: %w", sessionID, err)
	}
	return &stream{h: h, id: sessionID}, nil
}

type stream struct {
	h      *Host
	id     string
	closed atomic.Bool
}

func (s *stream) Publish(ctx context.Context, data []byte) (string, error) {
	if s.closed.Load() {
		return "", sessions.ErrStreamClosed
	}
	key := s.h.streamKey(s.id)
	args := &redis.XAddArgs{Stream: key, Values: map[string]any{"d": data}}
	if s.h.maxLen > 0 {
		args.MaxLen = s.h.maxLen
		args.Approx = true
	}
	id, err := s.h.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redisstream: xadd: %w", err)
	}
	if s.h.ttl > 0 {
		_ = s.h.client.Expire(ctx, key, s.h.ttl).Err()
	}
	return id, nil
}

func (s *stream) Subscribe(ctx context.Context, lastEventID string, handler sessions.MessageHandler) error {
	if s.closed.Load() {
		return sessions.ErrStreamClosed
	}
	key := s.h.streamKey(s.id)

	start := lastEventID
	if start != "" {
		if !validStreamID(start) {
			return sessions.ErrUnknownEventID
		}
		hit, err := s.h.client.XRangeN(ctx, key, start, start, 1).Result()
		if err != nil {
			return fmt.Errorf("redisstream: resume: %w", err)
		}
		if len(hit) == 0 {
			return sessions.ErrUnknownEventID
		}
	} else {
		// Pin the current tail so messages published between polls are not
		// skipped, which re-reading from "$" would do.
		last, err := s.h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil {
			return fmt.Errorf("redisstream: tail: %w", err)
		}
		start = "0-0"
		if len(last) == 1 {
			start = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   64,
			Block:   pollInterval,
		}).Result()
		if errors.Is(err, redis.Nil) {
			live, err := s.h.client.Exists(ctx, s.h.openKey(s.id)).Result()
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return fmt.Errorf("redisstream: liveness: %w", err)
			}
			if live == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("redisstream: xread: %w", err)
		}
		for _, xs := range res {
			for _, m := range xs.Messages {
				start = m.ID
				if err := handler(ctx, m.ID, payload(m.Values["d"])); err != nil {
					return err
				}
			}
		}
	}
}

// validStreamID reports whether id has the <ms>-<seq> shape of a Redis
// stream entry ID.
func validStreamID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}

func payload(v any) []byte {
	switch p := v.(type) {
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		return []byte(fmt.Sprint(p))
	}
}

// Close deletes the session's keys. Subscribers on any replica notice within
// one poll interval.
func (s *stream) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	c := context.WithoutCancel(ctx)
	if err := s.h.client.Del(c, s.h.openKey(s.id), s.h.streamKey(s.id)).Err(); err != nil {
		return fmt.Errorf("redisstream: close %s: %w", s.id, err)
	}
	return nil
}

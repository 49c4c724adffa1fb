package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/mcp-radius-sql/internal/metrics"
)

// ErrRegistryClosed is returned by ResolveOrCreate after CloseAll.
var ErrRegistryClosed = errors.New("sessions: registry closed")

// Handshake runs once for every newly created session, before it becomes
// visible to Lookup. A non-nil error aborts the creation.
type Handshake func(ctx context.Context, s *Session) error

// Registry maps session IDs to live sessions.
type Registry struct {
	host      StreamHost
	handshake Handshake
	log       *slog.Logger
	metrics   *metrics.Metrics
	newID     func() string

	flight singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithHandshake sets the function run once per new session.
func WithHandshake(h Handshake) Option {
	return func(r *Registry) { r.handshake = h }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithIDGenerator replaces the UUIDv4 generator used for sessions created
// without a caller-supplied ID.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry returns an empty registry whose sessions use streams opened by
// host.
func NewRegistry(host StreamHost, opts ...Option) *Registry {
	r := &Registry{
		host:     host,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type creation struct {
	sess    *Session
	created bool
}

// ResolveOrCreate returns the live session for id, creating it when none
// exists. An empty id creates a session under a freshly minted ID. created
// reports whether this call, or a concurrent call it joined, created the
// session. Concurrent callers for the same unseen ID share one creation and
// receive the same *Session.
func (r *Registry) ResolveOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	if id != "" {
		if s, ok := r.Lookup(id); ok {
			return s, false, nil
		}
	} else {
		id = r.newID()
	}

	v, err, _ := r.flight.Do(id, func() (any, error) {
		r.mu.RLock()
		s, ok := r.sessions[id]
		closed := r.closed
		r.mu.RUnlock()
		if ok {
			return creation{sess: s}, nil
		}
		if closed {
			return nil, ErrRegistryClosed
		}
		// Joined callers must not inherit the first caller's cancellation.
		s, err := r.create(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		return creation{sess: s, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	c := v.(creation)
	return c.sess, c.created, nil
}

func (r *Registry) create(ctx context.Context, id string) (*Session, error) {
	log := r.log.With(slog.String("session_id", id))

	stream, err := r.host.Open(ctx, id)
	if err != nil {
		log.Error("session.create.fail", slog.String("stage", "open_stream"), slog.String("err", err.Error()))
		return nil, fmt.Errorf("sessions: open stream: %w", err)
	}
	s := newSession(id, stream)

	if r.handshake != nil {
		if err := r.handshake(ctx, s); err != nil {
			if relErr := s.release(ctx); relErr != nil {
				log.Warn("session.create.release.fail", slog.String("err", relErr.Error()))
			}
			log.Error("session.create.fail", slog.String("stage", "handshake"), slog.String("err", err.Error()))
			return nil, fmt.Errorf("sessions: handshake: %w", err)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = s.release(ctx)
		return nil, ErrRegistryClosed
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.SessionOpened()
	log.Info("session.create.ok")
	return s, nil
}

// Lookup returns the live session for id. It never creates one.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Close removes the session and releases its stream. Release failures are
// logged, not returned. It reports whether the session existed.
func (r *Registry) Close(ctx context.Context, id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.release(ctx, s)
	return true
}

func (r *Registry) release(ctx context.Context, s *Session) {
	if err := s.release(ctx); err != nil {
		r.log.Warn("session.close.release.fail", slog.String("session_id", s.ID), slog.String("err", err.Error()))
	}
	r.metrics.SessionClosed()
	r.log.Info("session.close.ok", slog.String("session_id", s.ID))
}

// Drain refuses further creation and closes every session's stream, ending
// its subscribers. Sessions stay registered and their in-flight requests keep
// running; CloseAll finishes the job once they are done. It returns ctx's
// error if the streams do not close before ctx ends.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	err := r.fanOut(ctx, all, func(s *Session) {
		if err := s.stream.Close(ctx); err != nil {
			r.log.Warn("session.drain.fail", slog.String("session_id", s.ID), slog.String("err", err.Error()))
		}
	})
	if err != nil {
		r.log.Warn("session.drain.timeout", slog.Int("count", len(all)))
		return err
	}
	r.log.Info("session.drain.ok", slog.Int("count", len(all)))
	return nil
}

// CloseAll closes every session and refuses further creation. It returns
// ctx's error if the releases do not finish before ctx ends.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	clear(r.sessions)
	r.mu.Unlock()

	if err := r.fanOut(ctx, all, func(s *Session) { r.release(ctx, s) }); err != nil {
		r.log.Warn("session.close_all.timeout", slog.Int("count", len(all)))
		return err
	}
	r.log.Info("session.close_all.ok", slog.Int("count", len(all)))
	return nil
}

// fanOut runs fn for every session with bounded concurrency and waits until
// all are done or ctx ends.
func (r *Registry) fanOut(ctx context.Context, all []*Session, fn func(*Session)) error {
	var g errgroup.Group
	g.SetLimit(16)
	for _, s := range all {
		g.Go(func() error {
			fn(s)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

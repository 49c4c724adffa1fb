package memorystream

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-radius-sql/sessions"
)

// Host opens in-memory streams. Event IDs are unique across every stream the
// host opens.
type Host struct {
	counter atomic.Int64

	mu      sync.Mutex
	streams map[string]*stream
}

func New() *Host {
	return &Host{streams: make(map[string]*stream)}
}

var _ sessions.StreamHost = (*Host)(nil)

// Open returns the stream for sessionID, creating it if needed.
func (h *Host) Open(_ context.Context, sessionID string) (sessions.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.streams[sessionID]; ok {
		return st, nil
	}
	st := &stream{
		host:   h,
		id:     sessionID,
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
	h.streams[sessionID] = st
	return st, nil
}

// Len reports how many streams are open.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

type message struct {
	id   string
	data []byte
}

type stream struct {
	host *Host
	id   string

	mu       sync.Mutex
	messages []message
	// notify is closed and replaced on every publish.
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func (s *stream) Publish(_ context.Context, data []byte) (string, error) {
	evID := strconv.FormatInt(s.host.counter.Add(1), 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", sessions.ErrStreamClosed
	}
	s.messages = append(s.messages, message{id: evID, data: append([]byte(nil), data...)})
	close(s.notify)
	s.notify = make(chan struct{})
	return evID, nil
}

func (s *stream) Subscribe(ctx context.Context, lastEventID string, handler sessions.MessageHandler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return sessions.ErrStreamClosed
	}
	next := len(s.messages)
	if lastEventID != "" {
		next = -1
		for i := range s.messages {
			if s.messages[i].id == lastEventID {
				next = i + 1
				break
			}
		}
		if next < 0 {
			s.mu.Unlock()
			return sessions.ErrUnknownEventID
		}
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		pending := append([]message(nil), s.messages[next:]...)
		next = len(s.messages)
		wake := s.notify
		s.mu.Unlock()

		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-wake:
		}
	}
}

func (s *stream) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.messages = nil
	close(s.done)
	s.mu.Unlock()

	s.host.mu.Lock()
	if s.host.streams[s.id] == s {
		delete(s.host.streams, s.id)
	}
	s.host.mu.Unlock()
	return nil
}

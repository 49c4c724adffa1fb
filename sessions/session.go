package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-radius-sql/mcp"
)

// Session is one logical client conversation. Protocol state is guarded by
// the session and safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	stream Stream

	mu              sync.RWMutex
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	negotiated      bool
	initialized     bool
	inflight        map[string]*call
}

// call is one tracked request. Entries are compared by pointer so a stale
// untrack never removes a later request's entry.
type call struct{ cancel context.CancelFunc }

func newSession(id string, stream Stream) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		stream:    stream,
		inflight:  make(map[string]*call),
	}
}

// Stream returns the session's message log.
func (s *Session) Stream() Stream { return s.stream }

// Negotiate records the outcome of an initialize exchange. It returns false,
// changing nothing, if the session already negotiated.
func (s *Session) Negotiate(protocolVersion string, client mcp.ImplementationInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiated {
		return false
	}
	s.negotiated = true
	s.protocolVersion = protocolVersion
	s.clientInfo = client
	return true
}

// ProtocolVersion is empty until the client has sent initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// MarkInitialized records the client's initialized notification.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Track registers cancel under requestID so a later CancelRequest can abort
// it. The returned func unregisters it and must be called when the request
// finishes. ok is false, and nothing is registered, when requestID is
// already in flight.
func (s *Session) Track(requestID string, cancel context.CancelFunc) (untrack func(), ok bool) {
	c := &call{cancel: cancel}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[requestID]; busy {
		return nil, false
	}
	s.inflight[requestID] = c
	return func() {
		s.mu.Lock()
		if s.inflight[requestID] == c {
			delete(s.inflight, requestID)
		}
		s.mu.Unlock()
	}, true
}

// CancelRequest cancels the in-flight request with requestID and reports
// whether one was found.
func (s *Session) CancelRequest(requestID string) bool {
	s.mu.Lock()
	c, ok := s.inflight[requestID]
	delete(s.inflight, requestID)
	s.mu.Unlock()
	if ok {
		c.cancel()
	}
	return ok
}

// release cancels outstanding requests and closes the stream.
func (s *Session) release(ctx context.Context) error {
	s.mu.Lock()
	pending := s.inflight
	s.inflight = make(map[string]*call)
	s.mu.Unlock()
	for _, c := range pending {
		c.cancel()
	}
	return s.stream.Close(ctx)
}

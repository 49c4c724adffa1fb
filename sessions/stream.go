package sessions

import (
	"context"
	"errors"
)

var (
	// ErrStreamClosed is returned by Publish and Subscribe once the stream
	// has been closed.
	ErrStreamClosed = errors.New("sessions: stream closed")

	// ErrUnknownEventID is returned by Subscribe when a resume point does not
	// name a message the stream still holds.
	ErrUnknownEventID = errors.New("sessions: unknown event id")
)

// MessageHandler receives one message from a stream. Returning an error ends
// the subscription with that error.
type MessageHandler func(ctx context.Context, eventID string, data []byte) error

// Stream is a per-session ordered message log with replay.
type Stream interface {
	// Publish appends data and returns its event ID.
	Publish(ctx context.Context, data []byte) (eventID string, err error)

	// Subscribe delivers messages published after lastEventID (or, when
	// lastEventID is empty, after the call) until ctx ends, the handler
	// fails, or the stream is closed. A close ends it with a nil error.
	Subscribe(ctx context.Context, lastEventID string, handler MessageHandler) error

	// Close releases the stream's resources and wakes every subscriber.
	Close(ctx context.Context) error
}

// StreamHost opens streams for sessions.
type StreamHost interface {
	Open(ctx context.Context, sessionID string) (Stream, error)
}

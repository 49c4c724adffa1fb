// Package sessions owns the lifecycle of gateway sessions.
//
// A Registry is the only component that creates, finds and destroys
// sessions. It is constructed once and passed to the transport; there is no
// package-level state.
//
// # Layers & Roles
//
//	Registry   -> resolve-or-create, lookup, close; runs the handshake once per ID
//	Session    -> negotiated protocol state plus the owned Stream
//	StreamHost -> opens a per-session ordered message log (memory or Redis)
//
// # Streams
//
// A Stream is an ordered, replayable message log scoped to one session.
// Messages published to it are delivered to every active subscriber in order;
// a subscriber that passes the event ID of the last message it saw resumes
// immediately after it. Closing a stream ends every subscriber.
//
// Backends live in sub-packages:
//
//	memorystream -> single process, in-memory
//	redisstream  -> Redis Streams, shared across gateway replicas
//
// The streamtest package holds a conformance suite every backend runs.
package sessions

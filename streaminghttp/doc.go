// Package streaminghttp implements the MCP streamable HTTP transport for the
// RADIUS gateway. It mounts as a standard net/http handler.
//
// Routes (the MCP path defaults to /mcp):
//
//	POST   /mcp                       one JSON-RPC message; creates the session on first contact
//	GET    /mcp                       SSE stream of an existing session, with Last-Event-ID replay
//	DELETE /mcp                       close the session named by Mcp-Session-Id
//	DELETE /mcp/sessions/{sessionId}  close the named session
//	GET    /health                    store liveness, unauthenticated (WithHealth)
//	GET    /metrics                   Prometheus exposition, unauthenticated (WithMetrics)
//
// Construction
//
//	eng := engine.NewEngine(radiustools.New(st))
//	reg := sessions.NewRegistry(memorystream.New(), sessions.WithHandshake(eng.Connect))
//	h, err := streaminghttp.New(reg, eng, authenticator,
//	    streaminghttp.WithHealth(st),
//	    streaminghttp.WithLogger(log),
//	)
//
// # Sessions
//
// A POST carrying an unknown or absent Mcp-Session-Id creates a session under
// that ID (or a generated one) and the ID is echoed on every response. GET and
// DELETE only look sessions up and never create them.
//
// # Responses
//
// initialize is always answered with a plain JSON body. Other requests are
// answered with a single SSE event when the client accepts text/event-stream,
// and JSON otherwise. When an inline SSE write fails the response is published
// to the session stream so that a GET stream can deliver it.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes with a
// {"error":{"code":n,"message":"..."}} body. MCP-level errors are serialized
// as JSON-RPC error responses. Every authentication failure is the same 401
// with a Bearer challenge, whatever its cause.
package streaminghttp

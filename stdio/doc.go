// Package stdio implements a single-connection MCP transport over
// stdin/stdout, for running the gateway as a subprocess of a local client.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (implicit principal, no bearer token)
//	Sessions         : one ephemeral in-memory session per Serve call
//	Transport        : newline-delimited JSON-RPC
//
// Example:
//
//	eng := engine.NewEngine(radiustools.New(st))
//	h := stdio.NewHandler(eng, stdio.WithLogger(log))
//	if err := h.Serve(ctx); err != nil { ... }
//
// Shared or remote deployments should use the streaming HTTP transport,
// which authenticates callers and supports multiple sessions.
package stdio

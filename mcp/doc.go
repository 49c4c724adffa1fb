// Package mcp holds the Model Context Protocol wire types used by the gateway:
// the initialize handshake, tool listing and tool calls. It carries no
// transport logic; streaminghttp and internal/engine marshal these structs.
//
// Only the tools capability is modelled. Tool input schemas carry the bounds
// (minimum, maximum, lengths, pattern, defaults) that the operation registry
// enforces so clients can validate before calling.
package mcp

// Package memorystream is an in-process sessions.StreamHost. Messages live
// only as long as the stream; it does not share state between processes, so
// use it for single-replica deployments and tests.
package memorystream

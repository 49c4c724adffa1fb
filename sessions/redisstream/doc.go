// Package redisstream implements sessions.StreamHost on Redis Streams so
// several gateway replicas can serve the same session.
//
// Each session maps to two keys under the configured prefix:
//
//	<prefix>stream:<id> -> XADD log, read with blocking XREAD
//	<prefix>open:<id>   -> liveness marker; subscribers exit once it is gone
//
// Close deletes both keys.
package redisstream

// Package tokenstore is the durable key-value boundary for the session token pair.
//
// Backends hold opaque strings under two fixed keys and contain no session
// logic. Memory, SQLite, Postgres and Redis backends are provided; Sealed wraps
// any backend with XChaCha20-Poly1305 encryption at rest.
package tokenstore

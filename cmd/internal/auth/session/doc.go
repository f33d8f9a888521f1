// Package session owns the client-side authentication session.
//
// A Manager holds the access/refresh token pair (through a tokenstore.Store),
// decides between reusing and refreshing the access token, performs the
// login/register/refresh exchanges against the auth endpoints, and runs a
// single cleanup routine on logout or unrecoverable refresh failure.
//
// Concurrent callers of EnsureValid share one in-flight refresh exchange
// (single-flight). Every login and logout advances a session epoch; responses
// that arrive after the epoch moved are discarded so a stale reply can never
// resurrect cleared state.
package session

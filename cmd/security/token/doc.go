// Package token decodes access/refresh tokens on the client side.
//
// Decoding is local and optimistic: the payload segment is parsed without
// verifying the signature, because the server remains the sole authority on
// token validity. Callers must treat any decode failure as "token invalid".
//
// Tokens are never logged verbatim. Use Fingerprint to correlate a token in
// logs without exposing it.
package token

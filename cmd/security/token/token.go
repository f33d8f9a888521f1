package token

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// fingerprintLen is the number of hex chars kept from the SHA-256 digest.
const fingerprintLen = 12

// Claims is the subset of registered claims the client cares about.
type Claims struct {
	Subject   string
	UserID    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	TokenType string
}

// DecodeExpiry extracts the exp claim from tok without verifying its signature.
func DecodeExpiry(tok string) (time.Time, error) {
	c, err := DecodeClaims(tok)
	if err != nil {
		return time.Time{}, err
	}
	return c.ExpiresAt, nil
}

// DecodeClaims parses the payload segment of tok without signature verification.
// The header and signature segments are not inspected, so an unknown or
// missing alg does not fail decoding. A token without an exp claim is
// rejected: an unbounded client-side token is indistinguishable from a forged one.
func DecodeClaims(tok string) (Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrDecode)
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: want 3 segments", ErrDecode)
	}

	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrDecode, err)
	}
	mc := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &mc); err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrDecode, err)
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: exp: %v", ErrDecode, err)
	}
	if exp == nil {
		return Claims{}, fmt.Errorf("%w: missing exp", ErrDecode)
	}

	out := Claims{ExpiresAt: exp.Time.UTC()}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time.UTC()
	}
	if sub, err := mc.GetSubject(); err == nil {
		out.Subject = sub
	}
	// SimpleJWT-style servers put the user id and token type in custom claims.
	out.UserID = stringClaim(mc, "user_id")
	out.TokenType = stringClaim(mc, "token_type")

	return out, nil
}

// Expired reports whether exp is at or before now. The boundary is inclusive:
// a token whose exp equals now is expired.
func Expired(exp, now time.Time) bool {
	return !exp.After(now)
}

// Fingerprint returns a short SHA-256 hex prefix of tok for log correlation.
func Fingerprint(tok string) string {
	if tok == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func stringClaim(mc jwt.MapClaims, key string) string {
	switch v := mc[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

package token

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-not-checked"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func TestDecodeExpiry_ReadsExpClaim(t *testing.T) {
	t.Parallel()

	exp := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	tok := mintHS256(t, jwt.MapClaims{"exp": exp.Unix(), "user_id": 7, "token_type": "access"})

	got, err := DecodeExpiry(tok)
	if err != nil {
		t.Fatalf("DecodeExpiry: %v", err)
	}
	if !got.Equal(exp) {
		t.Fatalf("DecodeExpiry()=%v want=%v", got, exp)
	}

	c, err := DecodeClaims(tok)
	if err != nil {
		t.Fatalf("DecodeClaims: %v", err)
	}
	if c.UserID != "7" || c.TokenType != "access" {
		t.Fatalf("claims mismatch: %+v", c)
	}
}

func TestDecodeExpiry_IgnoresSignature(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second).UTC()
	tok := mintHS256(t, jwt.MapClaims{"exp": exp.Unix()})
	// Replace the signature segment entirely: decoding is local and unverified.
	tampered := tok[:lastDot(tok)+1] + "c2lnbmF0dXJl"

	got, err := DecodeExpiry(tampered)
	if err != nil {
		t.Fatalf("DecodeExpiry: %v", err)
	}
	if !got.Equal(exp) {
		t.Fatalf("DecodeExpiry()=%v want=%v", got, exp)
	}
}

func TestDecodeExpiry_Malformed(t *testing.T) {
	t.Parallel()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	notJSON := base64.RawURLEncoding.EncodeToString([]byte(`not json`))
	noExp := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u1"}`))
	badExp := base64.RawURLEncoding.EncodeToString([]byte(`{"exp":"tomorrow"}`))

	cases := []struct {
		name string
		tok  string
	}{
		{name: "empty", tok: ""},
		{name: "one segment", tok: "abc"},
		{name: "two segments", tok: "abc.def"},
		{name: "four segments", tok: "a.b.c.d"},
		{name: "payload not json", tok: header + "." + notJSON + ".sig"},
		{name: "payload not base64", tok: header + ".%%%.sig"},
		{name: "missing exp", tok: header + "." + noExp + ".sig"},
		{name: "non-numeric exp", tok: header + "." + badExp + ".sig"},
	}

	for _, tc := range cases {
		_, err := DecodeExpiry(tc.tok)
		if !errors.Is(err, ErrDecode) {
			t.Fatalf("%s: err=%v want ErrDecode", tc.name, err)
		}
	}
}

func TestDecodeExpiry_IgnoresHeader(t *testing.T) {
	t.Parallel()

	exp := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"exp":1792238400}`))

	headers := map[string]string{
		"no alg":      `{"typ":"JWT"}`,
		"unknown alg": `{"alg":"XY999","typ":"JWT"}`,
		"not json":    `header`,
	}
	for name, h := range headers {
		tok := base64.RawURLEncoding.EncodeToString([]byte(h)) + "." + payload + ".sig"
		got, err := DecodeExpiry(tok)
		if err != nil {
			t.Fatalf("%s: DecodeExpiry: %v", name, err)
		}
		if !got.Equal(exp) {
			t.Fatalf("%s: DecodeExpiry()=%v want=%v", name, got, exp)
		}
	}
}

func TestExpired_BoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	if !Expired(now, now) {
		t.Fatalf("exp == now must be expired")
	}
	if !Expired(now.Add(-time.Second), now) {
		t.Fatalf("exp in the past must be expired")
	}
	if Expired(now.Add(time.Second), now) {
		t.Fatalf("exp in the future must not be expired")
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	if got := Fingerprint(""); got != "" {
		t.Fatalf("Fingerprint(\"\")=%q want empty", got)
	}
	a := Fingerprint("token-a")
	if len(a) != fingerprintLen {
		t.Fatalf("len=%d want=%d", len(a), fingerprintLen)
	}
	if a == Fingerprint("token-b") {
		t.Fatalf("distinct tokens must not share a fingerprint")
	}
	if a != Fingerprint("token-a") {
		t.Fatalf("fingerprint must be stable")
	}
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

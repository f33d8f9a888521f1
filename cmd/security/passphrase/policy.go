package passphrase

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks the passphrase against the policy.
func (c Config) Validate(passphrase string) error {
	n := utf8.RuneCountInString(passphrase)

	if n < c.Policy.MinLength {
		return ErrTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrTooLong
	}
	if c.Policy.RejectVeryWeak && looksVeryWeak(passphrase) {
		return ErrWeak
	}
	return nil
}

// looksVeryWeak catches repeated characters, short digit runs and a few
// well-known strings. It is not a strength estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}

	onlyDigits := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
	if onlyDigits && utf8.RuneCountInString(s) < 16 {
		return true
	}

	switch strings.ToLower(s) {
	case "password", "password123", "passphrase", "123456789012", "qwertyuiopas", "correcthorsebatterystaple":
		return true
	}
	return false
}

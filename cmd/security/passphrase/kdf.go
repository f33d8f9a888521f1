package passphrase

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2Version = 19 // argon2.Version is 0x13 (19)

// NewSpec draws a fresh salt and encodes it with the configured costs.
func (c Config) NewSpec() (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2Version,
		c.Params.MemoryKiB,
		c.Params.Iterations,
		c.Params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
	), nil
}

// Derive checks the passphrase against the policy and derives a KeyLength
// key with the salt and costs recorded in spec.
func (c Config) Derive(spec, passphrase string) ([]byte, error) {
	if err := c.Validate(passphrase); err != nil {
		return nil, err
	}
	params, salt, err := decode(spec)
	if err != nil {
		return nil, err
	}
	if !withinReasonableBounds(params, c.Params) {
		return nil, ErrInvalidSpec
	}
	return argon2.IDKey([]byte(passphrase), salt, params.Iterations, params.MemoryKiB, params.Parallelism, KeyLength), nil
}

// withinReasonableBounds accepts specs written with older or smaller costs
// and rejects wildly larger ones.
func withinReasonableBounds(got, limits Params) bool {
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 {
		return false
	}
	return got.SaltLength >= 8 && got.SaltLength <= 64
}

func decode(spec string) (Params, []byte, error) {
	parts := strings.Split(strings.TrimSpace(spec), "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return Params{}, nil, ErrInvalidSpec
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Params{}, nil, ErrInvalidSpec
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Params{}, nil, ErrInvalidSpec
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, ErrInvalidSpec
	}

	return Params{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),        // #nosec G115 -- bounded to 255 above.
		SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by the encoded salt.
	}, salt, nil
}

package passphrase

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// Params controls Argon2id cost. MemoryKiB is in KiB as required by argon2.IDKey.
type Params struct {
	MemoryKiB   uint32 `env:"CHAT_KDF_MEMORY_KIB"`
	Iterations  uint32 `env:"CHAT_KDF_ITERATIONS"`
	Parallelism uint8  `env:"CHAT_KDF_PARALLELISM"`
	SaltLength  uint32 `env:"CHAT_KDF_SALT_LEN"`
}

// Policy bounds accepted passphrases.
type Policy struct {
	MinLength      int  `env:"CHAT_PASSPHRASE_MIN_LEN"`
	MaxLength      int  `env:"CHAT_PASSPHRASE_MAX_LEN"`
	RejectVeryWeak bool `env:"CHAT_PASSPHRASE_REJECT_VERY_WEAK"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Params
	Policy Policy
}

// KeyLength is the derived key size, matching XChaCha20-Poly1305.
const KeyLength = 32

// DefaultConfig returns costs suitable for an interactive CLI start-up.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Params{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
		},
		Policy: Policy{
			MinLength:      12,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// FromEnv overlays CHAT_KDF_* and CHAT_PASSPHRASE_* variables on the defaults.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("passphrase env: %w", err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	p := c.Params
	if p.MemoryKiB < 8*uint32(max(p.Parallelism, 1)) || p.Iterations == 0 || p.Parallelism == 0 {
		return fmt.Errorf("passphrase: invalid argon2id params m=%d t=%d p=%d", p.MemoryKiB, p.Iterations, p.Parallelism)
	}
	if p.SaltLength < 8 || p.SaltLength > 64 {
		return fmt.Errorf("passphrase: salt length %d out of [8..64]", p.SaltLength)
	}
	if c.Policy.MinLength < 1 || c.Policy.MaxLength < c.Policy.MinLength {
		return fmt.Errorf("passphrase: invalid length policy [%d..%d]", c.Policy.MinLength, c.Policy.MaxLength)
	}
	return nil
}

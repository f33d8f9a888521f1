package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"chatsession/cmd/security/passphrase"
)

const sealedPrefix = "sealed:v1:"

// Sealed encrypts values with XChaCha20-Poly1305 before handing them to the
// inner Store. The key name is bound as additional data, so a ciphertext
// copied from one key to another fails to open.
type Sealed struct {
	inner Store
	key   []byte
}

// NewSealed wraps inner with a 32-byte key.
func NewSealed(inner Store, key []byte) (*Sealed, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: nil inner store", ErrConfig)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: seal key must be %d bytes", ErrConfig, chacha20poly1305.KeySize)
	}
	return &Sealed{inner: inner, key: append([]byte(nil), key...)}, nil
}

// NewSealedFromHex wraps inner with a hex-encoded 32-byte key.
func NewSealedFromHex(inner Store, keyHex string) (*Sealed, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: seal key hex: %v", ErrConfig, err)
	}
	return NewSealed(inner, key)
}

// Keys the passphrase variant keeps in the inner store.
const (
	KeySealSpec  = "seal_spec"
	KeySealCheck = "seal_check"
)

const sealCheckValue = "chatsession"

// NewSealedFromPassphrase derives the key from passphrase with the salt and
// costs persisted in inner under KeySealSpec, creating them on first use. A
// sealed check value detects a wrong passphrase up front with ErrSealed.
func NewSealedFromPassphrase(ctx context.Context, inner Store, pass string, kdf passphrase.Config) (*Sealed, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: nil inner store", ErrConfig)
	}
	spec, ok, err := inner.Get(ctx, KeySealSpec)
	if err != nil {
		return nil, err
	}
	if !ok {
		if spec, err = kdf.NewSpec(); err != nil {
			return nil, err
		}
	}

	key, err := kdf.Derive(spec, pass)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	s, err := NewSealed(inner, key)
	if err != nil {
		return nil, err
	}

	if !ok {
		if err := inner.Set(ctx, KeySealSpec, spec); err != nil {
			return nil, err
		}
		if err := s.Set(ctx, KeySealCheck, sealCheckValue); err != nil {
			return nil, err
		}
		return s, nil
	}

	v, found, err := s.Get(ctx, KeySealCheck)
	if err != nil {
		return nil, err
	}
	if !found || v != sealCheckValue {
		return nil, fmt.Errorf("%w: check value mismatch", ErrSealed)
	}
	return s, nil
}

func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := s.open(key, raw)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Close closes the inner store.
func (s *Sealed) Close() error { return s.inner.Close() }

func (s *Sealed) seal(key, value string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *Sealed) open(key, raw string) (string, error) {
	if !strings.HasPrefix(raw, sealedPrefix) {
		return "", fmt.Errorf("%w: missing prefix", ErrSealed)
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(raw, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealed, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(b) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: short ciphertext", ErrSealed)
	}
	nonce, ct := b[:aead.NonceSize()], b[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return string(plain), nil
}

var _ Store = (*Sealed)(nil)

package tokenstore

import (
	"context"
	"fmt"
	"strings"
)

// Fixed keys under which the pair is persisted.
const (
	KeyAccess  = "access"
	KeyRefresh = "refresh"
)

// Store is a durable string key-value holder.
//
// Get reports ok=false for a missing key; a missing key is not an error.
// Delete of a missing key is a no-op.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// TokenPair is the access + refresh token pair.
type TokenPair struct {
	Access  string
	Refresh string
}

// HasAccess reports whether an access token is present.
func (p TokenPair) HasAccess() bool { return strings.TrimSpace(p.Access) != "" }

// Empty reports whether neither token is present.
func (p TokenPair) Empty() bool {
	return strings.TrimSpace(p.Access) == "" && strings.TrimSpace(p.Refresh) == ""
}

// Validate enforces that a present access token implies a present refresh token.
func (p TokenPair) Validate() error {
	if p.HasAccess() && strings.TrimSpace(p.Refresh) == "" {
		return fmt.Errorf("%w: access without refresh", ErrInvalidPair)
	}
	return nil
}

// LoadPair reads both tokens. Missing keys yield empty strings.
func LoadPair(ctx context.Context, s Store) (TokenPair, error) {
	access, _, err := s.Get(ctx, KeyAccess)
	if err != nil {
		return TokenPair{}, fmt.Errorf("load access: %w", err)
	}
	refresh, _, err := s.Get(ctx, KeyRefresh)
	if err != nil {
		return TokenPair{}, fmt.Errorf("load refresh: %w", err)
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// SavePair writes both tokens. Refresh is written first so a reader never
// observes an access token without its refresh token.
func SavePair(ctx context.Context, s Store, p TokenPair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.Set(ctx, KeyRefresh, p.Refresh); err != nil {
		return fmt.Errorf("save refresh: %w", err)
	}
	if err := s.Set(ctx, KeyAccess, p.Access); err != nil {
		return fmt.Errorf("save access: %w", err)
	}
	return nil
}

// ClearPair removes both tokens, access first.
func ClearPair(ctx context.Context, s Store) error {
	if err := s.Delete(ctx, KeyAccess); err != nil {
		return fmt.Errorf("clear access: %w", err)
	}
	if err := s.Delete(ctx, KeyRefresh); err != nil {
		return fmt.Errorf("clear refresh: %w", err)
	}
	return nil
}

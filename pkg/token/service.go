package token

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service issues, verifies, and revokes opaque bearer tokens. The raw
// token value leaves the service exactly once, at issue time; only the
// hash is stored.
type Service struct {
	store Store
	gen   *Generator
}

// NewService creates a token service backed by the given store
func NewService(store Store) *Service {
	return &Service{
		store: store,
		gen:   NewGenerator(),
	}
}

// Issue generates a new token for the owner. A zero ttl means the token
// never expires. Returns the record and the raw value.
func (s *Service) Issue(ctx context.Context, owner OwnerRef, kind Kind, ttl time.Duration, note string) (*Token, string, error) {
	raw, hash, display, err := s.gen.Generate()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	t := &Token{
		ID:           uuid.NewString(),
		Owner:        owner,
		Kind:         kind,
		Hash:         hash,
		DisplayValue: display,
		Note:         note,
		CreatedAt:    time.Now(),
	}
	if ttl > 0 {
		expires := t.CreatedAt.Add(ttl)
		t.ExpiresAt = &expires
	}

	if err := s.store.Insert(ctx, t); err != nil {
		return nil, "", fmt.Errorf("failed to store token: %w", err)
	}

	return t, raw, nil
}

// Verify resolves a presented raw value to its token record. Fails with
// ErrTokenInvalid, ErrTokenRevoked, or ErrTokenExpired; on success the
// last-used time is updated.
func (s *Service) Verify(ctx context.Context, raw string) (*Token, error) {
	if err := s.gen.ValidateFormat(raw); err != nil {
		return nil, ErrTokenInvalid
	}

	t, err := s.store.GetByHash(ctx, s.gen.HashToken(raw))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if t.Revoked {
		return nil, ErrTokenRevoked
	}
	now := time.Now()
	if t.Expired(now) {
		return nil, ErrTokenExpired
	}

	// Best effort; a failed timestamp update must not fail verification
	_ = s.store.UpdateLastUsed(ctx, t.ID, now)

	return t, nil
}

// Revoke marks a token revoked. Takes effect on the very next Verify.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.store.MarkRevoked(ctx, id)
}

// RevokeAllFor revokes every token belonging to the owner
func (s *Service) RevokeAllFor(ctx context.Context, owner OwnerRef) error {
	tokens, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.Revoked {
			continue
		}
		if err := s.store.MarkRevoked(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

// List returns the owner's tokens, hashes stripped by JSON tags
func (s *Service) List(ctx context.Context, owner OwnerRef) ([]*Token, error) {
	return s.store.ListByOwner(ctx, owner)
}

// Get returns a token record by ID
func (s *Service) Get(ctx context.Context, id string) (*Token, error) {
	return s.store.GetByID(ctx, id)
}

// CleanupExpired removes tokens past their expiry
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, time.Now())
}

// CountActive returns the number of live tokens, for metrics
func (s *Service) CountActive(ctx context.Context) (int, error) {
	return s.store.CountActive(ctx)
}

package token

import (
	"context"
	"sync"
	"time"
)

// Store persists token records. Implementations must be safe for
// concurrent use.
type Store interface {
	Insert(ctx context.Context, t *Token) error
	GetByHash(ctx context.Context, hash string) (*Token, error)
	GetByID(ctx context.Context, id string) (*Token, error)
	ListByOwner(ctx context.Context, owner OwnerRef) ([]*Token, error)
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
	MarkRevoked(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	CountActive(ctx context.Context) (int, error)
}

// MemoryStore is an in-memory Store used for development and tests
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*Token
	byID   map[string]string // id -> hash
}

// NewMemoryStore creates an empty in-memory token store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*Token),
		byID:   make(map[string]string),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.byHash[t.Hash] = &cp
	s.byID[t.ID] = t.Hash
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byHash[hash]
	if !ok {
		return nil, ErrTokenInvalid
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.byID[id]
	if !ok {
		return nil, ErrTokenInvalid
	}
	cp := *s.byHash[hash]
	return &cp, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner OwnerRef) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Token
	for _, t := range s.byHash {
		if t.Owner == owner {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.byID[id]
	if !ok {
		return ErrTokenInvalid
	}
	s.byHash[hash].LastUsedAt = &at
	return nil
}

func (s *MemoryStore) MarkRevoked(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.byID[id]
	if !ok {
		return ErrTokenInvalid
	}
	s.byHash[hash].Revoked = true
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, t := range s.byHash {
		if t.ExpiresAt != nil && t.ExpiresAt.Before(before) {
			delete(s.byHash, hash)
			delete(s.byID, t.ID)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, t := range s.byHash {
		if !t.Revoked && !t.Expired(now) {
			n++
		}
	}
	return n, nil
}

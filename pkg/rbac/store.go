package rbac

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrRoleNotFound  = errors.New("role not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrRoleExists    = errors.New("role already exists")
	ErrGroupExists   = errors.New("group already exists")
)

// Store persists roles and groups
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, name string) error

	CreateGroup(ctx context.Context, group *Group) error
	GetGroup(ctx context.Context, name string) (*Group, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	UpdateGroup(ctx context.Context, group *Group) error
	DeleteGroup(ctx context.Context, name string) error
}

// MemoryStore is an in-memory Store for development and tests
type MemoryStore struct {
	mu     sync.RWMutex
	roles  map[string]*Role
	groups map[string]*Group
}

// NewMemoryStore creates an empty in-memory RBAC store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:  make(map[string]*Role),
		groups: make(map[string]*Group),
	}
}

func (s *MemoryStore) CreateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.Name]; ok {
		return ErrRoleExists
	}
	now := time.Now()
	role.CreatedAt = now
	role.UpdatedAt = now
	cp := *role
	s.roles[role.Name] = &cp
	return nil
}

func (s *MemoryStore) GetRole(ctx context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[name]
	if !ok {
		return nil, ErrRoleNotFound
	}
	cp := *role
	return &cp, nil
}

func (s *MemoryStore) ListRoles(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, role := range s.roles {
		cp := *role
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.roles[role.Name]
	if !ok {
		return ErrRoleNotFound
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = time.Now()
	cp := *role
	s.roles[role.Name] = &cp
	return nil
}

func (s *MemoryStore) DeleteRole(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[name]; !ok {
		return ErrRoleNotFound
	}
	delete(s.roles, name)
	return nil
}

func (s *MemoryStore) CreateGroup(ctx context.Context, group *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group.Name]; ok {
		return ErrGroupExists
	}
	group.CreatedAt = time.Now()
	cp := *group
	s.groups[group.Name] = &cp
	return nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[name]
	if !ok {
		return nil, ErrGroupNotFound
	}
	cp := *group
	return &cp, nil
}

func (s *MemoryStore) ListGroups(ctx context.Context) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Group, 0, len(s.groups))
	for _, group := range s.groups {
		cp := *group
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateGroup(ctx context.Context, group *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.groups[group.Name]
	if !ok {
		return ErrGroupNotFound
	}
	group.CreatedAt = existing.CreatedAt
	cp := *group
	s.groups[group.Name] = &cp
	return nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; !ok {
		return ErrGroupNotFound
	}
	delete(s.groups, name)
	return nil
}

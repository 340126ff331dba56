package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore persists roles and groups in a SQL database. Scopes and
// grant lists are stored as JSON columns, following the shape of the
// role rows rather than a join-table normal form; role counts are small
// and reads dominate.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQL-backed RBAC store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the roles and groups tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS roles (
			name        TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			scopes      TEXT NOT NULL,
			users       TEXT NOT NULL DEFAULT '[]',
			groups      TEXT NOT NULL DEFAULT '[]',
			services    TEXT NOT NULL DEFAULT '[]',
			builtin     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			name       TEXT PRIMARY KEY,
			members    TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run rbac migration: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) CreateRole(ctx context.Context, role *Role) error {
	scopes, users, groups, services, err := marshalRole(role)
	if err != nil {
		return err
	}
	now := time.Now()
	role.CreatedAt = now
	role.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (name, description, scopes, users, groups, services, builtin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		role.Name, role.Description, scopes, users, groups, services, role.Builtin, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRole(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, description, scopes, users, groups, services, builtin, created_at, updated_at
		FROM roles WHERE name = $1`, name)
	return scanRole(row)
}

func (s *SQLStore) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, scopes, users, groups, services, builtin, created_at, updated_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var out []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateRole(ctx context.Context, role *Role) error {
	scopes, users, groups, services, err := marshalRole(role)
	if err != nil {
		return err
	}
	role.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE roles SET description = $1, scopes = $2, users = $3, groups = $4, services = $5, updated_at = $6
		WHERE name = $7`,
		role.Description, scopes, users, groups, services, role.UpdatedAt, role.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return requireRoleRow(res)
}

func (s *SQLStore) DeleteRole(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return requireRoleRow(res)
}

func (s *SQLStore) CreateGroup(ctx context.Context, group *Group) error {
	members, err := json.Marshal(group.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal group members: %w", err)
	}
	group.CreatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (name, members, created_at) VALUES ($1, $2, $3)`,
		group.Name, string(members), group.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

func (s *SQLStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, members, created_at FROM groups WHERE name = $1`, name)
	return scanGroup(row)
}

func (s *SQLStore) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, members, created_at FROM groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateGroup(ctx context.Context, group *Group) error {
	members, err := json.Marshal(group.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal group members: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE groups SET members = $1 WHERE name = $2`,
		string(members), group.Name)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	return requireGroupRow(res)
}

func (s *SQLStore) DeleteGroup(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return requireGroupRow(res)
}

func marshalRole(role *Role) (scopes, users, groups, services string, err error) {
	raw := make([]string, 0, len(role.Scopes))
	for _, s := range role.Scopes {
		raw = append(raw, s.String())
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal scopes: %w", err)
	}
	scopes = string(b)

	if users, err = marshalList(role.Users); err != nil {
		return "", "", "", "", err
	}
	if groups, err = marshalList(role.Groups); err != nil {
		return "", "", "", "", err
	}
	if services, err = marshalList(role.Services); err != nil {
		return "", "", "", "", err
	}
	return scopes, users, groups, services, nil
}

func marshalList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal grant list: %w", err)
	}
	return string(b), nil
}

type roleScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row roleScanner) (*Role, error) {
	var role Role
	var scopesJSON, usersJSON, groupsJSON, servicesJSON string

	err := row.Scan(&role.Name, &role.Description, &scopesJSON, &usersJSON,
		&groupsJSON, &servicesJSON, &role.Builtin, &role.CreatedAt, &role.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}

	var raw []string
	if err := json.Unmarshal([]byte(scopesJSON), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes for role %s: %w", role.Name, err)
	}
	role.Scopes, err = ParseScopes(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid stored scope for role %s: %w", role.Name, err)
	}

	if err := json.Unmarshal([]byte(usersJSON), &role.Users); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user grants for role %s: %w", role.Name, err)
	}
	if err := json.Unmarshal([]byte(groupsJSON), &role.Groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal group grants for role %s: %w", role.Name, err)
	}
	if err := json.Unmarshal([]byte(servicesJSON), &role.Services); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service grants for role %s: %w", role.Name, err)
	}
	return &role, nil
}

func scanGroup(row roleScanner) (*Group, error) {
	var group Group
	var membersJSON string

	err := row.Scan(&group.Name, &membersJSON, &group.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}

	if err := json.Unmarshal([]byte(membersJSON), &group.Members); err != nil {
		return nil, fmt.Errorf("failed to unmarshal members for group %s: %w", group.Name, err)
	}
	return &group, nil
}

func requireRoleRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoleNotFound
	}
	return nil
}

func requireGroupRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

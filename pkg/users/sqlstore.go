package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore persists users and services in a SQL database
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQL-backed user store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the users and services tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			name          TEXT PRIMARY KEY,
			admin         BOOLEAN NOT NULL DEFAULT FALSE,
			roles         TEXT NOT NULL DEFAULT '[]',
			user_groups   TEXT NOT NULL DEFAULT '[]',
			created_at    TIMESTAMP NOT NULL,
			last_activity TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS services (
			name       TEXT PRIMARY KEY,
			roles      TEXT NOT NULL DEFAULT '[]',
			admin      BOOLEAN NOT NULL DEFAULT FALSE,
			url        TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run users migration: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	roles, groups, err := marshalUserLists(user)
	if err != nil {
		return err
	}
	user.CreatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (name, admin, roles, user_groups, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		user.Name, user.Admin, roles, groups, user.CreatedAt, nullTime(user.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetUser(ctx context.Context, name string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, admin, roles, user_groups, created_at, last_activity
		FROM users WHERE name = $1`, name)
	return scanUser(row)
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, admin, roles, user_groups, created_at, last_activity
		FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateUser(ctx context.Context, user *User) error {
	roles, groups, err := marshalUserLists(user)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET admin = $1, roles = $2, user_groups = $3, last_activity = $4
		WHERE name = $5`,
		user.Admin, roles, groups, nullTime(user.LastActivity), user.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireUserRow(res)
}

func (s *SQLStore) DeleteUser(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireUserRow(res)
}

func (s *SQLStore) TouchActivity(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_activity = $1
		WHERE name = $2 AND (last_activity IS NULL OR last_activity < $1)`, at, name)
	if err != nil {
		return fmt.Errorf("failed to update activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// Zero rows here can mean either a missing user or an older
	// timestamp; distinguish them so callers see real absence.
	if n == 0 {
		if _, err := s.GetUser(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) CreateService(ctx context.Context, svc *Service) error {
	roles, err := json.Marshal(emptyIfNil(svc.Roles))
	if err != nil {
		return fmt.Errorf("failed to marshal service roles: %w", err)
	}
	svc.CreatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (name, roles, admin, url, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		svc.Name, string(roles), svc.Admin, svc.URL, svc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (s *SQLStore) GetService(ctx context.Context, name string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, roles, admin, url, created_at FROM services WHERE name = $1`, name)
	return scanService(row)
}

func (s *SQLStore) ListServices(ctx context.Context) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, roles, admin, url, created_at FROM services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteService(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func marshalUserLists(user *User) (roles, groups string, err error) {
	r, err := json.Marshal(emptyIfNil(user.Roles))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal roles: %w", err)
	}
	g, err := json.Marshal(emptyIfNil(user.Groups))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal groups: %w", err)
	}
	return string(r), string(g), nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var user User
	var rolesJSON, groupsJSON string
	var lastActivity sql.NullTime

	err := row.Scan(&user.Name, &user.Admin, &rolesJSON, &groupsJSON,
		&user.CreatedAt, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	if err := json.Unmarshal([]byte(rolesJSON), &user.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles for user %s: %w", user.Name, err)
	}
	if err := json.Unmarshal([]byte(groupsJSON), &user.Groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal groups for user %s: %w", user.Name, err)
	}
	if lastActivity.Valid {
		user.LastActivity = lastActivity.Time
	}
	return &user, nil
}

func scanService(row rowScanner) (*Service, error) {
	var svc Service
	var rolesJSON string

	err := row.Scan(&svc.Name, &rolesJSON, &svc.Admin, &svc.URL, &svc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan service: %w", err)
	}

	if err := json.Unmarshal([]byte(rolesJSON), &svc.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles for service %s: %w", svc.Name, err)
	}
	return &svc, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func requireUserRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

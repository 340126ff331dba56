package token

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore persists tokens in a SQL database (PostgreSQL or SQLite)
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQL-backed token store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the tokens table if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tokens (
			id            TEXT PRIMARY KEY,
			owner_name    TEXT NOT NULL,
			owner_service BOOLEAN NOT NULL DEFAULT FALSE,
			kind          TEXT NOT NULL,
			hash          TEXT NOT NULL UNIQUE,
			display_value TEXT NOT NULL,
			note          TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL,
			expires_at    TIMESTAMP,
			last_used_at  TIMESTAMP,
			revoked       BOOLEAN NOT NULL DEFAULT FALSE
		)`)
	if err != nil {
		return fmt.Errorf("failed to create tokens table: %w", err)
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, t *Token) error {
	query := `
		INSERT INTO tokens (id, owner_name, owner_service, kind, hash, display_value, note, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Owner.Name, t.Owner.Service, string(t.Kind), t.Hash,
		t.DisplayValue, t.Note, t.CreatedAt, t.ExpiresAt, t.Revoked,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

func (s *SQLStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	query := `
		SELECT id, owner_name, owner_service, kind, hash, display_value, note, created_at, expires_at, last_used_at, revoked
		FROM tokens WHERE hash = $1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, hash))
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*Token, error) {
	query := `
		SELECT id, owner_name, owner_service, kind, hash, display_value, note, created_at, expires_at, last_used_at, revoked
		FROM tokens WHERE id = $1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) ListByOwner(ctx context.Context, owner OwnerRef) ([]*Token, error) {
	query := `
		SELECT id, owner_name, owner_service, kind, hash, display_value, note, created_at, expires_at, last_used_at, revoked
		FROM tokens WHERE owner_name = $1 AND owner_service = $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, owner.Name, owner.Service)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		t, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to update last used: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) MarkRevoked(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tokens
		WHERE revoked = FALSE AND (expires_at IS NULL OR expires_at > $1)
	`, time.Now()).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) scanOne(row rowScanner) (*Token, error) {
	var t Token
	var kind string
	var expires, lastUsed sql.NullTime

	err := row.Scan(&t.ID, &t.Owner.Name, &t.Owner.Service, &kind, &t.Hash,
		&t.DisplayValue, &t.Note, &t.CreatedAt, &expires, &lastUsed, &t.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}

	t.Kind = Kind(kind)
	if expires.Valid {
		t.ExpiresAt = &expires.Time
	}
	if lastUsed.Valid {
		t.LastUsedAt = &lastUsed.Time
	}
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenInvalid
	}
	return nil
}

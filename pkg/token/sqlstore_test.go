package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	now := time.Now()

	mock.ExpectExec("INSERT INTO tokens").
		WithArgs("tok-1", "mal", false, "api", "abc123", "hub_abcdefgh", "server token", now, nil, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Insert(context.Background(), &Token{
		ID:           "tok-1",
		Owner:        OwnerRef{Name: "mal"},
		Kind:         KindAPI,
		Hash:         "abc123",
		DisplayValue: "hub_abcdefgh",
		Note:         "server token",
		CreatedAt:    now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetByHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	now := time.Now()

	cols := []string{"id", "owner_name", "owner_service", "kind", "hash", "display_value", "note", "created_at", "expires_at", "last_used_at", "revoked"}
	mock.ExpectQuery("SELECT (.+) FROM tokens WHERE hash").
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("tok-1", "mal", false, "api", "abc123", "hub_abcdefgh", "", now, nil, nil, false))

	got, err := store.GetByHash(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ID)
	assert.Equal(t, KindAPI, got.Kind)
	assert.Nil(t, got.ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetByHash_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)

	cols := []string{"id", "owner_name", "owner_service", "kind", "hash", "display_value", "note", "created_at", "expires_at", "last_used_at", "revoked"}
	mock.ExpectQuery("SELECT (.+) FROM tokens WHERE hash").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err = store.GetByHash(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrTokenInvalid))
}

func TestSQLStore_MarkRevoked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)

	mock.ExpectExec("UPDATE tokens SET revoked").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkRevoked(context.Background(), "tok-1"))

	mock.ExpectExec("UPDATE tokens SET revoked").
		WithArgs("tok-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.MarkRevoked(context.Background(), "tok-2")
	assert.True(t, errors.Is(err, ErrTokenInvalid))
	require.NoError(t, mock.ExpectationsWereMet())
}

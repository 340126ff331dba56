package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_IssueVerifyRoundTrip(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	owner := OwnerRef{Name: "mal"}
	issued, raw, err := svc.Issue(ctx, owner, KindAPI, time.Hour, "notebook server")
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	got, err := svc.Verify(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, got.ID)
	assert.Equal(t, owner, got.Owner)
	assert.NotNil(t, got.LastUsedAt, "verify should record last-used time")
}

func TestService_RawValueReturnedOnce(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	issued, raw, err := svc.Issue(ctx, OwnerRef{Name: "kaylee"}, KindSession, 0, "")
	require.NoError(t, err)

	// The stored record carries the hash, never the raw value
	assert.NotEqual(t, raw, issued.Hash)
	assert.NotContains(t, issued.DisplayValue, raw[len(Prefix)+8:])
}

func TestService_RevokeTakesEffectImmediately(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	issued, raw, err := svc.Issue(ctx, OwnerRef{Name: "zoe"}, KindSession, time.Hour, "")
	require.NoError(t, err)

	// Verified successfully microseconds before revocation
	_, err = svc.Verify(ctx, raw)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, issued.ID))

	_, err = svc.Verify(ctx, raw)
	assert.True(t, errors.Is(err, ErrTokenRevoked), "expected ErrTokenRevoked, got %v", err)
}

func TestService_VerifyExpired(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	issued, raw, err := svc.Issue(ctx, OwnerRef{Name: "wash"}, KindAPI, time.Hour, "")
	require.NoError(t, err)

	// Force the expiry into the past
	past := time.Now().Add(-time.Minute)
	issued.ExpiresAt = &past
	require.NoError(t, store.Insert(ctx, issued))

	_, err = svc.Verify(ctx, raw)
	assert.True(t, errors.Is(err, ErrTokenExpired), "expected ErrTokenExpired, got %v", err)
}

func TestService_VerifyUnknownAndMalformed(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Verify(ctx, "hub_dW5rbm93bnRva2Vu")
	assert.True(t, errors.Is(err, ErrTokenInvalid))

	_, err = svc.Verify(ctx, "not-a-token")
	assert.True(t, errors.Is(err, ErrTokenInvalid))
}

func TestService_RevokeAllFor(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	owner := OwnerRef{Name: "inara"}
	_, raw1, err := svc.Issue(ctx, owner, KindAPI, 0, "")
	require.NoError(t, err)
	_, raw2, err := svc.Issue(ctx, owner, KindSession, 0, "")
	require.NoError(t, err)
	_, other, err := svc.Issue(ctx, OwnerRef{Name: "book"}, KindAPI, 0, "")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAllFor(ctx, owner))

	_, err = svc.Verify(ctx, raw1)
	assert.Error(t, err)
	_, err = svc.Verify(ctx, raw2)
	assert.Error(t, err)
	_, err = svc.Verify(ctx, other)
	assert.NoError(t, err, "other owners' tokens must survive")
}

func TestService_CleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	expired, _, err := svc.Issue(ctx, OwnerRef{Name: "jayne"}, KindAPI, time.Hour, "")
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, store.Insert(ctx, expired))

	_, _, err = svc.Issue(ctx, OwnerRef{Name: "jayne"}, KindAPI, 0, "")
	require.NoError(t, err)

	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := svc.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

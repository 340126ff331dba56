// Package token implements opaque bearer token issuance and verification.
//
// Tokens are the sole credential the hub accepts on API requests. A token
// is 32 random bytes, base64url encoded behind the "hub_" prefix. Only a
// SHA-256 hash is stored; the raw value is returned exactly once at issue
// time and cannot be recovered later.
//
//	svc := token.NewService(token.NewMemoryStore())
//	t, raw, _ := svc.Issue(ctx, token.OwnerRef{Name: "mal"}, token.KindAPI, time.Hour, "notebook server")
//	got, _ := svc.Verify(ctx, raw) // got.ID == t.ID
//	_ = svc.Revoke(ctx, t.ID)     // next Verify fails with ErrTokenRevoked
//
// Revocation is immediate: callers must not cache positive verification
// results beyond a single request.
package token

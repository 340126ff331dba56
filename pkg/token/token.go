package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Prefix identifies hub-issued tokens
	Prefix = "hub_"
	// RandomLength is the total length of random bytes (32 bytes = 256 bits)
	RandomLength = 32
)

// Verification failures. Callers must not cache a positive verification
// beyond a single request; revocation takes effect on the next Verify.
var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

// Kind classifies a token by how it was issued
type Kind string

const (
	KindSession Kind = "session" // browser session cookie
	KindAPI     Kind = "api"     // user-requested API token
	KindServer  Kind = "server"  // minted for a single-user server instance
	KindService Kind = "service" // externally managed service token
)

// OwnerRef identifies the principal a token belongs to
type OwnerRef struct {
	Name    string `json:"name"`
	Service bool   `json:"service,omitempty"`
}

func (o OwnerRef) String() string {
	if o.Service {
		return "service:" + o.Name
	}
	return "user:" + o.Name
}

// Token is the stored record of an issued credential. The raw value is
// returned exactly once at issue time and only its SHA-256 hash is kept.
type Token struct {
	ID           string     `json:"id"`
	Owner        OwnerRef   `json:"owner"`
	Kind         Kind       `json:"kind"`
	Hash         string     `json:"-"` // never expose the hash
	DisplayValue string     `json:"display_value"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	Revoked      bool       `json:"revoked"`
}

// Expired reports whether the token is past its expiry at the given time
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Generator generates and hashes opaque bearer tokens
type Generator struct{}

// NewGenerator creates a new token generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a new token value.
// Format: hub_<base64url(32 random bytes)>
func (g *Generator) Generate() (raw string, hash string, display string, err error) {
	randomBytes := make([]byte, RandomLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	raw = Prefix + encoded

	sum := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(sum[:])

	// First 8 encoded chars are kept for display and lookup in listings
	display = Prefix + encoded[:8]

	return raw, hash, display, nil
}

// HashToken computes the SHA-256 hash of a raw token for lookup
func (g *Generator) HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidateFormat checks if a presented value has the hub token shape
func (g *Generator) ValidateFormat(raw string) error {
	if !strings.HasPrefix(raw, Prefix) {
		return fmt.Errorf("token must start with %q", Prefix)
	}
	encoded := strings.TrimPrefix(raw, Prefix)
	if encoded == "" {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}

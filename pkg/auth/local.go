package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

func init() {
	Register("local", newLocalFromConfig)
}

// LocalAuthenticator verifies passwords against bcrypt hashes held in
// hub config. Suitable for small deployments and testing; larger
// installations should use the oidc backend.
type LocalAuthenticator struct {
	hashes map[string]string
	admins map[string]bool
}

// NewLocalAuthenticator creates a local authenticator from a map of
// username to bcrypt password hash.
func NewLocalAuthenticator(hashes map[string]string, admins []string) *LocalAuthenticator {
	adminSet := make(map[string]bool, len(admins))
	for _, name := range admins {
		adminSet[name] = true
	}
	return &LocalAuthenticator{hashes: hashes, admins: adminSet}
}

func newLocalFromConfig(ctx context.Context, cfg map[string]interface{}) (Authenticator, error) {
	rawUsers, ok := cfg["users"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("local authenticator requires a users map")
	}
	hashes := make(map[string]string, len(rawUsers))
	for name, v := range rawUsers {
		hash, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("local authenticator: password hash for %q must be a string", name)
		}
		hashes[name] = hash
	}

	var admins []string
	if rawAdmins, ok := cfg["admins"].([]interface{}); ok {
		for _, v := range rawAdmins {
			if name, ok := v.(string); ok {
				admins = append(admins, name)
			}
		}
	}
	return NewLocalAuthenticator(hashes, admins), nil
}

// Authenticate checks the password against the stored bcrypt hash
func (a *LocalAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*AuthenticatedUser, error) {
	hash, ok := a.hashes[creds.Username]
	if !ok {
		// Burn a comparison anyway so unknown usernames cost the same
		// as wrong passwords.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(creds.Password))
		return nil, ErrAuthRejected
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)); err != nil {
		return nil, ErrAuthRejected
	}

	user := &AuthenticatedUser{Name: creds.Username}
	if a.admins[creds.Username] {
		admin := true
		user.Admin = &admin
	}
	return user, nil
}

// HashPassword produces a bcrypt hash for hub config, used by the CLI
// helper.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

package auth

import "context"

func init() {
	Register("dummy", newDummyFromConfig)
}

// DummyAuthenticator accepts any username, optionally gated by a single
// shared password. Development only.
type DummyAuthenticator struct {
	password string
}

// NewDummyAuthenticator creates a dummy authenticator. An empty
// password accepts any login.
func NewDummyAuthenticator(password string) *DummyAuthenticator {
	return &DummyAuthenticator{password: password}
}

func newDummyFromConfig(ctx context.Context, cfg map[string]interface{}) (Authenticator, error) {
	password, _ := cfg["password"].(string)
	return NewDummyAuthenticator(password), nil
}

func (a *DummyAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*AuthenticatedUser, error) {
	if creds.Username == "" {
		return nil, ErrAuthRejected
	}
	if a.password != "" && creds.Password != a.password {
		return nil, ErrAuthRejected
	}
	return &AuthenticatedUser{Name: creds.Username}, nil
}

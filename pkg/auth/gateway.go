package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/calyptra/hubble/pkg/observability"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

// usernamePattern is the shape a normalized username must have. It
// matches DNS label rules so usernames can appear in route prefixes and
// container names.
var usernamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ErrInvalidUsername is returned when the normalized username cannot be
// used as a route or container label.
var ErrInvalidUsername = errors.New("invalid username")

// ValidUsername reports whether a normalized username is acceptable
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Session is the result of a successful login
type Session struct {
	User     *users.User
	Token    *token.Token
	RawToken string
}

// Gateway runs the login pipeline: backend authentication, username
// normalization and validation, whitelist enforcement, optional
// provisioning, account creation on first login, and session token
// minting.
type Gateway struct {
	authenticator Authenticator
	whitelist     *Whitelist
	userStore     users.Store
	tokens        *token.Service
	sessionTTL    time.Duration
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// GatewayOption configures the gateway
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the gateway logger
func WithGatewayLogger(logger *observability.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithGatewayMetrics sets the gateway metrics
func WithGatewayMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a login gateway. A nil whitelist admits everyone.
func NewGateway(authenticator Authenticator, whitelist *Whitelist, userStore users.Store,
	tokens *token.Service, sessionTTL time.Duration, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		authenticator: authenticator,
		whitelist:     whitelist,
		userStore:     userStore,
		tokens:        tokens,
		sessionTTL:    sessionTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return g
}

// Login authenticates the credentials and returns a new session. All
// credential failures surface as ErrAuthRejected so callers cannot
// probe for valid usernames.
func (g *Gateway) Login(ctx context.Context, creds Credentials) (*Session, error) {
	authed, err := g.authenticator.Authenticate(ctx, creds)
	if err != nil {
		g.observe("rejected")
		if errors.Is(err, ErrAuthRejected) {
			return nil, ErrAuthRejected
		}
		g.logger.WithError(err).Error("authenticator backend failure")
		return nil, fmt.Errorf("authenticator backend: %w", err)
	}
	return g.Admit(ctx, authed)
}

// Admit runs the post-authentication half of the pipeline for an
// already-verified user, e.g. from an OIDC callback.
func (g *Gateway) Admit(ctx context.Context, authed *AuthenticatedUser) (*Session, error) {
	name := g.normalize(authed.Name)
	if !g.validate(name) {
		g.observe("invalid_username")
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	}

	if g.whitelist != nil && !g.whitelist.Allows(name) {
		g.observe("not_whitelisted")
		g.logger.WithField("user", name).Warn("login denied, user not in whitelist")
		return nil, ErrNotWhitelisted
	}

	user, err := g.ensureUser(ctx, name, authed)
	if err != nil {
		if errors.Is(err, ErrProvisioningFailed) {
			g.observe("provisioning_failed")
		} else {
			g.observe("error")
		}
		return nil, err
	}

	tok, raw, err := g.tokens.Issue(ctx, token.OwnerRef{Name: name}, token.KindSession, g.sessionTTL, "login session")
	if err != nil {
		g.observe("error")
		return nil, fmt.Errorf("failed to mint session token: %w", err)
	}

	g.observe("success")
	g.logger.WithField("user", name).Info("login succeeded")
	return &Session{User: user, Token: tok, RawToken: raw}, nil
}

// Authenticator exposes the backend, e.g. for OAuth endpoint wiring
func (g *Gateway) Authenticator() Authenticator {
	return g.authenticator
}

// Logout revokes the session token
func (g *Gateway) Logout(ctx context.Context, tokenID string) error {
	return g.tokens.Revoke(ctx, tokenID)
}

func (g *Gateway) normalize(username string) string {
	if n, ok := g.authenticator.(Normalizer); ok {
		username = n.Normalize(username)
	}
	return strings.ToLower(strings.TrimSpace(username))
}

// validate applies the DNS-label pattern plus any backend-specific
// restriction. The pattern always applies; a backend Validator can only
// narrow it further.
func (g *Gateway) validate(name string) bool {
	if !usernamePattern.MatchString(name) {
		return false
	}
	if v, ok := g.authenticator.(Validator); ok {
		return v.Validate(name)
	}
	return true
}

// ensureUser creates the account on first login, provisioning backend
// state first when the authenticator needs to, and syncs the
// backend-managed attributes on every login.
func (g *Gateway) ensureUser(ctx context.Context, name string, authed *AuthenticatedUser) (*users.User, error) {
	user, err := g.userStore.GetUser(ctx, name)
	if errors.Is(err, users.ErrUserNotFound) {
		if p, ok := g.authenticator.(Provisioner); ok {
			if err := p.Provision(ctx, name); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
			}
		}
		user = &users.User{Name: name}
		applyBackendAttrs(user, authed)
		if err := g.userStore.CreateUser(ctx, user); err != nil && !errors.Is(err, users.ErrUserExists) {
			return nil, fmt.Errorf("failed to create user record: %w", err)
		}
		return user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user record: %w", err)
	}

	applyBackendAttrs(user, authed)
	user.LastActivity = time.Now()
	if err := g.userStore.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user record: %w", err)
	}
	return user, nil
}

func applyBackendAttrs(user *users.User, authed *AuthenticatedUser) {
	if authed.Groups != nil {
		user.Groups = authed.Groups
	}
	if authed.Admin != nil {
		user.Admin = *authed.Admin
	}
}

func (g *Gateway) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.AuthTotal.WithLabelValues(outcome).Inc()
	}
}

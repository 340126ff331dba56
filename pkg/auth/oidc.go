package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

func init() {
	Register("oidc", func(ctx context.Context, cfg map[string]interface{}) (Authenticator, error) {
		oc := OIDCConfig{
			IssuerURL:     stringKey(cfg, "issuer_url"),
			ClientID:      stringKey(cfg, "client_id"),
			ClientSecret:  stringKey(cfg, "client_secret"),
			RedirectURL:   stringKey(cfg, "redirect_url"),
			UsernameClaim: stringKey(cfg, "username_claim"),
			GroupsClaim:   stringKey(cfg, "groups_claim"),
			AdminsClaim:   stringKey(cfg, "admins_claim"),
		}
		if raw, ok := cfg["scopes"].([]interface{}); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					oc.Scopes = append(oc.Scopes, s)
				}
			}
		}
		return NewOIDCAuthenticator(ctx, oc)
	})
}

func stringKey(cfg map[string]interface{}, key string) string {
	s, _ := cfg[key].(string)
	return s
}

// OIDCConfig configures the OpenID Connect backend
type OIDCConfig struct {
	IssuerURL     string   `yaml:"issuer_url"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURL   string   `yaml:"redirect_url"`
	Scopes        []string `yaml:"scopes"`
	UsernameClaim string   `yaml:"username_claim"`
	GroupsClaim   string   `yaml:"groups_claim"`
	AdminsClaim   string   `yaml:"admins_claim"`
}

// OIDCAuthenticator verifies identity through an OpenID Connect
// provider. Logins go through the browser redirect flow, so direct
// credential checks are always rejected; the login handlers call
// AuthCodeURL and HandleCallback instead.
type OIDCAuthenticator struct {
	config       OIDCConfig
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// NewOIDCAuthenticator discovers the provider and builds the verifier
// and OAuth2 exchange config.
func NewOIDCAuthenticator(ctx context.Context, cfg OIDCConfig) (*OIDCAuthenticator, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc authenticator requires issuer_url and client_id")
	}
	if cfg.UsernameClaim == "" {
		cfg.UsernameClaim = "preferred_username"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &OIDCAuthenticator{
		config:   cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
	}, nil
}

// Authenticate always rejects; OIDC logins use the redirect flow
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*AuthenticatedUser, error) {
	return nil, ErrAuthRejected
}

// AuthCodeURL returns the provider authorization URL for the given
// anti-CSRF state.
func (a *OIDCAuthenticator) AuthCodeURL(state string) string {
	return a.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// HandleCallback exchanges the authorization code from the provider
// redirect, verifies the ID token, and maps claims to a user.
func (a *OIDCAuthenticator) HandleCallback(ctx context.Context, r *http.Request) (*AuthenticatedUser, error) {
	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, fmt.Errorf("missing authorization code: %w", ErrAuthRejected)
	}

	oauth2Token, err := a.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in provider response: %w", ErrAuthRejected)
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	return a.userFromClaims(claims)
}

func (a *OIDCAuthenticator) userFromClaims(claims map[string]interface{}) (*AuthenticatedUser, error) {
	name, _ := claims[a.config.UsernameClaim].(string)
	if name == "" {
		return nil, fmt.Errorf("ID token missing claim %q: %w", a.config.UsernameClaim, ErrAuthRejected)
	}

	user := &AuthenticatedUser{Name: name}
	if a.config.GroupsClaim != "" {
		if raw, ok := claims[a.config.GroupsClaim].([]interface{}); ok {
			groups := make([]string, 0, len(raw))
			for _, g := range raw {
				if s, ok := g.(string); ok {
					groups = append(groups, s)
				}
			}
			user.Groups = groups
		}
	}
	if a.config.AdminsClaim != "" {
		if admin, ok := claims[a.config.AdminsClaim].(bool); ok {
			user.Admin = &admin
		}
	}
	return user, nil
}

package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calyptra/hubble/pkg/contextkeys"
	"github.com/calyptra/hubble/pkg/httputil"
	"github.com/calyptra/hubble/pkg/observability"
	"github.com/calyptra/hubble/pkg/rbac"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

// SessionCookie is the browser session cookie name, scoped to /hub/
const SessionCookie = "hubble-session"

// AuthContext is the resolved caller identity attached to the request
// context after token verification.
type AuthContext struct {
	Principal rbac.Principal
	Token     *token.Token
}

// Authorizer authenticates API requests and enforces scopes. Tokens
// arrive either as "Authorization: Bearer <token>" or as the session
// cookie; both resolve through the token service to a principal.
type Authorizer struct {
	tokens  *token.Service
	users   users.Store
	engine  *rbac.Engine
	logger  *observability.Logger
	metrics *observability.Metrics
}

// AuthorizerOption configures the authorizer
type AuthorizerOption func(*Authorizer)

// WithAuthorizerLogger sets the authorizer logger
func WithAuthorizerLogger(logger *observability.Logger) AuthorizerOption {
	return func(a *Authorizer) { a.logger = logger }
}

// WithAuthorizerMetrics sets the authorizer metrics
func WithAuthorizerMetrics(m *observability.Metrics) AuthorizerOption {
	return func(a *Authorizer) { a.metrics = m }
}

// NewAuthorizer creates the authentication/authorization middleware
func NewAuthorizer(tokens *token.Service, userStore users.Store, engine *rbac.Engine,
	opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{tokens: tokens, users: userStore, engine: engine}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return a
}

// Authenticate resolves the caller and stores the AuthContext. Requests
// with no token, an unknown token, or an expired token get a generic
// 401; the body never says which.
func (a *Authorizer) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := rawToken(r)
		if raw == "" {
			httputil.WriteUnauthorized(w)
			return
		}

		tok, err := a.tokens.Verify(r.Context(), raw)
		if err != nil {
			httputil.WriteUnauthorized(w)
			return
		}

		authCtx, err := a.resolve(r.Context(), tok)
		if err != nil {
			// Token for a deleted user or service
			httputil.WriteUnauthorized(w)
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUser(ctx, authCtx.Principal.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolve maps a verified token to its owning principal
func (a *Authorizer) resolve(ctx context.Context, tok *token.Token) (*AuthContext, error) {
	if tok.Owner.Service {
		svc, err := a.users.GetService(ctx, tok.Owner.Name)
		if err != nil {
			return nil, err
		}
		return &AuthContext{Principal: svc.Principal(), Token: tok}, nil
	}

	user, err := a.users.GetUser(ctx, tok.Owner.Name)
	if err != nil {
		return nil, err
	}
	principal := user.Principal()
	// Server tokens act as a non-human principal holding only the
	// server role, never the owner's full user permissions.
	if tok.Kind == token.KindServer {
		principal = rbac.Principal{Name: user.Name, Roles: []string{rbac.RoleServer}, Service: true}
	}
	return &AuthContext{Principal: principal, Token: tok}, nil
}

// ResourceFunc extracts the concrete resource a request addresses,
// usually from mux path variables.
type ResourceFunc func(r *http.Request) rbac.Resource

// UserResource resolves {name} to a user resource. A user is also a
// member of the "user" attribute so self-scoped filters work.
func UserResource(r *http.Request) rbac.Resource {
	return rbac.Resource{"user": mux.Vars(r)["name"]}
}

// GroupResource resolves {name} to a group resource
func GroupResource(r *http.Request) rbac.Resource {
	return rbac.Resource{"group": mux.Vars(r)["name"]}
}

// NoResource is for endpoints with no concrete resource attributes
func NoResource(r *http.Request) rbac.Resource {
	return rbac.Resource{}
}

// RequireScope enforces the scope on the route. Authenticate must run
// first. Denials get a generic 403 with no hint about which scope was
// missing.
func (a *Authorizer) RequireScope(required rbac.Scope, resource ResourceFunc) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w)
				return
			}

			ok, err := a.engine.Authorize(r.Context(), authCtx.Principal, required, resource(r))
			if err != nil {
				a.logger.WithError(err).Error("authorization check failed")
				httputil.WriteInternalError(w)
				return
			}
			if !ok {
				httputil.WriteForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetAuthContext extracts the caller identity from the request
func GetAuthContext(r *http.Request) *AuthContext {
	v := r.Context().Value(contextkeys.AuthKey)
	if v == nil {
		return nil
	}
	authCtx, ok := v.(*AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// rawToken pulls the token from the Authorization header or the
// session cookie, header winning.
func rawToken(r *http.Request) string {
	if raw := httputil.BearerToken(r); raw != "" {
		return raw
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

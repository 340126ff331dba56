package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/auth"
	"github.com/calyptra/hubble/pkg/middleware"
	"github.com/calyptra/hubble/pkg/observability"
	"github.com/calyptra/hubble/pkg/proxy"
	"github.com/calyptra/hubble/pkg/rbac"
	"github.com/calyptra/hubble/pkg/spawner"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

// ServerConfig is the static configuration the REST server needs
type ServerConfig struct {
	// PublicURL is the externally visible base URL of the hub
	PublicURL string
	// SecureCookies marks session cookies Secure; on for any https
	// deployment.
	SecureCookies bool
	// Version is reported by the info endpoint
	Version string
	// AuthBackend and SpawnerBackend are reported by the info endpoint
	AuthBackend    string
	SpawnerBackend string
}

// Server is the hub REST API: login and session endpoints under /hub,
// and the token-authenticated management API under /hub/api.
type Server struct {
	config     ServerConfig
	router     *mux.Router
	gateway    *auth.Gateway
	authorizer *middleware.Authorizer
	users      users.Store
	tokens     *token.Service
	engine     *rbac.Engine
	supervisor *spawner.Supervisor
	routes     *proxy.Manager
	audit      audit.Sink
	auditLog   *audit.MemorySink
	oidc       *auth.OIDCAuthenticator
	limiter    mux.MiddlewareFunc
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// ServerOption configures optional server collaborators
type ServerOption func(*Server)

// WithServerLogger sets the server logger
func WithServerLogger(logger *observability.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerMetrics wires request metrics into the router
func WithServerMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithOIDC enables the browser OAuth login endpoints
func WithOIDC(oidc *auth.OIDCAuthenticator) ServerOption {
	return func(s *Server) { s.oidc = oidc }
}

// WithRateLimiter applies a rate limiting middleware to every route
func WithRateLimiter(limiter mux.MiddlewareFunc) ServerOption {
	return func(s *Server) { s.limiter = limiter }
}

// WithAuditLog exposes the in-memory audit buffer through the query
// endpoint. Without it the endpoint serves an empty list.
func WithAuditLog(log *audit.MemorySink) ServerOption {
	return func(s *Server) { s.auditLog = log }
}

// NewServer wires the REST API over the hub's collaborators. The audit
// sink may be nil, in which case no events are recorded.
func NewServer(config ServerConfig, gateway *auth.Gateway, authorizer *middleware.Authorizer,
	userStore users.Store, tokens *token.Service, engine *rbac.Engine,
	supervisor *spawner.Supervisor, routes *proxy.Manager, sink audit.Sink,
	opts ...ServerOption) *Server {
	s := &Server{
		config:     config,
		router:     mux.NewRouter(),
		gateway:    gateway,
		authorizer: authorizer,
		users:      userStore,
		tokens:     tokens,
		engine:     engine,
		supervisor: supervisor,
		routes:     routes,
		audit:      sink,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router, for mounting extra handlers
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware)
	}
	if s.limiter != nil {
		s.router.Use(s.limiter)
	}

	// Login is the only endpoint reachable without a token
	s.router.HandleFunc("/hub/login", s.handleLogin).Methods(http.MethodPost)
	if s.oidc != nil {
		s.router.HandleFunc("/hub/oauth_login", s.handleOAuthLogin).Methods(http.MethodGet)
		s.router.HandleFunc("/hub/oauth_callback", s.handleOAuthCallback).Methods(http.MethodGet)
	}
	s.router.Handle("/hub/logout",
		s.authorizer.Authenticate(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)

	api := s.router.PathPrefix("/hub/api").Subrouter()
	api.Use(mux.MiddlewareFunc(s.authorizer.Authenticate))

	// Identity and deployment info need authentication but no scope
	api.HandleFunc("/user", s.handleCurrentUser).Methods(http.MethodGet)
	api.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	api.Handle("/users",
		s.scoped("list:users", middleware.NoResource, s.handleListUsers)).Methods(http.MethodGet)
	api.Handle("/users",
		s.scoped("admin:users", middleware.NoResource, s.handleCreateUser)).Methods(http.MethodPost)
	api.Handle("/users/{name}",
		s.scoped("read:user", middleware.UserResource, s.handleGetUser)).Methods(http.MethodGet)
	api.Handle("/users/{name}",
		s.scoped("delete:users", middleware.UserResource, s.handleDeleteUser)).Methods(http.MethodDelete)

	api.Handle("/users/{name}/server",
		s.scoped("start:server", middleware.UserResource, s.handleStartServer)).Methods(http.MethodPost)
	api.Handle("/users/{name}/server",
		s.scoped("stop:server", middleware.UserResource, s.handleStopServer)).Methods(http.MethodDelete)
	api.Handle("/users/{name}/activity",
		s.scoped("post:activity", middleware.UserResource, s.handleActivity)).Methods(http.MethodPost)

	api.Handle("/users/{name}/tokens",
		s.scoped("read:tokens", middleware.UserResource, s.handleListTokens)).Methods(http.MethodGet)
	api.Handle("/users/{name}/tokens",
		s.scoped("create:token", middleware.UserResource, s.handleCreateToken)).Methods(http.MethodPost)
	api.Handle("/users/{name}/tokens/{id}",
		s.scoped("revoke:token", middleware.UserResource, s.handleRevokeToken)).Methods(http.MethodDelete)

	api.Handle("/roles",
		s.scoped("read:roles", middleware.NoResource, s.handleListRoles)).Methods(http.MethodGet)
	api.Handle("/roles",
		s.scoped("admin:roles", middleware.NoResource, s.handleCreateRole)).Methods(http.MethodPost)
	api.Handle("/roles/{name}",
		s.scoped("read:roles", middleware.NoResource, s.handleGetRole)).Methods(http.MethodGet)
	api.Handle("/roles/{name}",
		s.scoped("admin:roles", middleware.NoResource, s.handleUpdateRole)).Methods(http.MethodPut)
	api.Handle("/roles/{name}",
		s.scoped("admin:roles", middleware.NoResource, s.handleDeleteRole)).Methods(http.MethodDelete)

	api.Handle("/groups",
		s.scoped("read:groups", middleware.NoResource, s.handleListGroups)).Methods(http.MethodGet)
	api.Handle("/groups",
		s.scoped("admin:groups", middleware.NoResource, s.handleCreateGroup)).Methods(http.MethodPost)
	api.Handle("/groups/{name}",
		s.scoped("read:groups", middleware.GroupResource, s.handleGetGroup)).Methods(http.MethodGet)
	api.Handle("/groups/{name}",
		s.scoped("admin:groups", middleware.GroupResource, s.handleUpdateGroup)).Methods(http.MethodPut)
	api.Handle("/groups/{name}",
		s.scoped("admin:groups", middleware.GroupResource, s.handleDeleteGroup)).Methods(http.MethodDelete)
	api.Handle("/groups/{name}/users",
		s.scoped("admin:groups", middleware.GroupResource, s.handleAddGroupMembers)).Methods(http.MethodPost)
	api.Handle("/groups/{name}/users",
		s.scoped("admin:groups", middleware.GroupResource, s.handleRemoveGroupMembers)).Methods(http.MethodDelete)

	api.Handle("/services",
		s.scoped("read:services", middleware.NoResource, s.handleListServices)).Methods(http.MethodGet)
	api.Handle("/services",
		s.scoped("admin:services", middleware.NoResource, s.handleCreateService)).Methods(http.MethodPost)
	api.Handle("/services/{name}",
		s.scoped("admin:services", middleware.NoResource, s.handleDeleteService)).Methods(http.MethodDelete)

	api.Handle("/routes",
		s.scoped("read:routes", middleware.NoResource, s.handleListRoutes)).Methods(http.MethodGet)
	api.Handle("/routes/reconcile",
		s.scoped("admin:routes", middleware.NoResource, s.handleReconcileRoutes)).Methods(http.MethodPost)

	api.Handle("/audit",
		s.scoped("read:audit", middleware.NoResource, s.handleAuditLog)).Methods(http.MethodGet)
}

// scoped wraps a handler with the scope check for its route
func (s *Server) scoped(scope string, resource middleware.ResourceFunc, h http.HandlerFunc) http.Handler {
	return s.authorizer.RequireScope(rbac.MustParseScope(scope), resource)(h)
}

// record sends an audit event, logging instead of failing the request
// when the sink is unhealthy.
func (s *Server) record(r *http.Request, event *audit.Event) {
	if s.audit == nil {
		return
	}
	event.WithRequestID(contextRequestID(r))
	if err := s.audit.Record(r.Context(), event); err != nil {
		s.logger.WithError(err).Warn("audit record failed")
	}
}

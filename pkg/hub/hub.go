package hub

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/calyptra/hubble/pkg/api"
	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/auth"
	"github.com/calyptra/hubble/pkg/config"
	"github.com/calyptra/hubble/pkg/middleware"
	"github.com/calyptra/hubble/pkg/observability"
	"github.com/calyptra/hubble/pkg/proxy"
	"github.com/calyptra/hubble/pkg/rbac"
	"github.com/calyptra/hubble/pkg/spawner"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

// Version is stamped at build time
var Version = "dev"

// Hub assembles every subsystem from configuration and runs them: the
// REST API, the server supervisor, the proxy reconciler, and the
// scheduled maintenance jobs.
type Hub struct {
	config  *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	db        *sql.DB
	users     users.Store
	tokens    *token.Service
	engine    *rbac.Engine
	whitelist *auth.Whitelist
	gateway   *auth.Gateway

	supervisor   *spawner.Supervisor
	proxyManager *proxy.Manager

	auditLog *audit.MemorySink
	fileSink *audit.FileSink
	archiver *audit.S3Archiver

	api    *api.Server
	health *observability.HealthChecker
	cron   *cron.Cron
	otel   *observability.OTelProviders
	redis  *redis.Client
}

// New builds a hub from configuration. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*Hub, error) {
	h := &Hub{
		config: cfg,
		logger: observability.NewLogger(cfg.Observability.ParsedLogLevel(), os.Stdout),
		health: observability.NewHealthChecker(),
		cron:   cron.New(),
	}

	if cfg.Observability.MetricsEnabled {
		h.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, h.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	h.otel = providers

	if err := h.buildStores(ctx); err != nil {
		return nil, err
	}
	if err := h.buildAuth(ctx); err != nil {
		return nil, err
	}
	if err := h.buildAudit(ctx); err != nil {
		return nil, err
	}
	if err := h.buildLifecycle(ctx); err != nil {
		return nil, err
	}
	if err := h.buildAPI(ctx); err != nil {
		return nil, err
	}
	if err := h.scheduleJobs(); err != nil {
		return nil, err
	}

	return h, nil
}

// buildStores opens the configured database and wires the three stores
// plus the token service and the RBAC engine.
func (h *Hub) buildStores(ctx context.Context) error {
	cfg := h.config

	var (
		userStore  users.Store
		tokenStore token.Store
		roleStore  rbac.Store
	)
	switch cfg.Database.Type {
	case "memory":
		userStore = users.NewMemoryStore()
		tokenStore = token.NewMemoryStore()
		roleStore = rbac.NewMemoryStore()
	default:
		db, err := sql.Open(cfg.Database.DriverName(), cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		h.db = db

		us := users.NewSQLStore(db)
		ts := token.NewSQLStore(db)
		rs := rbac.NewSQLStore(db)
		for name, migrate := range map[string]func(context.Context) error{
			"users":  us.Migrate,
			"tokens": ts.Migrate,
			"rbac":   rs.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate %s schema: %w", name, err)
			}
		}
		userStore, tokenStore, roleStore = us, ts, rs

		h.health.Register("database", db.PingContext)
	}

	h.users = userStore
	h.tokens = token.NewService(tokenStore)

	opts := []rbac.Option{rbac.WithLogger(h.logger)}
	if h.metrics != nil {
		opts = append(opts, rbac.WithMetrics(h.metrics))
	}
	h.engine = rbac.NewEngine(roleStore, 5*time.Minute, opts...)
	if err := h.engine.SeedBuiltinRoles(ctx); err != nil {
		return fmt.Errorf("failed to seed builtin roles: %w", err)
	}

	return h.flagAdmins(ctx)
}

// flagAdmins makes sure every configured administrator exists and
// carries the admin flag before the first login.
func (h *Hub) flagAdmins(ctx context.Context) error {
	for _, name := range h.config.Auth.Admins {
		name = strings.ToLower(strings.TrimSpace(name))
		user, err := h.users.GetUser(ctx, name)
		if err == nil {
			if user.Admin {
				continue
			}
			user.Admin = true
			if err := h.users.UpdateUser(ctx, user); err != nil {
				return fmt.Errorf("failed to flag admin %s: %w", name, err)
			}
			continue
		}
		if err := h.users.CreateUser(ctx, &users.User{Name: name, Admin: true}); err != nil {
			return fmt.Errorf("failed to create admin %s: %w", name, err)
		}
	}
	return nil
}

func (h *Hub) buildAuth(ctx context.Context) error {
	cfg := h.config

	authenticator, err := auth.New(ctx, cfg.Auth.Backend, cfg.Auth.Options)
	if err != nil {
		return fmt.Errorf("failed to build %q authenticator: %w", cfg.Auth.Backend, err)
	}

	var whitelist *auth.Whitelist
	if cfg.Auth.WhitelistFile != "" {
		whitelist, err = auth.NewWhitelistFromFile(cfg.Auth.WhitelistFile, h.logger)
		if err != nil {
			return fmt.Errorf("failed to load whitelist: %w", err)
		}
	}
	h.whitelist = whitelist

	gatewayOpts := []auth.GatewayOption{auth.WithGatewayLogger(h.logger)}
	if h.metrics != nil {
		gatewayOpts = append(gatewayOpts, auth.WithGatewayMetrics(h.metrics))
	}
	h.gateway = auth.NewGateway(authenticator, whitelist, h.users, h.tokens,
		cfg.Auth.SessionTTL, gatewayOpts...)
	return nil
}

func (h *Hub) buildAudit(ctx context.Context) error {
	cfg := h.config

	h.auditLog = audit.NewMemorySink(cfg.Audit.MemoryEvents)

	if cfg.Audit.File != "" {
		sink, err := audit.NewFileSink(cfg.Audit.File)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		h.fileSink = sink
	}

	if cfg.Audit.S3.Bucket != "" {
		archiver, err := audit.NewS3Archiver(ctx, cfg.Audit.S3)
		if err != nil {
			return fmt.Errorf("failed to build audit archiver: %w", err)
		}
		h.archiver = archiver
	}
	return nil
}

// auditSink fans out to every configured destination
func (h *Hub) auditSink() audit.Sink {
	sinks := audit.MultiSink{h.auditLog}
	if h.fileSink != nil {
		sinks = append(sinks, h.fileSink)
	}
	if h.archiver != nil {
		sinks = append(sinks, h.archiver)
	}
	return sinks
}

func (h *Hub) buildLifecycle(ctx context.Context) error {
	cfg := h.config

	client := proxy.NewClient(cfg.Proxy.APIURL, cfg.Proxy.AuthToken)
	managerOpts := []proxy.ManagerOption{
		proxy.WithManagerLogger(h.logger),
		proxy.WithReconcileInterval(cfg.Proxy.ReconcileInterval),
	}
	if h.metrics != nil {
		managerOpts = append(managerOpts, proxy.WithManagerMetrics(h.metrics))
	}
	h.proxyManager = proxy.NewManager(client, managerOpts...)
	h.health.Register("proxy", func(ctx context.Context) error {
		_, err := client.GetRoutes(ctx)
		return err
	})

	backend, err := spawner.NewBackend(ctx, cfg.Spawner.Backend, cfg.Spawner.Options)
	if err != nil {
		return fmt.Errorf("failed to build %q spawner: %w", cfg.Spawner.Backend, err)
	}

	supervisorOpts := []spawner.SupervisorOption{spawner.WithSupervisorLogger(h.logger)}
	if h.metrics != nil {
		supervisorOpts = append(supervisorOpts, spawner.WithSupervisorMetrics(h.metrics))
	}
	h.supervisor = spawner.NewSupervisor(backend, h.proxyManager, h.tokens, spawner.SupervisorConfig{
		HubAPIURL:      cfg.Server.BaseURL + "/hub/api",
		BaseURL:        cfg.Server.BaseURL,
		StartTimeout:   cfg.Spawner.StartTimeout,
		HealthInterval: cfg.Spawner.HealthInterval,
	}, supervisorOpts...)
	return nil
}

func (h *Hub) buildAPI(ctx context.Context) error {
	cfg := h.config

	authorizerOpts := []middleware.AuthorizerOption{middleware.WithAuthorizerLogger(h.logger)}
	if h.metrics != nil {
		authorizerOpts = append(authorizerOpts, middleware.WithAuthorizerMetrics(h.metrics))
	}
	authorizer := middleware.NewAuthorizer(h.tokens, h.users, h.engine, authorizerOpts...)

	serverOpts := []api.ServerOption{
		api.WithServerLogger(h.logger),
		api.WithAuditLog(h.auditLog),
		api.WithRateLimiter(h.rateLimiter()),
	}
	if h.metrics != nil {
		serverOpts = append(serverOpts, api.WithServerMetrics(h.metrics))
	}
	if oidc, ok := h.gateway.Authenticator().(*auth.OIDCAuthenticator); ok {
		serverOpts = append(serverOpts, api.WithOIDC(oidc))
	}

	h.api = api.NewServer(api.ServerConfig{
		PublicURL:      cfg.Server.BaseURL,
		SecureCookies:  strings.HasPrefix(cfg.Server.BaseURL, "https://"),
		Version:        Version,
		AuthBackend:    cfg.Auth.Backend,
		SpawnerBackend: cfg.Spawner.Backend,
	}, h.gateway, authorizer, h.users, h.tokens, h.engine, h.supervisor,
		h.proxyManager, h.auditSink(), serverOpts...)
	return nil
}

// rateLimiter picks the Redis-backed limiter for multi-instance
// deployments and falls back to the in-memory one.
func (h *Hub) rateLimiter() mux.MiddlewareFunc {
	if h.config.Redis.Addr != "" {
		h.redis = redis.NewClient(&redis.Options{
			Addr:     h.config.Redis.Addr,
			Password: h.config.Redis.Password,
			DB:       h.config.Redis.DB,
		})
		h.health.Register("redis", func(ctx context.Context) error {
			return h.redis.Ping(ctx).Err()
		})
		limiter := middleware.NewDistributedRateLimiter(h.redis,
			middleware.PerUserRateLimitConfig(), "", h.logger)
		return limiter.Handler
	}
	return middleware.NewRateLimiter(middleware.PerUserRateLimitConfig()).Handler
}

// scheduleJobs registers the recurring maintenance work: expired token
// cleanup, idle server culls, and audit archive flushes.
func (h *Hub) scheduleJobs() error {
	ctx := context.Background()

	if _, err := h.cron.AddFunc("@hourly", func() {
		n, err := h.tokens.CleanupExpired(ctx)
		if err != nil {
			h.logger.WithError(err).Error("token cleanup failed")
			return
		}
		if n > 0 {
			h.logger.WithField("removed", n).Info("expired tokens cleaned up")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule token cleanup: %w", err)
	}

	if h.config.Cull.Enabled {
		culler := NewCuller(h.users, h.supervisor, h.auditSink(),
			h.config.Cull.IdleTimeout, WithCullerLogger(h.logger))
		if _, err := h.cron.AddFunc(h.config.Cull.Schedule, func() {
			if err := culler.Sweep(ctx); err != nil {
				h.logger.WithError(err).Error("cull sweep failed")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule culler: %w", err)
		}
	}

	if h.archiver != nil {
		if _, err := h.cron.AddFunc("@every "+h.config.Audit.FlushInterval.String(), func() {
			if err := h.archiver.Flush(ctx); err != nil {
				h.logger.WithError(err).Error("audit archive flush failed")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule audit flush: %w", err)
		}
	}
	return nil
}

// Run starts every subsystem and blocks until a shutdown signal
// arrives, then tears them down in order.
func (h *Hub) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.supervisor.Run(ctx)
	go h.proxyManager.Run(ctx)
	h.cron.Start()

	// Converge on whatever routes survived a previous hub instance
	if err := h.proxyManager.Reconcile(ctx); err != nil {
		h.logger.WithError(err).Warn("initial route reconcile failed, retrying on schedule")
	}

	var handler http.Handler = h.api
	if h.config.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "hub-api")
	}
	apiServer := &http.Server{
		Addr:         h.config.Server.Host + ":" + h.config.Server.Port,
		Handler:      handler,
		ReadTimeout:  h.config.Server.ReadTimeout,
		WriteTimeout: h.config.Server.WriteTimeout,
		IdleTimeout:  h.config.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, h.health)
	if h.metrics != nil {
		healthMux.Handle("/metrics", h.metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    h.config.Server.Host + ":" + h.config.Server.HealthPort,
		Handler: healthMux,
	}

	errCh := make(chan error, 2)
	go func() {
		h.logger.WithField("addr", apiServer.Addr).Info("hub API listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := <-errCh; err != nil {
			h.logger.WithError(err).Error("server failed")
			cancel()
		}
	}()

	shutdown := observability.NewShutdownManager(h.logger, apiServer,
		h.config.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		h.cron.Stop()
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		h.supervisor.StopAll(ctx)
		return nil
	})
	shutdown.RegisterShutdownFunc(h.closeResources)

	return shutdown.WaitForShutdown()
}

// closeResources releases everything that holds a file descriptor or a
// remote buffer.
func (h *Hub) closeResources(ctx context.Context) error {
	if h.archiver != nil {
		if err := h.archiver.Flush(ctx); err != nil {
			h.logger.WithError(err).Warn("final audit flush failed")
		}
	}
	if h.fileSink != nil {
		_ = h.fileSink.Close()
	}
	if h.whitelist != nil {
		_ = h.whitelist.Close()
	}
	if h.redis != nil {
		_ = h.redis.Close()
	}
	if h.otel != nil {
		_ = observability.ShutdownOTel(ctx, h.otel, h.logger)
	}
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

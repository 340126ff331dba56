package spawner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/calyptra/hubble/pkg/async"
	"github.com/calyptra/hubble/pkg/observability"
	"github.com/calyptra/hubble/pkg/token"
)

// Supervisor defaults
const (
	DefaultStartTimeout   = 60 * time.Second
	DefaultReadyInterval  = 500 * time.Millisecond
	DefaultHealthInterval = 30 * time.Second
)

// RouteNotifier is how the supervisor tells the proxy about servers
// coming and going. Implementations retry internally; the supervisor
// treats notification as fire-and-forget.
type RouteNotifier interface {
	AddRoute(ctx context.Context, prefix, target string) error
	RemoveRoute(ctx context.Context, prefix string) error
}

// Record is the supervisor's view of one user's server
type Record struct {
	Owner     string     `json:"owner"`
	State     State      `json:"state"`
	URL       string     `json:"url,omitempty"`
	Prefix    string     `json:"prefix"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	Message   string     `json:"message,omitempty"`
	LastPoll  time.Time  `json:"last_poll,omitempty"`
	TokenID   string     `json:"-"`

	server *Server
}

// SupervisorConfig tunes the supervisor loops
type SupervisorConfig struct {
	// HubAPIURL is handed to servers so they can call back
	HubAPIURL string
	// BaseURL is the externally visible deployment URL
	BaseURL string
	// StartTimeout bounds Spawning; expiry moves the server to Failed
	StartTimeout time.Duration
	// ReadyInterval is the poll cadence while Spawning
	ReadyInterval time.Duration
	// HealthInterval is the poll cadence for Running servers
	HealthInterval time.Duration
}

func (c *SupervisorConfig) withDefaults() {
	if c.StartTimeout == 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.ReadyInterval == 0 {
		c.ReadyInterval = DefaultReadyInterval
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
}

// Supervisor owns the lifecycle of every single-user server: it drives
// the Stopped -> Spawning -> Running -> Stopping -> Stopped state
// machine, coalesces concurrent starts per owner, mints per-server API
// tokens, and keeps the proxy's routes in sync.
type Supervisor struct {
	backend Spawner
	routes  RouteNotifier
	tokens  *token.Service
	config  SupervisorConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	records map[string]*Record

	// locks serialize lifecycle transitions per owner: a Stop arriving
	// while a spawn is in flight waits for it instead of racing it.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	starts singleflight.Group
}

// SupervisorOption configures the supervisor
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the supervisor logger
func WithSupervisorLogger(logger *observability.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logger }
}

// WithSupervisorMetrics sets the supervisor metrics
func WithSupervisorMetrics(m *observability.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// NewSupervisor creates a supervisor over the given backend
func NewSupervisor(backend Spawner, routes RouteNotifier, tokens *token.Service,
	config SupervisorConfig, opts ...SupervisorOption) *Supervisor {
	config.withDefaults()
	s := &Supervisor{
		backend: backend,
		routes:  routes,
		tokens:  tokens,
		config:  config,
		records: make(map[string]*Record),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return s
}

// Run starts the background health poller and blocks until the context
// is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	async.Loop(ctx, s.config.HealthInterval, s.config.HealthInterval, "server-health-poll", s.pollRunning)
	<-ctx.Done()
}

// Get returns the record for the user's server. Users with no record
// report Stopped.
func (s *Supervisor) Get(owner string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[owner]; ok {
		cp := *rec
		return &cp
	}
	return &Record{Owner: owner, State: StateStopped, Prefix: RoutePrefix(owner)}
}

// List returns a snapshot of every known server record
func (s *Supervisor) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Start brings the user's server to Running. Concurrent starts for the
// same owner coalesce into one spawn; all callers get the same result.
// Starting a Running server is a no-op.
func (s *Supervisor) Start(ctx context.Context, owner string) (*Record, error) {
	rec, err, _ := s.starts.Do(owner, func() (interface{}, error) {
		return s.startOne(ctx, owner)
	})
	if err != nil {
		return nil, err
	}
	return rec.(*Record), nil
}

// ownerLock returns the transition lock for one owner, creating it on
// first use. Locks are never removed; the map is bounded by the user
// population.
func (s *Supervisor) ownerLock(owner string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[owner]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[owner] = lock
	}
	return lock
}

func (s *Supervisor) startOne(ctx context.Context, owner string) (*Record, error) {
	lock := s.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if existing, ok := s.records[owner]; ok {
		switch existing.State {
		case StateRunning:
			cp := *existing
			s.mu.Unlock()
			return &cp, nil
		case StateStopping:
			s.mu.Unlock()
			return nil, ErrAlreadyStopping
		case StateSpawning:
			// Unreachable through Start thanks to singleflight, but a
			// defensive copy keeps direct callers safe.
			cp := *existing
			s.mu.Unlock()
			return &cp, nil
		}
	}

	prefix := RoutePrefix(owner)
	rec := &Record{Owner: owner, State: StateSpawning, Prefix: prefix, StartedAt: time.Now()}
	s.records[owner] = rec
	s.mu.Unlock()

	record, err := s.spawn(ctx, rec)
	if err != nil {
		s.observeSpawn("failure", rec.StartedAt)
		return nil, err
	}
	s.observeSpawn("success", rec.StartedAt)
	return record, nil
}

func (s *Supervisor) spawn(ctx context.Context, rec *Record) (*Record, error) {
	tok, raw, err := s.tokens.Issue(ctx, token.OwnerRef{Name: rec.Owner}, token.KindServer,
		0, "server token")
	if err != nil {
		s.fail(rec.Owner, fmt.Sprintf("token minting failed: %v", err))
		return nil, fmt.Errorf("failed to mint server token: %w", err)
	}

	server := &Server{
		Owner:     rec.Owner,
		Prefix:    rec.Prefix,
		APIToken:  raw,
		HubAPIURL: s.config.HubAPIURL,
		BaseURL:   s.config.BaseURL,
	}

	if err := s.backend.Start(ctx, server); err != nil {
		s.revokeToken(ctx, tok.ID)
		s.fail(rec.Owner, err.Error())
		return nil, err
	}

	if err := s.awaitReady(ctx, server); err != nil {
		_ = s.backend.Stop(ctx, server)
		s.revokeToken(ctx, tok.ID)
		s.fail(rec.Owner, err.Error())
		return nil, err
	}

	s.mu.Lock()
	rec.State = StateRunning
	rec.URL = server.URL
	rec.TokenID = tok.ID
	rec.Message = ""
	rec.server = server
	cp := *rec
	s.mu.Unlock()

	s.setRunningGauge()
	s.logger.WithFields(map[string]interface{}{
		"user": rec.Owner,
		"url":  server.URL,
	}).Info("server running")

	// Route sync is fire-and-forget; the proxy manager retries and the
	// reconciler catches anything that still slips through.
	async.SafeGo(context.Background(), time.Minute, "proxy-add-route", func(ctx context.Context) error {
		return s.routes.AddRoute(ctx, rec.Prefix, server.URL)
	})

	return &cp, nil
}

// awaitReady polls the backend until the instance reports up or the
// start timeout expires.
func (s *Supervisor) awaitReady(ctx context.Context, server *Server) error {
	deadline := time.NewTimer(s.config.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.config.ReadyInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrSpawnTimeout
		case <-tick.C:
			up, err := s.backend.Poll(ctx, server)
			if err != nil {
				return err
			}
			if up {
				return nil
			}
		}
	}
}

// Stop shuts the user's server down. Stopping a Stopped server is a
// no-op so the operation stays idempotent for API retries. A Stop
// arriving during an in-flight spawn waits for the spawn to settle,
// then tears the server down.
func (s *Supervisor) Stop(ctx context.Context, owner string) error {
	lock := s.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	rec, ok := s.records[owner]
	if !ok || rec.State == StateStopped || rec.State == StateFailed {
		s.mu.Unlock()
		return nil
	}
	rec.State = StateStopping
	server := rec.server
	tokenID := rec.TokenID
	prefix := rec.Prefix
	s.mu.Unlock()

	if server != nil {
		if err := s.backend.Stop(ctx, server); err != nil {
			s.logger.WithError(err).WithField("user", owner).Error("backend stop failed")
			// Fall through: the record still goes to Stopped so a later
			// start can replace the wedged instance.
		}
	}

	s.revokeToken(ctx, tokenID)
	s.markStopped(owner, "")
	async.SafeGo(context.Background(), time.Minute, "proxy-remove-route", func(ctx context.Context) error {
		return s.routes.RemoveRoute(ctx, prefix)
	})
	return nil
}

// pollTarget is a point-in-time copy of the fields the health poller
// needs, taken under the lock so it never reads a record another
// transition is rewriting.
type pollTarget struct {
	owner   string
	server  *Server
	tokenID string
	prefix  string
}

// pollRunning checks every Running server and reaps the ones whose
// backend instance died underneath us.
func (s *Supervisor) pollRunning(ctx context.Context) error {
	s.mu.RLock()
	targets := make([]pollTarget, 0, len(s.records))
	for _, rec := range s.records {
		if rec.State == StateRunning && rec.server != nil {
			targets = append(targets, pollTarget{
				owner:   rec.Owner,
				server:  rec.server,
				tokenID: rec.TokenID,
				prefix:  rec.Prefix,
			})
		}
	}
	s.mu.RUnlock()

	for _, target := range targets {
		up, err := s.backend.Poll(ctx, target.server)
		if err != nil {
			s.logger.WithError(err).WithField("user", target.owner).Warn("health poll failed")
			continue
		}
		s.mu.Lock()
		if rec, ok := s.records[target.owner]; ok {
			rec.LastPoll = time.Now()
		}
		s.mu.Unlock()
		if !up {
			s.reap(ctx, target)
		}
	}
	return nil
}

// reap tears down a server the poller found dead, unless another
// transition replaced it while the poll was in flight.
func (s *Supervisor) reap(ctx context.Context, target pollTarget) {
	lock := s.ownerLock(target.owner)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	rec, ok := s.records[target.owner]
	stale := !ok || rec.State != StateRunning || rec.server != target.server
	s.mu.RUnlock()
	if stale {
		return
	}

	s.logger.WithField("user", target.owner).Warn("server died, reaping")
	s.revokeToken(ctx, target.tokenID)
	s.markStopped(target.owner, "server exited unexpectedly")
	async.SafeGo(context.Background(), time.Minute, "proxy-remove-route", func(ctx context.Context) error {
		return s.routes.RemoveRoute(ctx, target.prefix)
	})
}

// StopAll shuts down every running server, used during hub shutdown
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, rec := range s.List() {
		if rec.State == StateRunning || rec.State == StateSpawning {
			if err := s.Stop(ctx, rec.Owner); err != nil {
				s.logger.WithError(err).WithField("user", rec.Owner).Error("shutdown stop failed")
			}
		}
	}
}

func (s *Supervisor) fail(owner, message string) {
	s.mu.Lock()
	if rec, ok := s.records[owner]; ok {
		rec.State = StateFailed
		rec.Message = message
		rec.server = nil
		rec.TokenID = ""
	}
	s.mu.Unlock()
	s.setRunningGauge()
}

func (s *Supervisor) markStopped(owner, message string) {
	s.mu.Lock()
	if rec, ok := s.records[owner]; ok {
		rec.State = StateStopped
		rec.URL = ""
		rec.Message = message
		rec.server = nil
		rec.TokenID = ""
	}
	s.mu.Unlock()
	s.setRunningGauge()
}

func (s *Supervisor) revokeToken(ctx context.Context, tokenID string) {
	if tokenID == "" {
		return
	}
	if err := s.tokens.Revoke(ctx, tokenID); err != nil && !errors.Is(err, token.ErrTokenInvalid) {
		s.logger.WithError(err).Error("failed to revoke server token")
	}
}

func (s *Supervisor) observeSpawn(outcome string, startedAt time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SpawnsTotal.WithLabelValues(outcome).Inc()
	s.metrics.SpawnDuration.Observe(time.Since(startedAt).Seconds())
}

func (s *Supervisor) setRunningGauge() {
	if s.metrics == nil {
		return
	}
	s.mu.RLock()
	var n float64
	for _, rec := range s.records {
		if rec.State == StateRunning {
			n++
		}
	}
	s.mu.RUnlock()
	s.metrics.ServersRunning.Set(n)
}

// RoutePrefix is the proxy prefix for a user's server
func RoutePrefix(owner string) string {
	return "/user/" + owner + "/"
}

package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calyptra/hubble/pkg/async"
	"github.com/calyptra/hubble/pkg/observability"
)

// DefaultReconcileInterval is how often the reconciler compares the
// proxy's actual routes against the desired table.
const DefaultReconcileInterval = 60 * time.Second

// ControlAPI is the slice of Client the manager needs, split out so
// tests can fake the proxy.
type ControlAPI interface {
	PutRoute(ctx context.Context, prefix, target string) error
	DeleteRoute(ctx context.Context, prefix string) error
	GetRoutes(ctx context.Context) (map[string]string, error)
}

// Manager keeps the proxy's routing table converged on the hub's
// desired state. Adds and removes update the desired table first, then
// push to the proxy with retries; a periodic reconciler repairs any
// drift left by proxy restarts or lost acks.
type Manager struct {
	table   *Table
	control ControlAPI
	retry   *RetryPolicy
	logger  *observability.Logger
	metrics *observability.Metrics

	// locks serialize table-update-plus-push per prefix, so a retried
	// add can never land after a later remove of the same prefix.
	// Different prefixes stay fully parallel.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	reconcileInterval time.Duration
}

// ManagerOption configures the manager
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger
func WithManagerLogger(logger *observability.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithManagerMetrics sets the manager metrics
func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithReconcileInterval overrides the reconciliation cadence
func WithReconcileInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) { m.reconcileInterval = interval }
}

// WithRetryConfig overrides the sync retry policy
func WithRetryConfig(config RetryConfig) ManagerOption {
	return func(m *Manager) { m.retry = NewRetryPolicy(config) }
}

// NewManager creates a route manager over the given control API
func NewManager(control ControlAPI, opts ...ManagerOption) *Manager {
	m := &Manager{
		table:             NewTable(),
		control:           control,
		retry:             NewRetryPolicy(DefaultRetryConfig()),
		locks:             make(map[string]*sync.Mutex),
		reconcileInterval: DefaultReconcileInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return m
}

// Run starts the reconciliation loop and blocks until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	async.Loop(ctx, m.reconcileInterval, m.reconcileInterval, "proxy-reconcile", m.Reconcile)
	<-ctx.Done()
}

// prefixLock returns the mutation lock for one prefix, creating it on
// first use.
func (m *Manager) prefixLock(prefix string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[prefix]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[prefix] = lock
	}
	return lock
}

// AddRoute records the desired route and pushes it to the proxy. The
// route survives in the table even when every push attempt fails; the
// reconciler keeps retrying it.
func (m *Manager) AddRoute(ctx context.Context, prefix, target string) error {
	prefix = NormalizePrefix(prefix)
	lock := m.prefixLock(prefix)
	lock.Lock()
	defer lock.Unlock()

	route, err := m.table.Set(prefix, target)
	if err != nil {
		return fmt.Errorf("%w: %s", err, prefix)
	}

	pushErr := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.control.PutRoute(ctx, route.Prefix, route.Target)
	})
	if pushErr != nil {
		m.observeSync("failure")
		m.logger.WithError(pushErr).WithField("prefix", route.Prefix).
			Warn("route push failed, leaving pending for reconciler")
		m.setPendingGauge()
		return nil
	}

	m.table.MarkSynced(route.Prefix, route.Target)
	m.observeSync("success")
	m.setPendingGauge()
	return nil
}

// RemoveRoute drops the route from the desired table and the proxy.
// Removing an absent route is a no-op.
func (m *Manager) RemoveRoute(ctx context.Context, prefix string) error {
	prefix = NormalizePrefix(prefix)
	lock := m.prefixLock(prefix)
	lock.Lock()
	defer lock.Unlock()

	m.table.Delete(prefix)

	err := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.control.DeleteRoute(ctx, prefix)
	})
	if err != nil {
		m.observeSync("failure")
		m.logger.WithError(err).WithField("prefix", prefix).
			Warn("route delete failed, reconciler will remove it")
		return nil
	}
	m.observeSync("success")
	m.setPendingGauge()
	return nil
}

// Routes returns a snapshot of the desired table
func (m *Manager) Routes() []*Route {
	return m.table.List()
}

// Reconcile makes the proxy's routes match the desired table: missing
// and mismatched routes are pushed, unknown ones removed. The root
// route is the proxy's own default and is left alone.
func (m *Manager) Reconcile(ctx context.Context) error {
	actual, err := m.control.GetRoutes(ctx)
	if err != nil {
		m.observeSync("failure")
		return fmt.Errorf("failed to fetch proxy routes: %w", err)
	}

	desired := m.table.List()
	for _, route := range desired {
		m.reconcileRoute(ctx, route, actual)
	}

	for prefix := range actual {
		if prefix == "/" {
			continue
		}
		m.reconcileUnknown(ctx, prefix)
	}

	m.setPendingGauge()
	return nil
}

// reconcileRoute restores one desired route on the proxy. It takes the
// prefix lock and re-reads the table so a remove that landed after the
// snapshot is not undone.
func (m *Manager) reconcileRoute(ctx context.Context, route *Route, actual map[string]string) {
	lock := m.prefixLock(route.Prefix)
	lock.Lock()
	defer lock.Unlock()

	current, ok := m.table.Get(route.Prefix)
	if !ok || current.Target != route.Target {
		return
	}
	if actual[route.Prefix] == route.Target {
		m.table.MarkSynced(route.Prefix, route.Target)
		return
	}

	m.logger.WithFields(map[string]interface{}{
		"prefix": route.Prefix,
		"target": route.Target,
	}).Info("reconciler restoring route")
	if err := m.control.PutRoute(ctx, route.Prefix, route.Target); err != nil {
		m.observeSync("failure")
		m.table.MarkPending(route.Prefix)
		return
	}
	m.table.MarkSynced(route.Prefix, route.Target)
	m.observeSync("success")
}

// reconcileUnknown removes a proxy route the table does not want,
// re-checking under the prefix lock in case an add raced the snapshot.
func (m *Manager) reconcileUnknown(ctx context.Context, prefix string) {
	lock := m.prefixLock(prefix)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := m.table.Get(prefix); ok {
		return
	}
	m.logger.WithField("prefix", prefix).Info("reconciler removing unknown route")
	if err := m.control.DeleteRoute(ctx, prefix); err != nil {
		m.observeSync("failure")
	}
}

func (m *Manager) observeSync(outcome string) {
	if m.metrics != nil {
		m.metrics.ProxySyncTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) setPendingGauge() {
	if m.metrics != nil {
		m.metrics.RoutesPending.Set(float64(len(m.table.Pending())))
	}
}

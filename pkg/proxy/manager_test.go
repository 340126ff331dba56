package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControl is an in-memory proxy control API with scriptable outages
type fakeControl struct {
	mu     sync.Mutex
	routes map[string]string
	down   bool
	puts   int
}

func newFakeControl() *fakeControl {
	return &fakeControl{routes: make(map[string]string)}
}

func (f *fakeControl) PutRoute(ctx context.Context, prefix, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.down {
		return errors.New("connection refused")
	}
	f.routes[prefix] = target
	return nil
}

func (f *fakeControl) DeleteRoute(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("connection refused")
	}
	delete(f.routes, NormalizePrefix(prefix))
	return nil
}

func (f *fakeControl) GetRoutes(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errors.New("connection refused")
	}
	out := make(map[string]string, len(f.routes))
	for k, v := range f.routes {
		out[k] = v
	}
	return out, nil
}

func (f *fakeControl) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeControl) get(prefix string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.routes[prefix]
	return target, ok
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestAddRoute(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl()
	m := NewManager(control, WithRetryConfig(fastRetry()))

	require.NoError(t, m.AddRoute(ctx, "/user/mal/", "http://10.0.0.1:8888"))

	target, ok := control.get("/user/mal/")
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.1:8888", target)

	route, ok := m.table.Get("/user/mal/")
	require.True(t, ok)
	assert.False(t, route.Pending, "acknowledged route must not stay pending")
}

func TestAddRouteIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeControl(), WithRetryConfig(fastRetry()))

	require.NoError(t, m.AddRoute(ctx, "/user/mal/", "http://10.0.0.1:8888"))
	require.NoError(t, m.AddRoute(ctx, "/user/mal/", "http://10.0.0.1:8888"))
	assert.Equal(t, 1, m.table.Len())
}

func TestAddRouteConflict(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeControl(), WithRetryConfig(fastRetry()))

	require.NoError(t, m.AddRoute(ctx, "/user/mal/", "http://10.0.0.1:8888"))
	err := m.AddRoute(ctx, "/user/mal/", "http://10.0.0.2:8888")
	assert.ErrorIs(t, err, ErrRouteConflict)
}

func TestRemoveRouteIdempotent(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl()
	m := NewManager(control, WithRetryConfig(fastRetry()))

	require.NoError(t, m.AddRoute(ctx, "/user/zoe/", "http://10.0.0.3:8888"))
	require.NoError(t, m.RemoveRoute(ctx, "/user/zoe/"))
	_, ok := control.get("/user/zoe/")
	assert.False(t, ok)

	require.NoError(t, m.RemoveRoute(ctx, "/user/zoe/"), "removing an absent route is a no-op")
	require.NoError(t, m.RemoveRoute(ctx, "/user/never-existed/"))
}

func TestAddRouteProxyDownStaysPending(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl()
	control.setDown(true)
	m := NewManager(control, WithRetryConfig(fastRetry()))

	require.NoError(t, m.AddRoute(ctx, "/user/zoe/", "http://10.0.0.3:8888"),
		"a down proxy must not fail the add, the table is authoritative")

	route, ok := m.table.Get("/user/zoe/")
	require.True(t, ok)
	assert.True(t, route.Pending)

	// Proxy comes back; reconciliation installs the pending route
	control.setDown(false)
	require.NoError(t, m.Reconcile(ctx))

	target, ok := control.get("/user/zoe/")
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.3:8888", target)
	route, _ = m.table.Get("/user/zoe/")
	assert.False(t, route.Pending)
}

// gatedControl is a fakeControl whose first PutRoute blocks until
// released, to hold an add mid-push.
type gatedControl struct {
	fakeControl
	entered  chan struct{}
	release  chan struct{}
	gateOnce sync.Once
}

func newGatedControl() *gatedControl {
	return &gatedControl{
		fakeControl: fakeControl{routes: make(map[string]string)},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedControl) PutRoute(ctx context.Context, prefix, target string) error {
	var first bool
	g.gateOnce.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeControl.PutRoute(ctx, prefix, target)
}

func TestSamePrefixMutationsSerialize(t *testing.T) {
	ctx := context.Background()
	control := newGatedControl()
	m := NewManager(control, WithRetryConfig(fastRetry()))

	addDone := make(chan struct{})
	go func() {
		assert.NoError(t, m.AddRoute(ctx, "/user/zoe/", "http://10.0.0.3:8888"))
		close(addDone)
	}()
	<-control.entered

	removeDone := make(chan struct{})
	go func() {
		assert.NoError(t, m.RemoveRoute(ctx, "/user/zoe/"))
		close(removeDone)
	}()

	// The remove must queue behind the in-flight add for the same prefix
	select {
	case <-removeDone:
		t.Fatal("remove overtook an in-flight add for the same prefix")
	case <-time.After(50 * time.Millisecond):
	}

	close(control.release)
	<-addDone
	<-removeDone

	_, ok := control.get("/user/zoe/")
	assert.False(t, ok, "the proxy must not be left routing a removed prefix")
	assert.Equal(t, 0, m.table.Len())
}

func TestReconcileRestoresAfterProxyRestart(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl()
	m := NewManager(control, WithRetryConfig(fastRetry()))

	require.NoError(t, m.AddRoute(ctx, "/user/mal/", "http://10.0.0.1:8888"))
	require.NoError(t, m.AddRoute(ctx, "/user/kaylee/", "http://10.0.0.2:8888"))

	// Proxy restart wipes its table
	control.mu.Lock()
	control.routes = make(map[string]string)
	control.mu.Unlock()

	require.NoError(t, m.Reconcile(ctx))

	for prefix, want := range map[string]string{
		"/user/mal/":    "http://10.0.0.1:8888",
		"/user/kaylee/": "http://10.0.0.2:8888",
	} {
		got, ok := control.get(prefix)
		require.True(t, ok, "missing %s after reconcile", prefix)
		assert.Equal(t, want, got)
	}
}

func TestReconcileRemovesUnknownRoutes(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl()
	control.routes["/user/ghost/"] = "http://10.0.0.9:8888"
	control.routes["/"] = "http://hub:8081"
	m := NewManager(control, WithRetryConfig(fastRetry()))

	require.NoError(t, m.Reconcile(ctx))

	_, ok := control.get("/user/ghost/")
	assert.False(t, ok, "routes the hub does not know must be removed")
	_, ok = control.get("/")
	assert.True(t, ok, "the root route belongs to the proxy and stays")
}

func TestNormalizePrefix(t *testing.T) {
	tests := map[string]string{
		"":           "/",
		"user/mal":   "/user/mal/",
		"/user/mal":  "/user/mal/",
		"/user/mal/": "/user/mal/",
	}
	for input, want := range tests {
		assert.Equal(t, want, NormalizePrefix(input), "input %q", input)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, 100*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, time.Second, p.NextDelay(10), "delay is capped at max")
}

func TestRetryPolicyDoGivesUp(t *testing.T) {
	p := NewRetryPolicy(fastRetry())
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("still broken")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

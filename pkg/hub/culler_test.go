package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/spawner"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

type cullBackend struct {
	mu    sync.Mutex
	alive map[string]bool
}

func (b *cullBackend) Start(ctx context.Context, server *spawner.Server) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.alive == nil {
		b.alive = make(map[string]bool)
	}
	b.alive[server.Owner] = true
	server.URL = "http://127.0.0.1:9000"
	return nil
}

func (b *cullBackend) Poll(ctx context.Context, server *spawner.Server) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive[server.Owner], nil
}

func (b *cullBackend) Stop(ctx context.Context, server *spawner.Server) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.alive, server.Owner)
	return nil
}

type nullRoutes struct{}

func (nullRoutes) AddRoute(ctx context.Context, prefix, target string) error { return nil }
func (nullRoutes) RemoveRoute(ctx context.Context, prefix string) error      { return nil }

func TestCullerStopsIdleServers(t *testing.T) {
	ctx := context.Background()
	userStore := users.NewMemoryStore()
	tokens := token.NewService(token.NewMemoryStore())
	supervisor := spawner.NewSupervisor(&cullBackend{}, nullRoutes{}, tokens,
		spawner.SupervisorConfig{StartTimeout: time.Second, ReadyInterval: time.Millisecond})

	require.NoError(t, userStore.CreateUser(ctx, &users.User{
		Name: "wash", LastActivity: time.Now().Add(-2 * time.Hour),
	}))
	require.NoError(t, userStore.CreateUser(ctx, &users.User{
		Name: "zoe", LastActivity: time.Now(),
	}))

	_, err := supervisor.Start(ctx, "wash")
	require.NoError(t, err)
	_, err = supervisor.Start(ctx, "zoe")
	require.NoError(t, err)

	sink := audit.NewMemorySink(10)
	culler := NewCuller(userStore, supervisor, sink, time.Hour)
	require.NoError(t, culler.Sweep(ctx))

	assert.Equal(t, spawner.StateStopped, supervisor.Get("wash").State, "idle server is culled")
	assert.Equal(t, spawner.StateRunning, supervisor.Get("zoe").State, "active server survives")

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionServerReaped, events[0].Action)
	assert.Equal(t, "wash", events[0].Subject)
}

func TestCullerUsesCreationTimeWhenNeverActive(t *testing.T) {
	ctx := context.Background()
	userStore := users.NewMemoryStore()
	tokens := token.NewService(token.NewMemoryStore())
	supervisor := spawner.NewSupervisor(&cullBackend{}, nullRoutes{}, tokens,
		spawner.SupervisorConfig{StartTimeout: time.Second, ReadyInterval: time.Millisecond})

	// Fresh account with no recorded activity yet
	require.NoError(t, userStore.CreateUser(ctx, &users.User{Name: "kaylee"}))
	_, err := supervisor.Start(ctx, "kaylee")
	require.NoError(t, err)

	culler := NewCuller(userStore, supervisor, nil, time.Hour)
	require.NoError(t, culler.Sweep(ctx))

	assert.Equal(t, spawner.StateRunning, supervisor.Get("kaylee").State,
		"a just-created account is not idle")
}

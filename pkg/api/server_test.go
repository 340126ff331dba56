package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/auth"
	"github.com/calyptra/hubble/pkg/middleware"
	"github.com/calyptra/hubble/pkg/proxy"
	"github.com/calyptra/hubble/pkg/rbac"
	"github.com/calyptra/hubble/pkg/spawner"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

type fakeBackend struct {
	mu    sync.Mutex
	alive map[string]bool
}

func (b *fakeBackend) Start(ctx context.Context, server *spawner.Server) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.alive == nil {
		b.alive = make(map[string]bool)
	}
	b.alive[server.Owner] = true
	server.URL = "http://127.0.0.1:9000"
	server.BackendID = "fake-" + server.Owner
	return nil
}

func (b *fakeBackend) Poll(ctx context.Context, server *spawner.Server) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive[server.Owner], nil
}

func (b *fakeBackend) Stop(ctx context.Context, server *spawner.Server) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.alive, server.Owner)
	return nil
}

type fakeControl struct {
	mu     sync.Mutex
	routes map[string]string
}

func newFakeControl() *fakeControl {
	return &fakeControl{routes: make(map[string]string)}
}

func (c *fakeControl) PutRoute(ctx context.Context, prefix, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[prefix] = target
	return nil
}

func (c *fakeControl) DeleteRoute(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, prefix)
	return nil
}

func (c *fakeControl) GetRoutes(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.routes))
	for k, v := range c.routes {
		out[k] = v
	}
	return out, nil
}

func (c *fakeControl) hasRoute(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.routes[prefix]
	return ok
}

type apiFixture struct {
	server   *Server
	users    *users.MemoryStore
	tokens   *token.Service
	engine   *rbac.Engine
	backend  *fakeBackend
	control  *fakeControl
	auditLog *audit.MemorySink
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	tokens := token.NewService(token.NewMemoryStore())
	userStore := users.NewMemoryStore()
	engine := rbac.NewEngine(rbac.NewMemoryStore(), time.Minute)
	require.NoError(t, engine.SeedBuiltinRoles(ctx))

	gateway := auth.NewGateway(auth.NewDummyAuthenticator(""), nil, userStore, tokens, time.Hour)
	authorizer := middleware.NewAuthorizer(tokens, userStore, engine)

	backend := &fakeBackend{}
	control := newFakeControl()
	manager := proxy.NewManager(control, proxy.WithRetryConfig(proxy.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	}))

	supervisor := spawner.NewSupervisor(backend, manager, tokens, spawner.SupervisorConfig{
		HubAPIURL:     "http://127.0.0.1:8081/hub/api",
		BaseURL:       "http://127.0.0.1:8000",
		StartTimeout:  2 * time.Second,
		ReadyInterval: time.Millisecond,
	})

	auditLog := audit.NewMemorySink(100)
	server := NewServer(ServerConfig{
		Version:        "test",
		AuthBackend:    "dummy",
		SpawnerBackend: "fake",
	}, gateway, authorizer, userStore, tokens, engine, supervisor, manager, auditLog,
		WithAuditLog(auditLog))

	return &apiFixture{
		server:   server,
		users:    userStore,
		tokens:   tokens,
		engine:   engine,
		backend:  backend,
		control:  control,
		auditLog: auditLog,
	}
}

func (f *apiFixture) do(method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

// login runs the full login endpoint and returns the session token
func (f *apiFixture) login(t *testing.T, name string) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/hub/login", "", map[string]string{"username": name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp loginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Token
}

// loginAdmin pre-creates the account with the admin flag before login
func (f *apiFixture) loginAdmin(t *testing.T, name string) string {
	t.Helper()
	require.NoError(t, f.users.CreateUser(context.Background(), &users.User{Name: name, Admin: true}))
	return f.login(t, name)
}

func TestLoginSetsSessionCookie(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/hub/login", "", map[string]string{"username": "kaylee"})
	require.Equal(t, http.StatusOK, rec.Code)

	var cookie, userCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case middleware.SessionCookie:
			cookie = c
		case "hubble-user-kaylee":
			userCookie = c
		}
	}
	require.NotNil(t, cookie, "login must set the session cookie")
	assert.Equal(t, "/hub/", cookie.Path, "session cookie must never reach /user/ paths")
	assert.True(t, cookie.HttpOnly)
	assert.True(t, strings.HasPrefix(cookie.Value, token.Prefix))

	require.NotNil(t, userCookie, "login must set the per-user cookie")
	assert.Equal(t, "/user/kaylee/", userCookie.Path)

	// The cookie works as a credential on the API
	req := httptest.NewRequest(http.MethodGet, "/hub/api/user", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRejectionIsGeneric(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/hub/login", "", map[string]string{"username": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "username",
		"rejection body must not hint at what was wrong")
}

func TestWhoAmI(t *testing.T) {
	f := newAPIFixture(t)
	raw := f.login(t, "mal")

	rec := f.do(http.MethodGet, "/hub/api/user", raw, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var user userModel
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.Equal(t, "mal", user.Name)
	assert.False(t, user.Admin)
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newAPIFixture(t)
	raw := f.login(t, "wash")

	rec := f.do(http.MethodPost, "/hub/logout", raw, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/hub/api/user", raw, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "session must die with logout")
}

func TestUserAdministration(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.loginAdmin(t, "mal")

	rec := f.do(http.MethodPost, "/hub/api/users", admin, createUserRequest{Name: "river"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/hub/api/users", admin, createUserRequest{Name: "river"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/hub/api/users", admin, createUserRequest{Name: "Not A User!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/hub/api/users/river", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/hub/api/users/river", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/hub/api/users/river", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteUserRevokesTokens(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.loginAdmin(t, "mal")
	victim := f.login(t, "jayne")

	rec := f.do(http.MethodDelete, "/hub/api/users/jayne", admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/hub/api/user", victim, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "deleted user's tokens must stop working")
}

func TestCannotDeleteSelf(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.loginAdmin(t, "mal")

	rec := f.do(http.MethodDelete, "/hub/api/users/mal", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListUsersNeedsScope(t *testing.T) {
	f := newAPIFixture(t)
	raw := f.login(t, "book")

	rec := f.do(http.MethodGet, "/hub/api/users", raw, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "list:users",
		"denial must not name the missing scope")

	admin := f.loginAdmin(t, "mal")
	rec = f.do(http.MethodGet, "/hub/api/users", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerLifecycleViaAPI(t *testing.T) {
	f := newAPIFixture(t)
	raw := f.login(t, "kaylee")

	rec := f.do(http.MethodPost, "/hub/api/users/kaylee/server", raw, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var record spawner.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
	assert.Equal(t, spawner.StateRunning, record.State)
	assert.Equal(t, "/user/kaylee/", record.Prefix)

	assert.Eventually(t, func() bool { return f.control.hasRoute("/user/kaylee/") },
		2*time.Second, 5*time.Millisecond, "route must reach the proxy")

	rec = f.do(http.MethodDelete, "/hub/api/users/kaylee/server", raw, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Eventually(t, func() bool { return !f.control.hasRoute("/user/kaylee/") },
		2*time.Second, 5*time.Millisecond, "route must leave the proxy on stop")
}

func TestCannotStartAnotherUsersServer(t *testing.T) {
	f := newAPIFixture(t)
	f.login(t, "inara")
	raw := f.login(t, "jayne")

	rec := f.do(http.MethodPost, "/hub/api/users/inara/server", raw, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The admin role covers other users' servers
	admin := f.loginAdmin(t, "mal")
	rec = f.do(http.MethodPost, "/hub/api/users/inara/server", admin, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTokenLifecycleViaAPI(t *testing.T) {
	f := newAPIFixture(t)
	raw := f.login(t, "zoe")

	rec := f.do(http.MethodPost, "/hub/api/users/zoe/tokens", raw,
		createTokenRequest{Note: "automation", ExpiresIn: 3600})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created createTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.True(t, strings.HasPrefix(created.Secret, token.Prefix))
	assert.Equal(t, "automation", created.Token.Note)
	require.NotNil(t, created.Token.ExpiresAt)

	// The minted token authenticates
	rec = f.do(http.MethodGet, "/hub/api/user", created.Secret, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Listing shows the session token and the API token, no secrets
	rec = f.do(http.MethodGet, "/hub/api/users/zoe/tokens", raw, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Secret)

	rec = f.do(http.MethodDelete, "/hub/api/users/zoe/tokens/"+created.Token.ID, raw, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/hub/api/user", created.Secret, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeForeignTokenIsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	zoe := f.login(t, "zoe")
	admin := f.loginAdmin(t, "mal")

	rec := f.do(http.MethodPost, "/hub/api/users/zoe/tokens", zoe, createTokenRequest{})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	// Wrong owner in the path gets the same answer as an unknown ID
	rec = f.do(http.MethodDelete, "/hub/api/users/mal/tokens/"+created.Token.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoleAdministration(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.loginAdmin(t, "mal")

	rec := f.do(http.MethodPost, "/hub/api/roles", admin, roleRequest{
		Name:   "grader",
		Scopes: []string{"read:groups!group=class-A"},
		Users:  []string{"kaylee"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/hub/api/roles", admin, roleRequest{
		Name:   "broken",
		Scopes: []string{"not a scope"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The new role takes effect without a restart
	kaylee := f.login(t, "kaylee")
	rec = f.do(http.MethodGet, "/hub/api/groups/class-A", kaylee, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "scope granted, group simply absent")
	rec = f.do(http.MethodGet, "/hub/api/groups/class-B", kaylee, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "filter excludes other groups")

	rec = f.do(http.MethodPut, "/hub/api/roles/user", admin, roleRequest{Name: "user"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "builtin roles are immutable")
	rec = f.do(http.MethodDelete, "/hub/api/roles/admin", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodDelete, "/hub/api/roles/grader", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGroupAdministration(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.loginAdmin(t, "mal")

	rec := f.do(http.MethodPost, "/hub/api/groups", admin, groupRequest{
		Name:    "crew",
		Members: []string{"zoe", "wash"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPut, "/hub/api/groups/crew", admin, groupRequest{
		Members: []string{"zoe", "wash", "kaylee"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var group rbac.Group
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&group))
	assert.Len(t, group.Members, 3)

	rec = f.do(http.MethodPost, "/hub/api/groups/crew/users", admin, groupMembersRequest{
		Users: []string{"inara", "kaylee"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	group = rbac.Group{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&group))
	assert.ElementsMatch(t, []string{"zoe", "wash", "kaylee", "inara"}, group.Members,
		"adding an existing member must not duplicate it")

	rec = f.do(http.MethodDelete, "/hub/api/groups/crew/users", admin, groupMembersRequest{
		Users: []string{"wash", "inara"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	group = rbac.Group{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&group))
	assert.ElementsMatch(t, []string{"zoe", "kaylee"}, group.Members)

	rec = f.do(http.MethodDelete, "/hub/api/groups/crew", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, "/hub/api/groups/crew", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServiceRegistration(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.loginAdmin(t, "mal")

	rec := f.do(http.MethodPost, "/hub/api/roles", admin, roleRequest{
		Name:     "idle-culler",
		Scopes:   []string{"stop:server", "read:user", "list:users"},
		Services: []string{"culler"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/hub/api/services", admin, createServiceRequest{Name: "culler"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created createServiceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.True(t, strings.HasPrefix(created.Token, token.Prefix))

	// The service token carries the granted role, nothing more
	f.login(t, "inara")
	rec = f.do(http.MethodGet, "/hub/api/users", created.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodDelete, "/hub/api/users/inara/server", created.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodPost, "/hub/api/users/inara/server", created.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "culler may stop servers, never start them")

	rec = f.do(http.MethodDelete, "/hub/api/services/culler", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodGet, "/hub/api/users", created.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "deleting a service kills its tokens")
}

func TestActivityReporting(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.users.CreateUser(ctx, &users.User{Name: "inara"}))
	require.NoError(t, f.users.CreateUser(ctx, &users.User{Name: "jayne"}))

	_, raw, err := f.tokens.Issue(ctx, token.OwnerRef{Name: "inara"}, token.KindServer, 0, "server token")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/hub/api/users/inara/activity", raw,
		activityRequest{})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	user, err := f.users.GetUser(ctx, "inara")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), user.LastActivity, 5*time.Second)

	// A server token only speaks for its own user
	rec = f.do(http.MethodPost, "/hub/api/users/jayne/activity", raw, activityRequest{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRoutesEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.loginAdmin(t, "mal")
	raw := f.login(t, "kaylee")

	rec := f.do(http.MethodPost, "/hub/api/users/kaylee/server", raw, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Eventually(t, func() bool {
		rec := f.do(http.MethodGet, "/hub/api/routes", admin, nil)
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "/user/kaylee/")
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(http.MethodGet, "/hub/api/routes", raw, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "route table is operator-only")

	rec = f.do(http.MethodPost, "/hub/api/routes/reconcile", admin, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAuditTrail(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.loginAdmin(t, "mal")

	rec := f.do(http.MethodPost, "/hub/api/users", admin, createUserRequest{Name: "river"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodGet, "/hub/api/audit?actor=mal", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []*audit.Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	actions := make([]audit.Action, 0, len(resp.Events))
	for _, e := range resp.Events {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionLogin)
	assert.Contains(t, actions, audit.ActionUserCreated)
}

func TestInfoEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	raw := f.login(t, "book")

	rec := f.do(http.MethodGet, "/hub/api/info", raw, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info infoResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, "dummy", info.AuthBackend)
}

func TestConcurrentStartsReturnOneServer(t *testing.T) {
	f := newAPIFixture(t)
	raw := f.login(t, "wash")

	const n = 4
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := f.do(http.MethodPost, "/hub/api/users/wash/server", raw, nil)
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusCreated, code, "every caller gets the coalesced result")
	}
}

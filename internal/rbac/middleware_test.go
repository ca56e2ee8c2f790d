package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type principalKey struct{}

func withPrincipal(r *http.Request, p Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
}

func principalFromRequest(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(principalKey{}).(Principal)
	return p, ok
}

type decisionCounter struct{ allowed, denied int }

func (d *decisionCounter) AccessDecision(allowed bool) {
	if allowed {
		d.allowed++
		return
	}
	d.denied++
}

func newTestMiddleware(f *accessFixture) (Middleware, *decisionCounter) {
	counter := &decisionCounter{}
	return Middleware{Resolver: f.resolver, Principal: principalFromRequest, Metrics: counter}, counter
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

func TestRequireRejectsAnonymous(t *testing.T) {
	f := newAccessFixture(t)
	mw, counter := newTestMiddleware(f)

	rr := httptest.NewRecorder()
	mw.Require([]string{PermTasksManage}, nil, nil)(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 1, counter.denied)
}

func TestRequirePermissionsOrRoles(t *testing.T) {
	f := newAccessFixture(t)
	mw, counter := newTestMiddleware(f)
	guard := mw.Require([]string{PermSettingsManage}, []string{RoleAdmin}, nil)(okHandler)

	cases := []struct {
		name string
		user testUser
		want int
	}{
		{name: "single denied", user: testUser{id: 1, role: RoleSingle}, want: http.StatusForbidden},
		{name: "moderator denied", user: testUser{id: 2, role: RoleModerator}, want: http.StatusForbidden},
		{name: "admin allowed", user: testUser{id: 3, role: RoleAdmin}, want: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			guard.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), tc.user))
			assert.Equal(t, tc.want, rr.Code)
		})
	}
	assert.Equal(t, 1, counter.allowed)
	assert.Equal(t, 2, counter.denied)
}

func TestRequireUsesScopeFunc(t *testing.T) {
	f := newAccessFixture(t)
	_, err := f.service.GrantRole(context.Background(), GrantRequest{TargetUserID: 5, RoleSlug: RoleModerator, Scope: ProjectScope(77)})
	require.NoError(t, err)
	mw, _ := newTestMiddleware(f)

	scopeFn := func(r *http.Request) (Scope, error) {
		return ParseScope("project", r.URL.Query().Get("project"))
	}
	guard := mw.Require([]string{PermIntegrationsManage}, nil, scopeFn)(okHandler)
	user := testUser{id: 5, role: RoleSingle}

	rr := httptest.NewRecorder()
	guard.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/?project=77", nil), user))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	guard.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/?project=78", nil), user))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	guard.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/?project=x", nil), user))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestEffectiveResolvedOncePerRequest(t *testing.T) {
	f := newAccessFixture(t)
	mw, _ := newTestMiddleware(f)
	user := testUser{id: 9, role: RoleSingle}

	var inner Effective
	handler := mw.RequestCache(mw.Require([]string{PermTasksManage}, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eff, ok := EffectiveFromContext(r.Context(), GlobalScope())
		require.True(t, ok)
		again, err := mw.Effective(r, GlobalScope())
		require.NoError(t, err)
		inner = again
		assert.Equal(t, eff.RoleList(), again.RoleList())
		w.WriteHeader(http.StatusNoContent)
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), user))
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 1, f.store.grantCalls)
	assert.True(t, inner.Has(PermTasksManage))
}

func TestAllows(t *testing.T) {
	table := DefaultTable()
	mask, err := table.MaskFor(PermDashboardView, PermTasksManage)
	require.NoError(t, err)
	eff := NewEffective(table, mask, []string{RoleSingle}, false)

	assert.True(t, Allows(eff, RoleSingle, nil, nil))
	assert.True(t, Allows(eff, RoleSingle, []string{PermDashboardView, PermTasksManage}, nil))
	assert.False(t, Allows(eff, RoleSingle, []string{PermDashboardView, PermProjectsManage}, nil))
	assert.True(t, Allows(eff, "admin", []string{PermProjectsManage}, []string{RoleAdmin}))
	assert.False(t, Allows(eff, RoleSingle, nil, []string{RoleAdmin}))
	assert.True(t, Allows(NewEffective(table, Mask{}, nil, true), "", []string{PermRolesManage}, nil))
}

func TestAccessHandlerGrantAndMe(t *testing.T) {
	f := newAccessFixture(t)
	mw, _ := newTestMiddleware(f)
	h := NewAccessHandler(nil, f.catalog, f.service, nil, mw)
	router := chi.NewRouter()
	router.Route("/access", h.MountRoutes)
	admin := testUser{id: 1, role: RoleAdmin}

	body, _ := json.Marshal(map[string]any{"user_id": 42, "role": "moderator", "scope_type": "project", "scope_id": 9})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodPost, "/access/assignments", bytes.NewReader(body)), admin))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, f.store.audits, 1)
	require.NotNil(t, f.store.audits[0].ActorUserID)
	assert.Equal(t, int64(1), *f.store.audits[0].ActorUserID)

	rr = httptest.NewRecorder()
	target := testUser{id: 42, role: RoleSingle}
	router.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/access/me?scope_type=project&scope_id=9", nil), target))
	require.Equal(t, http.StatusOK, rr.Code)
	var me struct {
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &me))
	assert.Equal(t, []string{RoleModerator, RoleSingle}, me.Roles)
	assert.Contains(t, me.Permissions, PermIntegrationsManage)
}

func TestAccessHandlerRejectsBadPayloads(t *testing.T) {
	f := newAccessFixture(t)
	mw, _ := newTestMiddleware(f)
	h := NewAccessHandler(nil, f.catalog, f.service, nil, mw)
	router := chi.NewRouter()
	router.Route("/access", h.MountRoutes)
	admin := testUser{id: 1, role: RoleAdmin}

	cases := map[string]map[string]any{
		"missing role":      {"user_id": 42},
		"unknown scope":     {"user_id": 42, "role": "moderator", "scope_type": "team"},
		"project needs id":  {"user_id": 42, "role": "moderator", "scope_type": "project"},
		"unknown role name": {"user_id": 42, "role": "astronaut"},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			body, _ := json.Marshal(payload)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodPost, "/access/assignments", bytes.NewReader(body)), admin))
			assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		})
	}
}

func TestAccessHandlerForbidsNonAdmins(t *testing.T) {
	f := newAccessFixture(t)
	mw, _ := newTestMiddleware(f)
	h := NewAccessHandler(nil, f.catalog, f.service, nil, mw)
	router := chi.NewRouter()
	router.Route("/access", h.MountRoutes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/access/roles", nil), testUser{id: 2, role: RoleModerator}))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

package profiles

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

	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/rbac/rbactest"
	"github.com/parahub/parahub/internal/users"
)

type plainViewers struct{}

func (plainViewers) Viewer(ctx context.Context, u *users.WebUser, isAdmin bool) (users.Viewer, error) {
	if u == nil {
		return users.Anonymous(), nil
	}
	return users.Viewer{User: u, Authenticated: true, IsAdmin: isAdmin}, nil
}

func newProfileRouter(t *testing.T) (chi.Router, *memRepo, *rbactest.Store) {
	t.Helper()
	svc, repo := newTestService()
	store := rbactest.NewStore()
	mw := rbactest.Middleware(store)
	h := NewHandler(nil, svc, plainViewers{}, mw)
	r := chi.NewRouter()
	r.Use(mw.RequestCache)
	r.Route("/profiles", h.MountRoutes)
	return r, repo, store
}

func TestHandlerGetProfileStatusCodes(t *testing.T) {
	r, _, _ := newProfileRouter(t)
	alice := &users.WebUser{ID: 10, Username: "alice", Role: rbac.RoleSingle}
	bob := &users.WebUser{ID: 20, Username: "bob", Role: rbac.RoleSingle}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodGet, "/profiles/users/alice", nil), alice))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view struct {
		Profile Profile `json:"profile"`
		Owner   bool    `json:"is_owner"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Owner)
	assert.Equal(t, "private", view.Profile.Meta["visibility"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodGet, "/profiles/users/alice", nil), bob))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/users/alice", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/planets/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerAdminSeesPrivateProfile(t *testing.T) {
	r, repo, _ := newProfileRouter(t)
	repo.add(Profile{EntityType: EntityGroup, EntityID: 3, Slug: "crew", DisplayName: "Crew"})
	admin := &users.WebUser{ID: 1, Username: "root", Role: rbac.RoleAdmin}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodGet, "/profiles/groups/crew", nil), admin))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerReplaceGrants(t *testing.T) {
	r, repo, store := newProfileRouter(t)
	repo.add(Profile{EntityType: EntityUser, EntityID: 10, Slug: "alice", DisplayName: "Alice", Sections: threeSections})
	alice := &users.WebUser{ID: 10, Username: "alice", Role: rbac.RoleSingle}
	bob := &users.WebUser{ID: 20, Username: "bob", Role: rbac.RoleSingle}

	body := `{"grants":[{"audience_type":"user","subject_id":20,"sections":["overview"]}]}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodPut, "/profiles/users/alice/grants", bytes.NewBufferString(body)), alice))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodPut, "/profiles/users/alice/grants", bytes.NewBufferString(body)), bob))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	store.Grant(20, rbac.RoleModerator, rbac.GlobalScope(), nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodPut, "/profiles/users/alice/grants", bytes.NewBufferString(body)), bob))
	assert.Equal(t, http.StatusOK, rec.Code, "profiles.manage holders may edit")

	expired := `{"grants":[{"audience_type":"public","expires_at":"2001-01-01T00:00:00Z"}]}`
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodPut, "/profiles/users/alice/grants", bytes.NewBufferString(expired)), alice))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	bad := `{"grants":[{"audience_type":"public","subject_id":20}]}`
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodPut, "/profiles/users/alice/grants", bytes.NewBufferString(bad)), alice))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/profiles/users/alice/grants", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerUpdateWithVisibility(t *testing.T) {
	r, repo, _ := newProfileRouter(t)
	repo.add(Profile{EntityType: EntityUser, EntityID: 10, Slug: "alice", DisplayName: "Alice"})
	alice := &users.WebUser{ID: 10, Username: "alice", Role: rbac.RoleSingle}

	body := `{"display_name":"Alice E.","visibility":"public"}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodPut, "/profiles/users/alice", bytes.NewBufferString(body)), alice))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/users/alice", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "public user profiles are visible anonymously")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, rbactest.WithUser(httptest.NewRequest(http.MethodPut, "/profiles/users/alice", bytes.NewBufferString(`{"visibility":"friends"}`)), alice))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

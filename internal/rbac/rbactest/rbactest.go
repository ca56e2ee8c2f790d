// Package rbactest provides in-memory access fixtures for handler tests in
// other packages.
package rbactest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/users"
)

// Store serves the preset catalog and an in-memory grant table.
type Store struct {
	mu     sync.Mutex
	grants map[int64][]rbac.ActiveGrant
	areas  map[int64]int64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{grants: map[int64][]rbac.ActiveGrant{}, areas: map[int64]int64{}}
}

// Grant gives userID the preset role slug at scope.
func (s *Store) Grant(userID int64, slug string, scope rbac.Scope, expiresAt *time.Time) {
	role, ok := rbac.DefaultRole(slug)
	if !ok {
		panic("rbactest: unknown role " + slug)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[userID] = append(s.grants[userID], rbac.ActiveGrant{
		RoleSlug:  role.Slug,
		Mask:      role.Mask,
		GrantsAll: role.GrantsAll,
		Scope:     scope,
		ExpiresAt: expiresAt,
	})
}

// SetProjectArea records that project belongs to area.
func (s *Store) SetProjectArea(project, area int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.areas[project] = area
}

func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return rbac.DefaultPermissions, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	out := make([]rbac.Role, 0, len(rbac.DefaultRoles))
	for i, r := range rbac.DefaultRoles {
		r.ID = int64(i + 1)
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) WithSeedTx(ctx context.Context, fn func(context.Context, rbac.SeedTx) error) error {
	return errors.New("rbactest: seeding not supported")
}

func (s *Store) ActiveGrants(ctx context.Context, userID int64, chain []rbac.Scope, now time.Time) ([]rbac.ActiveGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.ActiveGrant
	for _, g := range s.grants[userID] {
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			continue
		}
		for _, sc := range chain {
			if sc.Equal(g.Scope) {
				out = append(out, g)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ProjectArea(ctx context.Context, projectID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	area, ok := s.areas[projectID]
	return area, ok, nil
}

// Middleware builds an rbac.Middleware over store whose principal is the
// user in the request context.
func Middleware(store *Store) rbac.Middleware {
	reg := rbac.NewRegistry(store, rbac.CacheOptions{})
	cat := rbac.NewCatalog(store, reg, rbac.CacheOptions{})
	return rbac.Middleware{
		Resolver:  rbac.NewResolver(reg, cat, store, store),
		Principal: principal,
	}
}

func principal(r *http.Request) (rbac.Principal, bool) {
	u, ok := users.UserFromContext(r.Context())
	if !ok {
		return nil, false
	}
	return u, true
}

// WithUser returns r carrying u as the authenticated user.
func WithUser(r *http.Request, u *users.WebUser) *http.Request {
	return r.WithContext(users.ContextWithUser(r.Context(), u))
}

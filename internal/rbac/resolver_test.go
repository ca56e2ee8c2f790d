package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type degradeCounter struct{ reasons []string }

func (d *degradeCounter) ResolveDegraded(reason string) { d.reasons = append(d.reasons, reason) }

type accessFixture struct {
	store    *memStore
	clock    *fakeClock
	registry *Registry
	catalog  *Catalog
	service  *AssignmentService
	resolver *Resolver
	degraded *degradeCounter
}

func newAccessFixture(t *testing.T) *accessFixture {
	t.Helper()
	store := newMemStore()
	store.seedDefaults()
	clock := newClock()
	opts := CacheOptions{Now: clock.Now}
	reg := NewRegistry(store, opts)
	cat := NewCatalog(store, reg, opts)
	svc := NewAssignmentService(store, cat, reg, nil, nil)
	svc.now = clock.Now
	degraded := &degradeCounter{}
	res := NewResolver(reg, cat, store, store, WithResolverClock(clock.Now), WithDegradeRecorder(degraded))
	return &accessFixture{store: store, clock: clock, registry: reg, catalog: cat, service: svc, resolver: res, degraded: degraded}
}

func TestGrantElevatesThenExpires(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()
	user := testUser{id: 42, role: RoleSingle}
	expires := f.clock.Now().Add(time.Hour)

	_, err := f.service.GrantRole(ctx, GrantRequest{TargetUserID: 42, RoleSlug: RoleModerator, Scope: GlobalScope(), ExpiresAt: &expires})
	require.NoError(t, err)

	eff, err := f.resolver.Resolve(ctx, user, GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, []string{RoleModerator, RoleSingle}, eff.RoleList())
	assert.True(t, eff.Has(PermIntegrationsManage))

	f.clock.Advance(2 * time.Hour)
	eff, err = f.resolver.Resolve(ctx, user, GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, []string{RoleSingle}, eff.RoleList())
	assert.False(t, eff.Has(PermIntegrationsManage))
}

func TestScopeInheritance(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()
	f.store.projects[100] = 5
	user := testUser{id: 7, role: RoleSingle}

	_, err := f.service.GrantRole(ctx, GrantRequest{TargetUserID: 7, RoleSlug: RoleModerator, Scope: ProjectScope(100)})
	require.NoError(t, err)

	eff, err := f.resolver.Resolve(ctx, user, ProjectScope(100))
	require.NoError(t, err)
	assert.True(t, eff.Has(PermProjectsManage))

	eff, err = f.resolver.Resolve(ctx, user, AreaScope(5))
	require.NoError(t, err)
	assert.False(t, eff.Has(PermProjectsManage))

	eff, err = f.resolver.Resolve(ctx, user, GlobalScope())
	require.NoError(t, err)
	assert.False(t, eff.Has(PermProjectsManage))
}

func TestAreaGrantReachesProjectsInArea(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()
	f.store.projects[100] = 5
	f.store.projects[101] = 6
	user := testUser{id: 7, role: RoleSingle}

	_, err := f.service.GrantRole(ctx, GrantRequest{TargetUserID: 7, RoleSlug: RoleMultiplayer, Scope: AreaScope(5)})
	require.NoError(t, err)

	eff, err := f.resolver.Resolve(ctx, user, ProjectScope(100))
	require.NoError(t, err)
	assert.True(t, eff.Has(PermCRMManage))

	eff, err = f.resolver.Resolve(ctx, user, ProjectScope(101))
	require.NoError(t, err)
	assert.False(t, eff.Has(PermCRMManage))
}

func TestChain(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()
	f.store.projects[100] = 5

	chain, err := f.resolver.Chain(ctx, Scope{Type: ScopeArea})
	require.NoError(t, err)
	assert.Equal(t, []Scope{GlobalScope()}, chain)

	chain, err = f.resolver.Chain(ctx, ProjectScope(100))
	require.NoError(t, err)
	assert.Equal(t, []Scope{GlobalScope(), AreaScope(5), ProjectScope(100)}, chain)

	chain, err = f.resolver.Chain(ctx, ProjectScope(200))
	require.NoError(t, err)
	assert.Equal(t, []Scope{GlobalScope(), ProjectScope(200)}, chain)

	id := int64(3)
	_, err = f.resolver.Chain(ctx, Scope{Type: "galaxy", ID: &id})
	require.ErrorIs(t, err, ErrScopeInvalid)
}

func TestResolveDegradesToPrimaryRole(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()
	_, err := f.service.GrantRole(ctx, GrantRequest{TargetUserID: 42, RoleSlug: RoleAdmin, Scope: GlobalScope()})
	require.NoError(t, err)
	f.store.grantsErr = errors.New("connection refused")

	eff, err := f.resolver.Resolve(ctx, testUser{id: 42, role: RoleSingle}, GlobalScope())
	require.NoError(t, err)
	assert.True(t, eff.Degraded)
	assert.False(t, eff.IsSuperuser)
	assert.Equal(t, []string{RoleSingle}, eff.RoleList())
	assert.True(t, eff.Has(PermTasksManage))
	assert.False(t, eff.Has(PermRolesManage))
	assert.Equal(t, []string{"assignments"}, f.degraded.reasons)
}

func TestSuperuserHasEverything(t *testing.T) {
	f := newAccessFixture(t)
	eff, err := f.resolver.Resolve(context.Background(), testUser{id: 1, role: RoleAdmin}, GlobalScope())
	require.NoError(t, err)
	assert.True(t, eff.IsSuperuser)
	assert.True(t, eff.Has("app.not.registered"))
	assert.Len(t, eff.Codes(), len(DefaultPermissions))
}

func TestPrimaryRoleFallsBackToDefaults(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, CacheOptions{})
	cat := NewCatalog(store, reg, CacheOptions{})
	res := NewResolver(reg, cat, store, nil)

	eff, err := res.Resolve(context.Background(), testUser{id: 3, role: "ban"}, GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, []string{RoleSuspended}, eff.RoleList())
	assert.True(t, eff.Mask.IsZero())

	eff, err = res.Resolve(context.Background(), testUser{id: 3, role: RoleMultiplayer}, GlobalScope())
	require.NoError(t, err)
	assert.True(t, eff.Has(PermGroupsManage))
}

func TestUnknownPrimaryRoleGrantsNothing(t *testing.T) {
	f := newAccessFixture(t)
	eff, err := f.resolver.Resolve(context.Background(), testUser{id: 3, role: "wizard"}, GlobalScope())
	require.NoError(t, err)
	assert.Empty(t, eff.RoleList())
	assert.False(t, eff.Has(PermDashboardView))
}

func TestAnonymousResolvesEmpty(t *testing.T) {
	f := newAccessFixture(t)
	eff, err := f.resolver.Resolve(context.Background(), nil, GlobalScope())
	require.NoError(t, err)
	assert.Empty(t, eff.RoleList())
	assert.False(t, eff.Has(PermDashboardView))
	assert.Zero(t, f.store.grantCalls)
}

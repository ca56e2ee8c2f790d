package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedPresetsIsIdempotent(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, CacheOptions{})
	cat := NewCatalog(store, reg, CacheOptions{})
	ctx := context.Background()

	first, err := cat.SeedPresets(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultPermissions), first.PermissionsInserted)
	assert.Equal(t, len(DefaultRoles), first.RolesInserted)

	second, err := cat.SeedPresets(ctx)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{}, second)
	assert.Len(t, store.perms, len(DefaultPermissions))
	assert.Len(t, store.roles, len(DefaultRoles))
}

func TestSeedPresetsRepairsSystemRoles(t *testing.T) {
	store := newMemStore()
	store.roles[RoleSingle] = Role{ID: 90, Slug: RoleSingle, Name: "old", Level: 3, IsSystem: true}
	store.roles[RoleModerator] = Role{ID: 91, Slug: RoleModerator, Name: "Moderator", Level: 30, IsSystem: true, GrantsAll: true}
	store.roles[RoleMultiplayer] = Role{ID: 92, Slug: RoleMultiplayer, Name: "custom", Level: 99}
	store.nextRoleID = 100
	cat := NewCatalog(store, nil, CacheOptions{})
	ctx := context.Background()

	result, err := cat.SeedPresets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RolesUpdated)

	single, err := cat.Get(ctx, RoleSingle)
	require.NoError(t, err)
	want, _ := DefaultRole(RoleSingle)
	assert.Equal(t, int64(90), single.ID)
	assert.Equal(t, 10, single.Level)
	assert.True(t, single.Mask.Equal(want.Mask))

	moderator, err := cat.Get(ctx, RoleModerator)
	require.NoError(t, err)
	assert.True(t, moderator.GrantsAll, "grants_all is never demoted")

	custom, err := cat.Get(ctx, RoleMultiplayer)
	require.NoError(t, err)
	assert.Equal(t, "custom", custom.Name, "non-system roles are left alone")
}

func TestCatalogResolvesLegacyAlias(t *testing.T) {
	store := newMemStore()
	store.seedDefaults()
	cat := NewCatalog(store, nil, CacheOptions{})

	role, err := cat.Get(context.Background(), "BAN")
	require.NoError(t, err)
	assert.Equal(t, RoleSuspended, role.Slug)
	assert.True(t, role.Mask.IsZero())
}

func TestCatalogAllOrderedByLevel(t *testing.T) {
	store := newMemStore()
	store.seedDefaults()
	cat := NewCatalog(store, nil, CacheOptions{})

	roles, err := cat.All(context.Background())
	require.NoError(t, err)
	slugs := make([]string, 0, len(roles))
	for _, r := range roles {
		slugs = append(slugs, r.Slug)
	}
	assert.Equal(t, []string{RoleSuspended, RoleSingle, RoleMultiplayer, RoleModerator, RoleAdmin}, slugs)
}

func TestCatalogPersistedSeedsOnce(t *testing.T) {
	store := newMemStore()
	cat := NewCatalog(store, nil, CacheOptions{})
	ctx := context.Background()

	role, err := cat.Persisted(ctx, RoleModerator)
	require.NoError(t, err)
	assert.NotZero(t, role.ID)

	_, err = cat.Persisted(ctx, "astronaut")
	require.ErrorIs(t, err, ErrRoleNotFound)
}

func TestDefaultLadderShape(t *testing.T) {
	table := DefaultTable()
	single, _ := DefaultRole(RoleSingle)
	moderator, _ := DefaultRole(RoleModerator)
	admin, _ := DefaultRole(RoleAdmin)

	assert.False(t, table.Has(single.Mask, PermIntegrationsManage))
	assert.False(t, table.Has(single.Mask, PermProjectsManage))
	assert.True(t, table.Has(moderator.Mask, PermIntegrationsManage))
	assert.True(t, table.Has(moderator.Mask, PermProjectsManage))
	assert.True(t, admin.GrantsAll)
}

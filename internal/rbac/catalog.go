package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// SeedTx is the transactional view used while reconciling presets.
type SeedTx interface {
	InsertPermissionIfMissing(ctx context.Context, p Permission) (bool, error)
	RoleBySlug(ctx context.Context, slug string) (Role, bool, error)
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) error
}

// CatalogStore loads roles and runs preset seeding.
type CatalogStore interface {
	ListRoles(ctx context.Context) ([]Role, error)
	WithSeedTx(ctx context.Context, fn func(context.Context, SeedTx) error) error
}

// SeedResult summarises one SeedPresets run.
type SeedResult struct {
	PermissionsInserted int `json:"permissions_inserted"`
	RolesInserted       int `json:"roles_inserted"`
	RolesUpdated        int `json:"roles_updated"`
}

type roleSnapshot struct {
	loadedAt time.Time
	bySlug   map[string]Role
	ordered  []Role
	fallback bool
}

func newRoleSnapshot(roles []Role, loadedAt time.Time, fallback bool) *roleSnapshot {
	s := &roleSnapshot{loadedAt: loadedAt, bySlug: make(map[string]Role, len(roles)), fallback: fallback}
	for _, role := range roles {
		s.bySlug[role.Slug] = role
	}
	s.ordered = make([]Role, 0, len(s.bySlug))
	for _, role := range s.bySlug {
		s.ordered = append(s.ordered, role)
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		if s.ordered[i].Level != s.ordered[j].Level {
			return s.ordered[i].Level < s.ordered[j].Level
		}
		return s.ordered[i].Slug < s.ordered[j].Slug
	})
	return s
}

// Catalog memoizes role definitions and owns preset seeding.
type Catalog struct {
	store    CatalogStore
	registry *Registry
	opts     CacheOptions

	snap  atomic.Pointer[roleSnapshot]
	gen   atomic.Uint64
	group singleflight.Group
}

// NewCatalog constructs a Catalog. registry may be nil in tests that do not
// exercise seeding.
func NewCatalog(store CatalogStore, registry *Registry, opts CacheOptions) *Catalog {
	return &Catalog{store: store, registry: registry, opts: opts.withDefaults()}
}

func (c *Catalog) snapshot(ctx context.Context) *roleSnapshot {
	current := c.snap.Load()
	if current != nil && c.opts.Now().Sub(current.loadedAt) < c.opts.TTL {
		return current
	}
	gen := c.gen.Load()
	v, _, _ := c.group.Do("roles:"+strconv.FormatUint(gen, 10), func() (any, error) {
		roles, err := c.store.ListRoles(ctx)
		if err != nil {
			c.opts.Logger.Warn("role catalog reload failed", slog.Any("error", err))
			if current != nil {
				return current, nil
			}
			return newRoleSnapshot(DefaultRoles, time.Time{}, true), nil
		}
		next := newRoleSnapshot(roles, c.opts.Now(), false)
		if c.gen.Load() == gen {
			c.snap.Store(next)
		}
		return next, nil
	})
	return v.(*roleSnapshot)
}

// Get returns the role for slug. Legacy aliases are resolved first.
func (c *Catalog) Get(ctx context.Context, slug string) (Role, error) {
	slug = NormalizeRoleSlug(slug)
	role, ok := c.snapshot(ctx).bySlug[slug]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, slug)
	}
	return role, nil
}

// All lists roles ordered by level, then slug.
func (c *Catalog) All(ctx context.Context) ([]Role, error) {
	snap := c.snapshot(ctx)
	out := make([]Role, len(snap.ordered))
	copy(out, snap.ordered)
	return out, nil
}

// Persisted returns the stored role for slug, seeding presets once when the
// role is missing from the store.
func (c *Catalog) Persisted(ctx context.Context, slug string) (Role, error) {
	role, err := c.Get(ctx, slug)
	if err == nil && role.ID != 0 {
		return role, nil
	}
	if err != nil && !errors.Is(err, ErrRoleNotFound) {
		return Role{}, err
	}
	if _, err := c.SeedPresets(ctx); err != nil {
		return Role{}, err
	}
	role, err = c.Get(ctx, slug)
	if err != nil {
		return Role{}, err
	}
	if role.ID == 0 {
		return Role{}, fmt.Errorf("%w: %s not persisted", ErrRoleNotFound, NormalizeRoleSlug(slug))
	}
	return role, nil
}

// SeedPresets reconciles the default permissions and roles in one
// transaction. Existing system roles are brought in line with the compiled
// ladder; grants_all is only ever raised.
func (c *Catalog) SeedPresets(ctx context.Context) (SeedResult, error) {
	var result SeedResult
	err := c.store.WithSeedTx(ctx, func(ctx context.Context, tx SeedTx) error {
		result = SeedResult{}
		for _, p := range DefaultPermissions {
			inserted, err := tx.InsertPermissionIfMissing(ctx, p)
			if err != nil {
				return fmt.Errorf("seed permission %s: %w", p.Code, err)
			}
			if inserted {
				result.PermissionsInserted++
			}
		}
		for _, preset := range DefaultRoles {
			existing, ok, err := tx.RoleBySlug(ctx, preset.Slug)
			if err != nil {
				return fmt.Errorf("load role %s: %w", preset.Slug, err)
			}
			if !ok {
				if _, err := tx.InsertRole(ctx, preset); err != nil {
					return fmt.Errorf("insert role %s: %w", preset.Slug, err)
				}
				result.RolesInserted++
				continue
			}
			if !existing.IsSystem {
				continue
			}
			desired := existing
			desired.Name = preset.Name
			desired.Level = preset.Level
			desired.Mask = preset.Mask
			desired.IsSystem = true
			desired.GrantsAll = existing.GrantsAll || preset.GrantsAll
			if roleEqual(existing, desired) {
				continue
			}
			if err := tx.UpdateRole(ctx, desired); err != nil {
				return fmt.Errorf("update role %s: %w", preset.Slug, err)
			}
			result.RolesUpdated++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("rbac: seed presets: %w", err)
	}
	c.Invalidate()
	if c.registry != nil {
		c.registry.Invalidate()
	}
	c.opts.Logger.Info("rbac presets seeded",
		slog.Int("permissions_inserted", result.PermissionsInserted),
		slog.Int("roles_inserted", result.RolesInserted),
		slog.Int("roles_updated", result.RolesUpdated),
	)
	return result, nil
}

// Invalidate drops the snapshot.
func (c *Catalog) Invalidate() {
	c.gen.Add(1)
	c.snap.Store(nil)
}

func roleEqual(a, b Role) bool {
	return a.Name == b.Name &&
		a.Level == b.Level &&
		a.Mask.Equal(b.Mask) &&
		a.IsSystem == b.IsSystem &&
		a.GrantsAll == b.GrantsAll
}

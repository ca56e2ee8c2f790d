package rbac

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type projectArea struct {
	areaID int64
	ok     bool
}

// CachedProjectAreas memoizes project → area lookups in an expiring LRU.
// Errors are never cached.
type CachedProjectAreas struct {
	next  ProjectAreaLookup
	cache *expirable.LRU[int64, projectArea]
}

// NewCachedProjectAreas wraps next with an LRU of the given size and TTL.
func NewCachedProjectAreas(next ProjectAreaLookup, size int, ttl time.Duration) *CachedProjectAreas {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProjectAreas{
		next:  next,
		cache: expirable.NewLRU[int64, projectArea](size, nil, ttl),
	}
}

// ProjectArea implements ProjectAreaLookup.
func (c *CachedProjectAreas) ProjectArea(ctx context.Context, projectID int64) (int64, bool, error) {
	if hit, ok := c.cache.Get(projectID); ok {
		return hit.areaID, hit.ok, nil
	}
	areaID, ok, err := c.next.ProjectArea(ctx, projectID)
	if err != nil {
		return 0, false, err
	}
	c.cache.Add(projectID, projectArea{areaID: areaID, ok: ok})
	return areaID, ok, nil
}

// Forget drops a cached project, e.g. after it moved to another area.
func (c *CachedProjectAreas) Forget(projectID int64) {
	c.cache.Remove(projectID)
}

// Purge empties the cache.
func (c *CachedProjectAreas) Purge() {
	c.cache.Purge()
}

// Invalidate is Purge under the name cross-process invalidation expects.
func (c *CachedProjectAreas) Invalidate() { c.Purge() }

package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is the soft expiry of registry and catalog snapshots.
const DefaultCacheTTL = 30 * time.Second

// PermissionSource loads stored permission definitions.
type PermissionSource interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// CacheOptions tunes snapshot caches.
type CacheOptions struct {
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultCacheTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// PermissionTable is an immutable view of the permission registry.
type PermissionTable struct {
	loadedAt time.Time
	byCode   map[string]Permission
	byBit    map[int]Permission
	ordered  []Permission
}

func newPermissionTable(stored []Permission, loadedAt time.Time) *PermissionTable {
	t := &PermissionTable{
		loadedAt: loadedAt,
		byCode:   make(map[string]Permission, len(stored)+len(DefaultPermissions)),
		byBit:    make(map[int]Permission, len(stored)+len(DefaultPermissions)),
	}
	for _, p := range stored {
		if p.BitPosition < 0 {
			continue
		}
		if _, taken := t.byBit[p.BitPosition]; taken {
			continue
		}
		t.byCode[p.Code] = p
		t.byBit[p.BitPosition] = p
	}
	// Defaults fill the gaps until the store is seeded.
	for _, p := range DefaultPermissions {
		if _, ok := t.byCode[p.Code]; ok {
			continue
		}
		if _, taken := t.byBit[p.BitPosition]; taken {
			continue
		}
		t.byCode[p.Code] = p
		t.byBit[p.BitPosition] = p
	}
	t.ordered = make([]Permission, 0, len(t.byBit))
	for _, p := range t.byBit {
		t.ordered = append(t.ordered, p)
	}
	sort.Slice(t.ordered, func(i, j int) bool { return t.ordered[i].BitPosition < t.ordered[j].BitPosition })
	return t
}

// Lookup returns the permission registered under code.
func (t *PermissionTable) Lookup(code string) (Permission, bool) {
	p, ok := t.byCode[code]
	return p, ok
}

// MaskFor ORs the bits of codes together.
func (t *PermissionTable) MaskFor(codes ...string) (Mask, error) {
	bits := make([]int, 0, len(codes))
	for _, code := range codes {
		p, ok := t.byCode[code]
		if !ok {
			return Mask{}, fmt.Errorf("%w: %s", ErrUnknownPermission, code)
		}
		bits = append(bits, p.BitPosition)
	}
	return MaskOf(bits...), nil
}

// Has reports whether mask carries the bit of code. Unknown codes are false.
func (t *PermissionTable) Has(mask Mask, code string) bool {
	p, ok := t.byCode[code]
	if !ok {
		return false
	}
	return mask.Has(p.BitPosition)
}

// Codes lists the codes set in mask, ordered by bit position. Bits without a
// registered permission are skipped.
func (t *PermissionTable) Codes(mask Mask) []string {
	codes := make([]string, 0)
	for _, bit := range mask.Bits() {
		if p, ok := t.byBit[bit]; ok {
			codes = append(codes, p.Code)
		}
	}
	return codes
}

// All returns every registered permission ordered by bit position.
func (t *PermissionTable) All() []Permission {
	out := make([]Permission, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// Registry memoizes the permission table.
type Registry struct {
	source PermissionSource
	opts   CacheOptions

	table atomic.Pointer[PermissionTable]
	gen   atomic.Uint64
	group singleflight.Group
}

// NewRegistry constructs a Registry backed by source.
func NewRegistry(source PermissionSource, opts CacheOptions) *Registry {
	return &Registry{source: source, opts: opts.withDefaults()}
}

// Table returns the current snapshot, reloading it when stale. A failed
// reload keeps serving the previous snapshot, or the compiled defaults.
func (r *Registry) Table(ctx context.Context) *PermissionTable {
	current := r.table.Load()
	if current != nil && r.opts.Now().Sub(current.loadedAt) < r.opts.TTL {
		return current
	}
	gen := r.gen.Load()
	v, _, _ := r.group.Do("permissions:"+strconv.FormatUint(gen, 10), func() (any, error) {
		stored, err := r.source.ListPermissions(ctx)
		if err != nil {
			r.opts.Logger.Warn("permission registry reload failed", slog.Any("error", err))
			if current != nil {
				return current, nil
			}
			return newPermissionTable(nil, time.Time{}), nil
		}
		next := newPermissionTable(stored, r.opts.Now())
		if r.gen.Load() == gen {
			r.table.Store(next)
		}
		return next, nil
	})
	return v.(*PermissionTable)
}

// MaskFor resolves codes to a mask, falling back to the compiled defaults.
func (r *Registry) MaskFor(ctx context.Context, codes ...string) (Mask, error) {
	return r.Table(ctx).MaskFor(codes...)
}

// Has reports whether mask carries the bit of code.
func (r *Registry) Has(ctx context.Context, mask Mask, code string) bool {
	return r.Table(ctx).Has(mask, code)
}

// CodesFromMask lists the permission codes set in mask.
func (r *Registry) CodesFromMask(ctx context.Context, mask Mask) []string {
	return r.Table(ctx).Codes(mask)
}

// AllCodes lists every known permission code ordered by bit position.
func (r *Registry) AllCodes(ctx context.Context) []string {
	all := r.Table(ctx).All()
	codes := make([]string, 0, len(all))
	for _, p := range all {
		codes = append(codes, p.Code)
	}
	return codes
}

// Invalidate drops the snapshot; the next read reloads it.
func (r *Registry) Invalidate() {
	r.gen.Add(1)
	r.table.Store(nil)
}

package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AssignmentReader lists the non-expired grants of a user within a scope
// chain.
type AssignmentReader interface {
	ActiveGrants(ctx context.Context, userID int64, chain []Scope, now time.Time) ([]ActiveGrant, error)
}

// ProjectAreaLookup finds the area a project belongs to.
type ProjectAreaLookup interface {
	ProjectArea(ctx context.Context, projectID int64) (areaID int64, ok bool, err error)
}

// DegradeRecorder counts resolutions that fell back to a narrower view.
type DegradeRecorder interface {
	ResolveDegraded(reason string)
}

// Resolver computes effective permissions.
type Resolver struct {
	registry    *Registry
	catalog     *Catalog
	assignments AssignmentReader
	projects    ProjectAreaLookup
	logger      *slog.Logger
	metrics     DegradeRecorder
	now         func() time.Time
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDegradeRecorder counts degraded resolutions.
func WithDegradeRecorder(m DegradeRecorder) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithResolverClock overrides the clock used for expiry checks.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(registry *Registry, catalog *Catalog, assignments AssignmentReader, projects ProjectAreaLookup, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry:    registry,
		catalog:     catalog,
		assignments: assignments,
		projects:    projects,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chain expands scope into the ordered list of scopes whose grants apply.
func (r *Resolver) Chain(ctx context.Context, scope Scope) ([]Scope, error) {
	if scope.Type == "" {
		scope.Type = ScopeGlobal
	}
	if !scope.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrScopeInvalid, scope.Type)
	}
	if scope.IsGlobal() {
		return []Scope{GlobalScope()}, nil
	}
	id := *scope.ID
	switch scope.Type {
	case ScopeArea:
		return []Scope{GlobalScope(), AreaScope(id)}, nil
	default:
		chain := []Scope{GlobalScope()}
		if r.projects != nil {
			areaID, ok, err := r.projects.ProjectArea(ctx, id)
			switch {
			case err != nil:
				r.degrade("project_area_lookup", err, slog.Int64("project_id", id))
			case ok:
				chain = append(chain, AreaScope(areaID))
			}
		}
		return append(chain, ProjectScope(id)), nil
	}
}

// Resolve merges the user's primary role with every active assignment in the
// scope chain. A nil principal yields an empty view. Storage failures narrow
// the result to the primary role; they never widen it.
func (r *Resolver) Resolve(ctx context.Context, principal Principal, scope Scope) (Effective, error) {
	eff := Effective{Roles: map[string]struct{}{}, Scope: scope, table: r.registry.Table(ctx)}
	chain, err := r.Chain(ctx, scope)
	if err != nil {
		return Effective{}, err
	}
	if principal == nil {
		return eff, nil
	}

	grants, err := r.assignments.ActiveGrants(ctx, principal.GetID(), chain, r.now())
	if err != nil {
		r.degrade("assignments", err, slog.Int64("user_id", principal.GetID()))
		eff.Degraded = true
		grants = nil
	}
	for _, g := range grants {
		eff.Mask = eff.Mask.Union(g.Mask)
		eff.Roles[NormalizeRoleSlug(g.RoleSlug)] = struct{}{}
		if g.GrantsAll {
			eff.IsSuperuser = true
		}
	}

	if primary := NormalizeRoleSlug(principal.PrimaryRole()); primary != "" {
		role, err := r.catalog.Get(ctx, primary)
		if err != nil {
			fallback, ok := DefaultRole(primary)
			if !ok {
				r.logger.Warn("primary role unknown", slog.String("role", primary), slog.Int64("user_id", principal.GetID()))
			}
			role = fallback
		}
		if role.Slug != "" {
			eff.Mask = eff.Mask.Union(role.Mask)
			eff.Roles[role.Slug] = struct{}{}
			if role.GrantsAll {
				eff.IsSuperuser = true
			}
		}
	}
	return eff, nil
}

func (r *Resolver) degrade(reason string, err error, attrs ...any) {
	args := append([]any{slog.String("reason", reason), slog.Any("error", err)}, attrs...)
	r.logger.Warn("access resolution degraded", args...)
	if r.metrics != nil {
		r.metrics.ResolveDegraded(reason)
	}
}

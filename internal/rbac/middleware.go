package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/parahub/parahub/internal/platform/httpx"
	"github.com/parahub/parahub/internal/shared"
)

// PrincipalFunc extracts the authenticated principal from a request.
type PrincipalFunc func(*http.Request) (Principal, bool)

// ScopeFunc derives the authorization scope of a request.
type ScopeFunc func(*http.Request) (Scope, error)

// DecisionRecorder counts authorization outcomes.
type DecisionRecorder interface {
	AccessDecision(allowed bool)
}

type requestCacheKey struct{}

type requestCache struct {
	mu      sync.Mutex
	byScope map[string]Effective
}

// WithRequestCache installs a per-request Effective cache in ctx.
func WithRequestCache(ctx context.Context) context.Context {
	if _, ok := ctx.Value(requestCacheKey{}).(*requestCache); ok {
		return ctx
	}
	return context.WithValue(ctx, requestCacheKey{}, &requestCache{byScope: map[string]Effective{}})
}

// EffectiveFromContext returns the Effective resolved earlier in this request
// for scope, if any.
func EffectiveFromContext(ctx context.Context, scope Scope) (Effective, bool) {
	cache, ok := ctx.Value(requestCacheKey{}).(*requestCache)
	if !ok {
		return Effective{}, false
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	eff, ok := cache.byScope[scope.Key()]
	return eff, ok
}

func storeEffective(ctx context.Context, scope Scope, eff Effective) {
	cache, ok := ctx.Value(requestCacheKey{}).(*requestCache)
	if !ok {
		return
	}
	cache.mu.Lock()
	cache.byScope[scope.Key()] = eff
	cache.mu.Unlock()
}

// Middleware wires authorization helpers for HTTP handlers.
type Middleware struct {
	Resolver  *Resolver
	Principal PrincipalFunc
	Logger    *slog.Logger
	Metrics   DecisionRecorder
}

// RequestCache installs the per-request Effective cache.
func (m Middleware) RequestCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithRequestCache(r.Context())))
	})
}

// Effective resolves the caller's permissions at scope, at most once per
// request and scope. Anonymous callers get an empty view.
func (m Middleware) Effective(r *http.Request, scope Scope) (Effective, error) {
	if eff, ok := EffectiveFromContext(r.Context(), scope); ok {
		return eff, nil
	}
	var principal Principal
	if m.Principal != nil {
		if p, ok := m.Principal(r); ok {
			principal = p
		}
	}
	eff, err := m.Resolver.Resolve(r.Context(), principal, scope)
	if err != nil {
		return Effective{}, err
	}
	storeEffective(r.Context(), scope, eff)
	return eff, nil
}

// Require admits the request when the caller holds any of roles or all of
// perms. Both lists empty admits every authenticated caller. A nil scopeFn
// means global scope.
func (m Middleware) Require(perms []string, roles []string, scopeFn ScopeFunc) func(http.Handler) http.Handler {
	perms = normalizePermissions(perms)
	roles = normalizeRoles(roles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := m.principal(r)
			if !ok {
				m.record(false)
				httpx.RespondError(w, shared.ErrNotAuthenticated)
				return
			}
			scope := GlobalScope()
			if scopeFn != nil {
				s, err := scopeFn(r)
				if err != nil {
					httpx.RespondError(w, err)
					return
				}
				scope = s
			}
			eff, err := m.Effective(r, scope)
			if err != nil {
				m.logger().Error("rbac require", slog.Any("error", err), slog.Int64("user_id", principal.GetID()))
				httpx.RespondError(w, err)
				return
			}
			allowed := Allows(eff, principal.PrimaryRole(), perms, roles)
			m.record(allowed)
			if !allowed {
				httpx.RespondError(w, shared.ErrPermissionDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAll ensures the caller holds every permission at global scope.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.Require(perms, nil, nil)
}

// RequireAny ensures the caller holds at least one permission at global scope.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		guarded := func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			eff, err := m.Effective(r, GlobalScope())
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			allowed := eff.HasAny(normalized...)
			m.record(allowed)
			if !allowed {
				httpx.RespondError(w, shared.ErrPermissionDenied)
				return
			}
			next.ServeHTTP(w, r)
		}
		return m.Require(nil, nil, nil)(http.HandlerFunc(guarded))
	}
}

// Allows applies the guard rule: superusers pass; otherwise any listed role
// (effective or primary) passes, or every listed permission. With no
// requirements everything passes.
func Allows(eff Effective, primaryRole string, perms []string, roles []string) bool {
	if eff.IsSuperuser {
		return true
	}
	if len(perms) == 0 && len(roles) == 0 {
		return true
	}
	if len(roles) > 0 {
		primary := NormalizeRoleSlug(primaryRole)
		for _, role := range roles {
			if NormalizeRoleSlug(role) == primary || eff.HasRole(role) {
				return true
			}
		}
	}
	return len(perms) > 0 && eff.HasAll(perms...)
}

func (m Middleware) principal(r *http.Request) (Principal, bool) {
	if m.Principal == nil {
		return nil, false
	}
	p, ok := m.Principal(r)
	if !ok || p == nil || p.GetID() <= 0 {
		return nil, false
	}
	return p, true
}

func (m Middleware) record(allowed bool) {
	if m.Metrics != nil {
		m.Metrics.AccessDecision(allowed)
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		if slug := NormalizeRoleSlug(role); slug != "" {
			out = append(out, slug)
		}
	}
	return out
}

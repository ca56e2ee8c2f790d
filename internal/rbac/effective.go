package rbac

import (
	"sort"
	"time"
)

// Effective is the merged permission view of one user at one scope. It is
// only meaningful for the duration of a single request.
type Effective struct {
	Mask        Mask
	Roles       map[string]struct{}
	IsSuperuser bool
	Scope       Scope
	Degraded    bool

	table *PermissionTable
}

// Has reports whether the user holds code. Superusers hold everything.
func (e Effective) Has(code string) bool {
	if e.IsSuperuser {
		return true
	}
	if e.table == nil {
		return false
	}
	return e.table.Has(e.Mask, code)
}

// HasAll reports whether every code is held. An empty list is satisfied.
func (e Effective) HasAll(codes ...string) bool {
	for _, code := range codes {
		if !e.Has(code) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one code is held.
func (e Effective) HasAny(codes ...string) bool {
	for _, code := range codes {
		if e.Has(code) {
			return true
		}
	}
	return false
}

// HasRole reports whether slug is among the merged roles.
func (e Effective) HasRole(slug string) bool {
	_, ok := e.Roles[NormalizeRoleSlug(slug)]
	return ok
}

// HasAnyRole reports whether any of slugs is among the merged roles.
func (e Effective) HasAnyRole(slugs ...string) bool {
	for _, slug := range slugs {
		if e.HasRole(slug) {
			return true
		}
	}
	return false
}

// Codes lists the permission codes carried by the mask. Superusers get every
// registered code.
func (e Effective) Codes() []string {
	if e.table == nil {
		return []string{}
	}
	if e.IsSuperuser {
		all := e.table.All()
		codes := make([]string, 0, len(all))
		for _, p := range all {
			codes = append(codes, p.Code)
		}
		return codes
	}
	return e.table.Codes(e.Mask)
}

// RoleList returns the merged role slugs sorted.
func (e Effective) RoleList() []string {
	out := make([]string, 0, len(e.Roles))
	for slug := range e.Roles {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// NewEffective builds an Effective from explicit parts. It is used by
// callers that need a fixed permission view, such as tests of downstream
// packages.
func NewEffective(table *PermissionTable, mask Mask, roles []string, superuser bool) Effective {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[NormalizeRoleSlug(r)] = struct{}{}
	}
	if table == nil {
		table = DefaultTable()
	}
	return Effective{Mask: mask, Roles: set, IsSuperuser: superuser, Scope: GlobalScope(), table: table}
}

// DefaultTable returns a table built from the compiled permissions only.
func DefaultTable() *PermissionTable {
	return newPermissionTable(nil, time.Time{})
}

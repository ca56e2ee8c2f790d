package rbac

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parahub/parahub/internal/shared"
)

// ScopeType anchors an assignment in the global → area → project hierarchy.
type ScopeType string

const (
	ScopeGlobal  ScopeType = "global"
	ScopeArea    ScopeType = "area"
	ScopeProject ScopeType = "project"
)

// Valid reports whether t is one of the known scope types.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeGlobal, ScopeArea, ScopeProject:
		return true
	}
	return false
}

// Scope is a (type, id) pair. ID is nil for the global scope.
type Scope struct {
	Type ScopeType `json:"type"`
	ID   *int64    `json:"id,omitempty"`
}

// GlobalScope returns the root scope.
func GlobalScope() Scope { return Scope{Type: ScopeGlobal} }

// AreaScope returns the scope of one area.
func AreaScope(id int64) Scope { return Scope{Type: ScopeArea, ID: &id} }

// ProjectScope returns the scope of one project.
func ProjectScope(id int64) Scope { return Scope{Type: ScopeProject, ID: &id} }

// IsGlobal reports whether the scope resolves to the global chain entry.
func (s Scope) IsGlobal() bool { return s.Type == ScopeGlobal || s.ID == nil }

// Key is a stable map key for the scope.
func (s Scope) Key() string {
	if s.ID == nil {
		return string(s.Type)
	}
	return string(s.Type) + ":" + strconv.FormatInt(*s.ID, 10)
}

// Equal compares type and id.
func (s Scope) Equal(o Scope) bool {
	if s.Type != o.Type {
		return false
	}
	if s.ID == nil || o.ID == nil {
		return s.ID == nil && o.ID == nil
	}
	return *s.ID == *o.ID
}

// Normalize validates the scope and enforces that only the global scope has a
// nil id. A global scope carrying an id is rewritten to plain global.
func (s Scope) Normalize() (Scope, error) {
	if !s.Type.Valid() {
		return Scope{}, fmt.Errorf("%w: %q", ErrScopeInvalid, s.Type)
	}
	if s.Type == ScopeGlobal {
		return GlobalScope(), nil
	}
	if s.ID == nil {
		return Scope{}, fmt.Errorf("%w: %s scope requires an id", ErrScopeInvalid, s.Type)
	}
	id := *s.ID
	return Scope{Type: s.Type, ID: &id}, nil
}

// ParseScope builds a scope from query-string style values. An empty type
// means global.
func ParseScope(rawType, rawID string) (Scope, error) {
	rawType = strings.TrimSpace(strings.ToLower(rawType))
	if rawType == "" {
		return GlobalScope(), nil
	}
	scope := Scope{Type: ScopeType(rawType)}
	if rawID = strings.TrimSpace(rawID); rawID != "" {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return Scope{}, fmt.Errorf("%w: bad scope id %q", shared.ErrValidation, rawID)
		}
		scope.ID = &id
	}
	return scope.Normalize()
}

// Permission is one bit of the permission mask.
type Permission struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	BitPosition int    `json:"bit_position"`
	Category    string `json:"category"`
	Name        string `json:"name"`
	Mutable     bool   `json:"mutable"`
}

// Role groups permissions into a mask.
type Role struct {
	ID        int64  `json:"id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Level     int    `json:"level"`
	Mask      Mask   `json:"permissions_mask"`
	IsSystem  bool   `json:"is_system"`
	GrantsAll bool   `json:"grants_all"`
}

// Assignment ties a user to a role within a scope.
type Assignment struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	RoleID    int64      `json:"role_id"`
	RoleSlug  string     `json:"role_slug"`
	Scope     Scope      `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	GrantedBy *int64     `json:"granted_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ActiveGrant is an assignment joined with the role data needed for
// aggregation.
type ActiveGrant struct {
	RoleSlug  string
	Mask      Mask
	GrantsAll bool
	Scope     Scope
	ExpiresAt *time.Time
}

// ExpiredAssignment describes a row removed by the expiry sweep.
type ExpiredAssignment struct {
	UserID    int64
	RoleSlug  string
	Scope     Scope
	ExpiresAt time.Time
}

// Principal describes the authenticated actor.
type Principal interface {
	GetID() int64
	PrimaryRole() string
}

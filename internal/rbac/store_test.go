package rbac

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parahub/parahub/internal/audit"
)

// memStore is an in-memory stand-in for Repository with transactional
// rollback.
type memStore struct {
	mu sync.Mutex

	perms       []Permission
	roles       map[string]Role
	nextRoleID  int64
	assignments []Assignment
	primary     map[int64]string
	audits      []audit.Entry
	projects    map[int64]int64

	permErr     error
	rolesErr    error
	grantsErr   error
	auditErr    error
	permCalls   int
	roleCalls   int
	grantCalls  int
	nextAssign  int64
	nextAuditID int64
}

func newMemStore() *memStore {
	return &memStore{
		roles:    map[string]Role{},
		primary:  map[int64]string{},
		projects: map[int64]int64{},
	}
}

func (s *memStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permCalls++
	if s.permErr != nil {
		return nil, s.permErr
	}
	return append([]Permission(nil), s.perms...), nil
}

func (s *memStore) ListRoles(ctx context.Context) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleCalls++
	if s.rolesErr != nil {
		return nil, s.rolesErr
	}
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

type memSnapshot struct {
	perms       []Permission
	roles       map[string]Role
	nextRoleID  int64
	assignments []Assignment
	primary     map[int64]string
	audits      []audit.Entry
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		perms:       append([]Permission(nil), s.perms...),
		roles:       make(map[string]Role, len(s.roles)),
		nextRoleID:  s.nextRoleID,
		assignments: append([]Assignment(nil), s.assignments...),
		primary:     make(map[int64]string, len(s.primary)),
		audits:      append([]audit.Entry(nil), s.audits...),
	}
	for k, v := range s.roles {
		snap.roles[k] = v
	}
	for k, v := range s.primary {
		snap.primary[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.perms = snap.perms
	s.roles = snap.roles
	s.nextRoleID = snap.nextRoleID
	s.assignments = snap.assignments
	s.primary = snap.primary
	s.audits = snap.audits
}

func (s *memStore) WithSeedTx(ctx context.Context, fn func(context.Context, SeedTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(ctx, memTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, AssignmentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(ctx, memTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) ActiveGrants(ctx context.Context, userID int64, chain []Scope, now time.Time) ([]ActiveGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantCalls++
	if s.grantsErr != nil {
		return nil, s.grantsErr
	}
	var out []ActiveGrant
	for _, a := range s.assignments {
		if a.UserID != userID {
			continue
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			continue
		}
		inChain := false
		for _, sc := range chain {
			if sc.Equal(a.Scope) {
				inChain = true
				break
			}
		}
		if !inChain {
			continue
		}
		role := s.roleByID(a.RoleID)
		out = append(out, ActiveGrant{RoleSlug: role.Slug, Mask: role.Mask, GrantsAll: role.GrantsAll, Scope: a.Scope, ExpiresAt: a.ExpiresAt})
	}
	return out, nil
}

func (s *memStore) ProjectArea(ctx context.Context, projectID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	area, ok := s.projects[projectID]
	return area, ok, nil
}

func (s *memStore) roleByID(id int64) Role {
	for _, r := range s.roles {
		if r.ID == id {
			return r
		}
	}
	return Role{}
}

// seedDefaults persists the compiled presets directly.
func (s *memStore) seedDefaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms = append([]Permission(nil), DefaultPermissions...)
	for _, r := range DefaultRoles {
		s.nextRoleID++
		r.ID = s.nextRoleID
		s.roles[r.Slug] = r
	}
}

type memTx struct{ s *memStore }

func (t memTx) InsertPermissionIfMissing(ctx context.Context, p Permission) (bool, error) {
	for _, existing := range t.s.perms {
		if existing.Code == p.Code || existing.BitPosition == p.BitPosition {
			return false, nil
		}
	}
	t.s.perms = append(t.s.perms, p)
	return true, nil
}

func (t memTx) RoleBySlug(ctx context.Context, slug string) (Role, bool, error) {
	r, ok := t.s.roles[slug]
	return r, ok, nil
}

func (t memTx) InsertRole(ctx context.Context, role Role) (Role, error) {
	t.s.nextRoleID++
	role.ID = t.s.nextRoleID
	t.s.roles[role.Slug] = role
	return role, nil
}

func (t memTx) UpdateRole(ctx context.Context, role Role) error {
	existing, ok := t.s.roles[role.Slug]
	if !ok {
		return errors.New("role missing")
	}
	role.GrantsAll = existing.GrantsAll || role.GrantsAll
	t.s.roles[role.Slug] = role
	return nil
}

func (t memTx) UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	for i, existing := range t.s.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.Scope.Equal(a.Scope) {
			existing.ExpiresAt = a.ExpiresAt
			existing.GrantedBy = a.GrantedBy
			t.s.assignments[i] = existing
			return existing, nil
		}
	}
	t.s.nextAssign++
	a.ID = t.s.nextAssign
	a.CreatedAt = time.Now()
	t.s.assignments = append(t.s.assignments, a)
	return a, nil
}

func (t memTx) DeleteAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error) {
	for i, existing := range t.s.assignments {
		if existing.UserID == userID && existing.RoleID == roleID && existing.Scope.Equal(scope) {
			t.s.assignments = append(t.s.assignments[:i:i], t.s.assignments[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (t memTx) DeleteExpired(ctx context.Context, now time.Time) ([]ExpiredAssignment, error) {
	var (
		kept    []Assignment
		expired []ExpiredAssignment
	)
	for _, a := range t.s.assignments {
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			expired = append(expired, ExpiredAssignment{UserID: a.UserID, RoleSlug: t.s.roleByID(a.RoleID).Slug, Scope: a.Scope, ExpiresAt: *a.ExpiresAt})
			continue
		}
		kept = append(kept, a)
	}
	t.s.assignments = kept
	return expired, nil
}

func (t memTx) SetPrimaryRole(ctx context.Context, userID int64, slug string) error {
	t.s.primary[userID] = slug
	return nil
}

func (t memTx) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	if t.s.auditErr != nil {
		return audit.Entry{}, t.s.auditErr
	}
	t.s.nextAuditID++
	entry.ID = t.s.nextAuditID
	entry.CreatedAt = time.Now()
	t.s.audits = append(t.s.audits, entry)
	return entry, nil
}

type testUser struct {
	id   int64
	role string
}

func (u testUser) GetID() int64        { return u.id }
func (u testUser) PrimaryRole() string { return u.role }

type countingPublisher struct {
	calls int
	err   error
}

func (p *countingPublisher) Publish(ctx context.Context) error {
	p.calls++
	return p.err
}

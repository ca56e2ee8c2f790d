package profiles

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

type memRepo struct {
	mu       sync.Mutex
	nextID   int64
	profiles map[int64]*Profile
	grants   map[int64]Grant
	ensures  int
	inserts  int
	updates  int
	deletes  int
	failTx   error
	failMeta error
}

func newMemRepo() *memRepo {
	return &memRepo{profiles: map[int64]*Profile{}, grants: map[int64]Grant{}}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) add(p Profile) *Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	if p.Meta == nil {
		p.Meta = map[string]any{}
	}
	m.profiles[p.ID] = &p
	cp := p
	return &cp
}

func (m *memRepo) addGrant(profileID int64, in GrantInput) Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := Grant{ID: m.id(), ProfileID: profileID, Audience: in.Audience, SubjectID: in.SubjectID, Sections: in.Sections, ExpiresAt: in.ExpiresAt}
	m.grants[g.ID] = g
	return g
}

func (m *memRepo) FindBySlug(ctx context.Context, entityType EntityType, slug string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.EntityType == entityType && p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProfileNotFound
}

func (m *memRepo) EnsureProfile(ctx context.Context, params EnsureParams) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensures++
	for _, p := range m.profiles {
		if p.EntityType == params.EntityType && p.EntityID == params.EntityID {
			if params.ForceSlug {
				p.Slug = params.Slug
			}
			cp := *p
			return &cp, nil
		}
	}
	for _, p := range m.profiles {
		if p.EntityType == params.EntityType && p.Slug == params.Slug {
			return nil, shared.ErrConflict
		}
	}
	meta := map[string]any{}
	for k, v := range params.Defaults {
		meta[k] = v
	}
	p := &Profile{
		ID:          m.id(),
		EntityType:  params.EntityType,
		EntityID:    params.EntityID,
		Slug:        params.Slug,
		DisplayName: params.DisplayName,
		Tags:        []string{},
		Meta:        meta,
		Sections:    []Section{},
	}
	m.profiles[p.ID] = p
	cp := *p
	return &cp, nil
}

func (m *memRepo) UpdateProfile(ctx context.Context, p Profile) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.ID]; !ok {
		return nil, ErrProfileNotFound
	}
	p.UpdatedAt = time.Now()
	m.profiles[p.ID] = &p
	cp := p
	return &cp, nil
}

func (m *memRepo) ListProfiles(ctx context.Context, entityType EntityType, search string) ([]Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Profile, 0)
	for _, p := range m.profiles {
		if p.EntityType != entityType {
			continue
		}
		if search != "" && !strings.Contains(p.Slug, search) && !strings.Contains(strings.ToLower(p.DisplayName), strings.ToLower(search)) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) ListGrants(ctx context.Context, profileIDs []int64) (map[int64][]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64][]Grant{}
	for _, id := range profileIDs {
		out[id] = m.grantsOf(id)
	}
	return out, nil
}

func (m *memRepo) grantsOf(profileID int64) []Grant {
	var out []Grant
	for _, g := range m.grants {
		if g.ProfileID == profileID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, ProfileTx) error) error {
	m.mu.Lock()
	grants := make(map[int64]Grant, len(m.grants))
	for k, v := range m.grants {
		grants[k] = v
	}
	profiles := make(map[int64]*Profile, len(m.profiles))
	for k, v := range m.profiles {
		cp := *v
		cp.Meta = make(map[string]any, len(v.Meta))
		for mk, mv := range v.Meta {
			cp.Meta[mk] = mv
		}
		profiles[k] = &cp
	}
	m.mu.Unlock()

	err := fn(ctx, &memTx{m: m})
	if err == nil {
		err = m.failTx
	}
	if err != nil {
		m.mu.Lock()
		m.grants = grants
		m.profiles = profiles
		m.mu.Unlock()
	}
	return err
}

type memTx struct{ m *memRepo }

func (t *memTx) FindBySlug(ctx context.Context, entityType EntityType, slug string) (*Profile, error) {
	return t.m.FindBySlug(ctx, entityType, slug)
}

func (t *memTx) UpdateProfile(ctx context.Context, p Profile) (*Profile, error) {
	return t.m.UpdateProfile(ctx, p)
}

func (t *memTx) ListGrants(ctx context.Context, profileID int64) ([]Grant, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.grantsOf(profileID), nil
}

func (t *memTx) InsertGrant(ctx context.Context, profileID int64, in GrantInput, actor *int64) (Grant, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.inserts++
	g := Grant{ID: t.m.id(), ProfileID: profileID, Audience: in.Audience, SubjectID: in.SubjectID,
		Sections: in.Sections, ExpiresAt: in.ExpiresAt, CreatedBy: actor, CreatedAt: time.Now()}
	t.m.grants[g.ID] = g
	return g, nil
}

func (t *memTx) UpdateGrant(ctx context.Context, id int64, in GrantInput) (Grant, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.updates++
	g := t.m.grants[id]
	g.Sections = in.Sections
	g.ExpiresAt = in.ExpiresAt
	t.m.grants[id] = g
	return g, nil
}

func (t *memTx) DeleteGrants(ctx context.Context, ids []int64) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, id := range ids {
		t.m.deletes++
		delete(t.m.grants, id)
	}
	return nil
}

func (t *memTx) SetMeta(ctx context.Context, profileID int64, key string, value any) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.failMeta != nil {
		return t.m.failMeta
	}
	p, ok := t.m.profiles[profileID]
	if !ok {
		return ErrProfileNotFound
	}
	p.Meta[key] = value
	return nil
}

type stubUsers map[string]*users.WebUser

func (s stubUsers) ByUsername(ctx context.Context, username string) (*users.WebUser, error) {
	if u, ok := s[strings.ToLower(username)]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func viewerOf(u *users.WebUser) users.Viewer {
	return users.Viewer{User: u, Authenticated: true}
}

func ids(vals ...string) *[]string { return &vals }

func id64(v int64) *int64 { return &v }

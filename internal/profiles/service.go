package profiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

const (
	defaultCatalogLimit = 50
	maxCatalogLimit     = 200
)

// ProfileTx is the transactional view used for profile and grant writes.
type ProfileTx interface {
	FindBySlug(ctx context.Context, entityType EntityType, slug string) (*Profile, error)
	UpdateProfile(ctx context.Context, p Profile) (*Profile, error)
	ListGrants(ctx context.Context, profileID int64) ([]Grant, error)
	InsertGrant(ctx context.Context, profileID int64, in GrantInput, actor *int64) (Grant, error)
	UpdateGrant(ctx context.Context, id int64, in GrantInput) (Grant, error)
	DeleteGrants(ctx context.Context, ids []int64) error
	SetMeta(ctx context.Context, profileID int64, key string, value any) error
}

// RepositoryPort is the persistence contract of the profile engine.
type RepositoryPort interface {
	FindBySlug(ctx context.Context, entityType EntityType, slug string) (*Profile, error)
	EnsureProfile(ctx context.Context, params EnsureParams) (*Profile, error)
	ListProfiles(ctx context.Context, entityType EntityType, search string) ([]Profile, error)
	ListGrants(ctx context.Context, profileIDs []int64) (map[int64][]Grant, error)
	WithTx(ctx context.Context, fn func(context.Context, ProfileTx) error) error
}

// UserLookup resolves web users for the user profile bootstrap.
type UserLookup interface {
	ByUsername(ctx context.Context, username string) (*users.WebUser, error)
}

// View is a profile as one viewer may see it.
type View struct {
	Profile  Profile   `json:"profile"`
	Sections []Section `json:"visible_sections"`
	Owner    bool      `json:"is_owner"`
	CanEdit  bool      `json:"can_edit"`
	Grants   []Grant   `json:"grants,omitempty"`
}

// Service implements the profile visibility engine.
type Service struct {
	repo   RepositoryPort
	users  UserLookup
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service. lookup may be nil, disabling the user bootstrap.
func NewService(repo RepositoryPort, lookup UserLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, users: lookup, logger: logger, now: time.Now}
}

// EnsureProfile creates the profile for an entity or returns the existing one.
// The stored slug is kept unless ForceSlug is set.
func (s *Service) EnsureProfile(ctx context.Context, params EnsureParams) (*Profile, error) {
	if !params.EntityType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, params.EntityType)
	}
	if params.EntityID <= 0 {
		return nil, fmt.Errorf("%w: entity id required", ErrInvalidProfile)
	}
	slug, err := NormalizeSlug(params.Slug)
	if err != nil {
		return nil, err
	}
	params.Slug = slug
	params.DisplayName = strings.TrimSpace(params.DisplayName)
	if params.DisplayName == "" {
		params.DisplayName = slug
	}
	if _, ok := params.Defaults[metaVisibility]; ok {
		params.Defaults[metaVisibility] = string(ParseVisibility(fmt.Sprint(params.Defaults[metaVisibility])))
	}
	return s.repo.EnsureProfile(ctx, params)
}

// UpdateProfileData applies a partial update to the profile at slug.
// Visibility cannot be set through meta; use ApplyVisibility or
// UpdateProfile.
func (s *Service) UpdateProfileData(ctx context.Context, entityType EntityType, slug string, upd ProfileUpdate) (*Profile, error) {
	return s.UpdateProfile(ctx, entityType, slug, upd, nil, nil)
}

// UpdateProfile applies upd and, when visibility is set, rewrites the general
// grants in the same transaction.
func (s *Service) UpdateProfile(ctx context.Context, entityType EntityType, slug string, upd ProfileUpdate, visibility *Visibility, actor *int64) (*Profile, error) {
	var out *Profile
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx ProfileTx) error {
		p, err := tx.FindBySlug(ctx, entityType, slug)
		if err != nil {
			return err
		}
		if err := applyUpdate(p, upd); err != nil {
			return err
		}
		updated, err := tx.UpdateProfile(ctx, *p)
		if err != nil {
			return err
		}
		if visibility != nil {
			v := ParseVisibility(string(*visibility))
			if _, err := applyVisibility(ctx, tx, updated.ID, v, actor); err != nil {
				return err
			}
			if updated.Meta == nil {
				updated.Meta = map[string]any{}
			}
			updated.Meta[metaVisibility] = string(v)
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyUpdate(p *Profile, upd ProfileUpdate) error {
	if upd.Slug != nil {
		normalized, err := NormalizeSlug(*upd.Slug)
		if err != nil {
			return err
		}
		p.Slug = normalized
	}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" {
			return fmt.Errorf("%w: display name required", ErrInvalidProfile)
		}
		p.DisplayName = name
	}
	if upd.Headline != nil {
		p.Headline = optional(*upd.Headline)
	}
	if upd.Summary != nil {
		p.Summary = optional(*upd.Summary)
	}
	if upd.AvatarURL != nil {
		p.AvatarURL = optional(*upd.AvatarURL)
	}
	if upd.CoverURL != nil {
		p.CoverURL = optional(*upd.CoverURL)
	}
	if upd.Tags != nil {
		p.Tags = cleanTags(*upd.Tags)
	}
	if upd.Sections != nil {
		if err := validateSections(*upd.Sections); err != nil {
			return err
		}
		p.Sections = *upd.Sections
	}
	if len(upd.Meta) > 0 {
		if p.Meta == nil {
			p.Meta = make(map[string]any, len(upd.Meta))
		}
		for k, v := range upd.Meta {
			if k == metaVisibility {
				continue
			}
			if v == nil {
				delete(p.Meta, k)
				continue
			}
			p.Meta[k] = v
		}
	}
	return nil
}

// ReplaceGrants replaces the grant set of a profile. Existing rows are
// matched by (audience, subject) and keep their ids; when the input repeats
// a key the last entry wins. An expiry that is not in the future is rejected.
func (s *Service) ReplaceGrants(ctx context.Context, p Profile, inputs []GrantInput, actor *int64) ([]Grant, error) {
	now := s.now()
	for _, in := range inputs {
		if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidGrant)
		}
	}
	deduped, err := dedupeGrants(inputs)
	if err != nil {
		return nil, err
	}
	var out []Grant
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx ProfileTx) error {
		out, err = replaceGrants(ctx, tx, p.ID, deduped, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyVisibility rewrites the general grants to match v and records v in
// the profile meta. Audience-specific grants are preserved.
func (s *Service) ApplyVisibility(ctx context.Context, p Profile, v Visibility, actor *int64) ([]Grant, error) {
	v = ParseVisibility(string(v))
	var out []Grant
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx ProfileTx) error {
		var err error
		out, err = applyVisibility(ctx, tx, p.ID, v, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyVisibility(ctx context.Context, tx ProfileTx, profileID int64, v Visibility, actor *int64) ([]Grant, error) {
	existing, err := tx.ListGrants(ctx, profileID)
	if err != nil {
		return nil, err
	}
	inputs := make([]GrantInput, 0, len(existing)+1)
	for _, g := range existing {
		if g.Audience.General() {
			continue
		}
		inputs = append(inputs, GrantInput{Audience: g.Audience, SubjectID: g.SubjectID, Sections: g.Sections, ExpiresAt: g.ExpiresAt})
	}
	switch v {
	case VisibilityPublic:
		inputs = append(inputs, GrantInput{Audience: AudiencePublic})
	case VisibilityAuthenticated:
		inputs = append(inputs, GrantInput{Audience: AudienceAuthenticated})
	}
	out, err := replaceGrants(ctx, tx, profileID, inputs, actor)
	if err != nil {
		return nil, err
	}
	if err := tx.SetMeta(ctx, profileID, metaVisibility, string(v)); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCatalog returns the profiles of entityType the viewer may see, paged
// after filtering. Sections are narrowed to the visible ones.
func (s *Service) ListCatalog(ctx context.Context, entityType EntityType, viewer users.Viewer, limit, offset int, search string) ([]Profile, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	candidates, err := s.repo.ListProfiles(ctx, entityType, strings.TrimSpace(search))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(candidates))
	for _, p := range candidates {
		ids = append(ids, p.ID)
	}
	grants, err := s.repo.ListGrants(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	visible := make([]Profile, 0, len(candidates))
	for _, p := range candidates {
		d := Evaluate(p, grants[p.ID], viewer, now)
		if !d.Allowed() {
			continue
		}
		p.Sections = d.Sections
		visible = append(visible, p)
	}

	page := shared.NewPage(limit, offset, defaultCatalogLimit, maxCatalogLimit)
	start, end := page.Slice(len(visible))
	return visible[start:end], nil
}

// GetProfile returns the profile at slug with the sections the viewer may
// read. For authenticated viewers a missing user profile is bootstrapped from
// the web user of the same username before access is evaluated; anonymous
// viewers never cause a write.
func (s *Service) GetProfile(ctx context.Context, entityType EntityType, slug string, viewer users.Viewer, withSections bool) (*View, error) {
	p, err := s.load(ctx, entityType, slug, viewer.Authenticated)
	if err != nil {
		return nil, err
	}
	grants, err := s.repo.ListGrants(ctx, []int64{p.ID})
	if err != nil {
		return nil, err
	}

	d := Evaluate(*p, grants[p.ID], viewer, s.now())
	if !d.Allowed() {
		if !viewer.Authenticated {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("%w: profile %s/%s", shared.ErrPermissionDenied, entityType, p.Slug)
	}

	view := &View{Profile: *p, Owner: d.Owner, CanEdit: d.Owner || viewer.IsAdmin}
	if withSections {
		view.Sections = d.Sections
	} else {
		view.Profile.Sections = nil
	}
	if view.CanEdit {
		view.Grants = grants[p.ID]
	}
	return view, nil
}

// Load returns the profile at slug, bootstrapping missing user profiles.
func (s *Service) Load(ctx context.Context, entityType EntityType, slug string) (*Profile, error) {
	return s.load(ctx, entityType, slug, true)
}

// CanManage reports whether the viewer may edit p and its grants.
func (s *Service) CanManage(p Profile, viewer users.Viewer) bool {
	return viewer.IsAdmin || IsOwner(p, viewer)
}

func (s *Service) load(ctx context.Context, entityType EntityType, slug string, bootstrap bool) (*Profile, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	normalized, err := NormalizeSlug(slug)
	if err != nil {
		return nil, ErrProfileNotFound
	}
	p, err := s.repo.FindBySlug(ctx, entityType, normalized)
	if err == nil || !errors.Is(err, ErrProfileNotFound) || entityType != EntityUser || s.users == nil || !bootstrap {
		return p, err
	}

	u, err := s.users.ByUsername(ctx, slug)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	name := u.FullName
	if strings.TrimSpace(name) == "" {
		name = u.Username
	}
	p, err = s.EnsureProfile(ctx, EnsureParams{
		EntityType:  EntityUser,
		EntityID:    u.ID,
		Slug:        u.Username,
		DisplayName: name,
		Defaults:    map[string]any{metaVisibility: string(VisibilityPrivate)},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user profile bootstrapped", slog.Int64("user_id", u.ID), slog.String("slug", p.Slug))
	return p, nil
}

func dedupeGrants(inputs []GrantInput) ([]GrantInput, error) {
	index := make(map[grantKey]int, len(inputs))
	out := make([]GrantInput, 0, len(inputs))
	for _, in := range inputs {
		if err := in.Validate(); err != nil {
			return nil, err
		}
		k := keyOf(in.Audience, in.SubjectID)
		if i, ok := index[k]; ok {
			out[i] = in
			continue
		}
		index[k] = len(out)
		out = append(out, in)
	}
	return out, nil
}

func replaceGrants(ctx context.Context, tx ProfileTx, profileID int64, inputs []GrantInput, actor *int64) ([]Grant, error) {
	inputs, err := dedupeGrants(inputs)
	if err != nil {
		return nil, err
	}
	existing, err := tx.ListGrants(ctx, profileID)
	if err != nil {
		return nil, err
	}

	byKey := make(map[grantKey]Grant, len(existing))
	var stale []int64
	for _, g := range existing {
		k := keyOf(g.Audience, g.SubjectID)
		if _, dup := byKey[k]; dup {
			stale = append(stale, g.ID)
			continue
		}
		byKey[k] = g
	}

	out := make([]Grant, 0, len(inputs))
	for _, in := range inputs {
		k := keyOf(in.Audience, in.SubjectID)
		current, ok := byKey[k]
		if !ok {
			g, err := tx.InsertGrant(ctx, profileID, in, actor)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
			continue
		}
		delete(byKey, k)
		if grantUnchanged(current, in) {
			out = append(out, current)
			continue
		}
		g, err := tx.UpdateGrant(ctx, current.ID, in)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}

	for _, g := range byKey {
		stale = append(stale, g.ID)
	}
	if len(stale) > 0 {
		if err := tx.DeleteGrants(ctx, stale); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func grantUnchanged(g Grant, in GrantInput) bool {
	if (g.Sections == nil) != (in.Sections == nil) {
		return false
	}
	if g.Sections != nil && !slices.Equal(*g.Sections, *in.Sections) {
		return false
	}
	switch {
	case g.ExpiresAt == nil && in.ExpiresAt == nil:
		return true
	case g.ExpiresAt == nil || in.ExpiresAt == nil:
		return false
	}
	return g.ExpiresAt.Equal(*in.ExpiresAt)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func cleanTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

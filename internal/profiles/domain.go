package profiles

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parahub/parahub/internal/shared"
)

// EntityType names the kind of record a profile describes.
type EntityType string

const (
	EntityUser     EntityType = "user"
	EntityGroup    EntityType = "group"
	EntityProject  EntityType = "project"
	EntityArea     EntityType = "area"
	EntityProduct  EntityType = "product"
	EntityResource EntityType = "resource"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityUser, EntityGroup, EntityProject, EntityArea, EntityProduct, EntityResource:
		return true
	}
	return false
}

// ParseEntityPath maps a plural route segment ("users") to its entity type.
func ParseEntityPath(segment string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(segment)) {
	case "users":
		return EntityUser, nil
	case "groups":
		return EntityGroup, nil
	case "projects":
		return EntityProject, nil
	case "areas":
		return EntityArea, nil
	case "products":
		return EntityProduct, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntity, segment)
}

// Visibility is the coarse default exposure of a profile.
type Visibility string

const (
	VisibilityPrivate       Visibility = "private"
	VisibilityAuthenticated Visibility = "authenticated"
	VisibilityPublic        Visibility = "public"
)

// ParseVisibility returns the typed visibility; unknown values collapse to
// private.
func ParseVisibility(raw string) Visibility {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case VisibilityPublic:
		return VisibilityPublic
	case VisibilityAuthenticated:
		return VisibilityAuthenticated
	}
	return VisibilityPrivate
}

// Audience is the kind of viewer a grant targets.
type Audience string

const (
	AudiencePublic        Audience = "public"
	AudienceAuthenticated Audience = "authenticated"
	AudienceUser          Audience = "user"
	AudienceGroup         Audience = "group"
	AudienceProject       Audience = "project"
	AudienceArea          Audience = "area"
)

// Valid reports whether a is a known audience.
func (a Audience) Valid() bool {
	switch a {
	case AudiencePublic, AudienceAuthenticated, AudienceUser, AudienceGroup, AudienceProject, AudienceArea:
		return true
	}
	return false
}

// General reports whether a is subject-less (public or authenticated).
func (a Audience) General() bool {
	return a == AudiencePublic || a == AudienceAuthenticated
}

const metaVisibility = "visibility"

var (
	// ErrProfileNotFound is returned when no profile matches.
	ErrProfileNotFound = fmt.Errorf("%w: profile", shared.ErrNotFound)
	// ErrInvalidGrant is returned for grants breaking the audience/subject rules.
	ErrInvalidGrant = fmt.Errorf("%w: invalid grant", shared.ErrValidation)
	// ErrUnknownEntity is returned for unsupported entity types.
	ErrUnknownEntity = fmt.Errorf("%w: unknown entity type", shared.ErrValidation)
	// ErrInvalidProfile is returned for malformed profile data.
	ErrInvalidProfile = fmt.Errorf("%w: invalid profile", shared.ErrValidation)
)

// Section is an identifiable region of a profile.
type Section struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Profile is the public face of a user, group, project, area or resource.
type Profile struct {
	ID          int64          `json:"id"`
	EntityType  EntityType     `json:"entity_type"`
	EntityID    int64          `json:"entity_id"`
	Slug        string         `json:"slug"`
	DisplayName string         `json:"display_name"`
	Headline    *string        `json:"headline,omitempty"`
	Summary     *string        `json:"summary,omitempty"`
	AvatarURL   *string        `json:"avatar_url,omitempty"`
	CoverURL    *string        `json:"cover_url,omitempty"`
	Tags        []string       `json:"tags"`
	Meta        map[string]any `json:"profile_meta"`
	Sections    []Section      `json:"sections"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Visibility reads the typed visibility stored in the profile meta.
func (p Profile) Visibility() Visibility {
	raw, _ := p.Meta[metaVisibility].(string)
	return ParseVisibility(raw)
}

// SectionIDs returns the ids of the profile sections in order.
func (p Profile) SectionIDs() []string {
	ids := make([]string, 0, len(p.Sections))
	for _, s := range p.Sections {
		ids = append(ids, s.ID)
	}
	return ids
}

// ownerTelegramID reads meta.owner_id for resource profiles.
func (p Profile) ownerTelegramID() (int64, bool) {
	switch v := p.Meta["owner_id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), v == float64(int64(v))
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	}
	return 0, false
}

// Grant attaches an audience to a profile. Sections nil means every section.
type Grant struct {
	ID        int64      `json:"id"`
	ProfileID int64      `json:"profile_id"`
	Audience  Audience   `json:"audience_type"`
	SubjectID *int64     `json:"subject_id,omitempty"`
	Sections  *[]string  `json:"sections"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy *int64     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the grant no longer applies at now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// GrantInput is one requested grant in a replacement set.
type GrantInput struct {
	Audience  Audience   `json:"audience_type"`
	SubjectID *int64     `json:"subject_id,omitempty"`
	Sections  *[]string  `json:"sections"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validate enforces the audience/subject pairing.
func (in GrantInput) Validate() error {
	if !in.Audience.Valid() {
		return fmt.Errorf("%w: unknown audience %q", ErrInvalidGrant, in.Audience)
	}
	if in.Audience.General() && in.SubjectID != nil {
		return fmt.Errorf("%w: %s grants take no subject", ErrInvalidGrant, in.Audience)
	}
	if !in.Audience.General() && in.SubjectID == nil {
		return fmt.Errorf("%w: %s grants need a subject", ErrInvalidGrant, in.Audience)
	}
	if in.Sections != nil {
		for _, id := range *in.Sections {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("%w: empty section id", ErrInvalidGrant)
			}
		}
	}
	return nil
}

type grantKey struct {
	audience Audience
	subject  int64
}

func keyOf(a Audience, subject *int64) grantKey {
	k := grantKey{audience: a}
	if subject != nil {
		k.subject = *subject
	}
	return k
}

// EnsureParams describes an idempotent profile upsert.
type EnsureParams struct {
	EntityType  EntityType
	EntityID    int64
	Slug        string
	DisplayName string
	Defaults    map[string]any
	ForceSlug   bool
}

// ProfileUpdate is a partial update; nil fields are left untouched.
type ProfileUpdate struct {
	Slug        *string        `json:"slug,omitempty"`
	DisplayName *string        `json:"display_name,omitempty"`
	Headline    *string        `json:"headline,omitempty"`
	Summary     *string        `json:"summary,omitempty"`
	AvatarURL   *string        `json:"avatar_url,omitempty"`
	CoverURL    *string        `json:"cover_url,omitempty"`
	Tags        *[]string      `json:"tags,omitempty"`
	Meta        map[string]any `json:"profile_meta,omitempty"`
	Sections    *[]Section     `json:"sections,omitempty"`
}

func validateSections(sections []Section) error {
	seen := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("%w: section id required", ErrInvalidProfile)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate section %q", ErrInvalidProfile, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

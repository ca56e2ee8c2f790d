package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parahub/parahub/internal/platform/db"
	"github.com/parahub/parahub/internal/shared"
)

// Repository persists profiles and grants in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `id, entity_type, entity_id, slug, display_name, headline, summary,
	avatar_url, cover_url, tags, profile_meta, sections, created_at, updated_at`

const grantColumns = `id, profile_id, audience_type, subject_id, sections, expires_at, created_by, created_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var (
		p        Profile
		meta     []byte
		sections []byte
	)
	err := row.Scan(&p.ID, &p.EntityType, &p.EntityID, &p.Slug, &p.DisplayName, &p.Headline, &p.Summary,
		&p.AvatarURL, &p.CoverURL, &p.Tags, &meta, &sections, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(meta, &p.Meta); err != nil {
		return nil, fmt.Errorf("profiles: decode meta: %w", err)
	}
	if err := json.Unmarshal(sections, &p.Sections); err != nil {
		return nil, fmt.Errorf("profiles: decode sections: %w", err)
	}
	if p.Meta == nil {
		p.Meta = map[string]any{}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return &p, nil
}

func scanGrant(row pgx.Row) (Grant, error) {
	var (
		g        Grant
		sections []byte
	)
	if err := row.Scan(&g.ID, &g.ProfileID, &g.Audience, &g.SubjectID, &sections, &g.ExpiresAt, &g.CreatedBy, &g.CreatedAt); err != nil {
		return Grant{}, err
	}
	if sections != nil {
		var ids []string
		if err := json.Unmarshal(sections, &ids); err != nil {
			return Grant{}, fmt.Errorf("profiles: decode grant sections: %w", err)
		}
		if ids == nil {
			// JSON null stored explicitly.
			return g, nil
		}
		g.Sections = &ids
	}
	return g, nil
}

func collectGrants(rows pgx.Rows) ([]Grant, error) {
	defer rows.Close()
	out := make([]Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// FindBySlug fetches a profile by entity type and slug.
func (r *Repository) FindBySlug(ctx context.Context, entityType EntityType, slug string) (*Profile, error) {
	return scanProfile(r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE entity_type = $1 AND slug = $2`, entityType, slug))
}

// EnsureProfile inserts the profile unless the entity already has one. A
// lost insert race re-reads the winning row.
func (r *Repository) EnsureProfile(ctx context.Context, params EnsureParams) (*Profile, error) {
	meta, err := json.Marshal(nonNilMeta(params.Defaults))
	if err != nil {
		return nil, err
	}
	p, err := scanProfile(r.pool.QueryRow(ctx, `
		INSERT INTO profiles (entity_type, entity_id, slug, display_name, profile_meta)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (entity_type, entity_id) DO NOTHING
		RETURNING `+profileColumns,
		params.EntityType, params.EntityID, params.Slug, params.DisplayName, string(meta)))
	switch {
	case err == nil:
		return p, nil
	case db.IsUniqueViolation(err):
		return nil, fmt.Errorf("%w: slug %q already taken", shared.ErrConflict, params.Slug)
	case !errors.Is(err, ErrProfileNotFound):
		return nil, err
	}

	if params.ForceSlug {
		p, err = scanProfile(r.pool.QueryRow(ctx, `
			UPDATE profiles SET slug = $3, updated_at = NOW()
			WHERE entity_type = $1 AND entity_id = $2
			RETURNING `+profileColumns, params.EntityType, params.EntityID, params.Slug))
	} else {
		p, err = scanProfile(r.pool.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM profiles WHERE entity_type = $1 AND entity_id = $2`,
			params.EntityType, params.EntityID))
	}
	if db.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%w: slug %q already taken", shared.ErrConflict, params.Slug)
	}
	return p, err
}

// ListProfiles returns the candidate profiles of one entity type, optionally
// filtered by a case-insensitive search over slug and display name.
func (r *Repository) ListProfiles(ctx context.Context, entityType EntityType, search string) ([]Profile, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+profileColumns+` FROM profiles
		WHERE entity_type = $1
		  AND ($2::text = '' OR slug ILIKE '%' || $2 || '%' OR display_name ILIKE '%' || $2 || '%')
		ORDER BY display_name, id`, entityType, search)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListGrants returns the grants of the given profiles keyed by profile id.
func (r *Repository) ListGrants(ctx context.Context, profileIDs []int64) (map[int64][]Grant, error) {
	out := make(map[int64][]Grant, len(profileIDs))
	if len(profileIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM profile_grants WHERE profile_id = ANY($1) ORDER BY id`, profileIDs)
	if err != nil {
		return nil, err
	}
	grants, err := collectGrants(rows)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		out[g.ProfileID] = append(out[g.ProfileID], g)
	}
	return out, nil
}

// WithTx runs fn inside one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, ProfileTx) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if db.IsConflict(err) {
		return fmt.Errorf("%w: %v", shared.ErrConflict, err)
	}
	return err
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) FindBySlug(ctx context.Context, entityType EntityType, slug string) (*Profile, error) {
	return scanProfile(t.tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE entity_type = $1 AND slug = $2 FOR UPDATE`, entityType, slug))
}

// UpdateProfile writes the mutable columns of p.
func (t *txRepo) UpdateProfile(ctx context.Context, p Profile) (*Profile, error) {
	meta, err := json.Marshal(nonNilMeta(p.Meta))
	if err != nil {
		return nil, err
	}
	sections := p.Sections
	if sections == nil {
		sections = []Section{}
	}
	sectionsJSON, err := json.Marshal(sections)
	if err != nil {
		return nil, err
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	out, err := scanProfile(t.tx.QueryRow(ctx, `
		UPDATE profiles SET slug = $2, display_name = $3, headline = $4, summary = $5,
			avatar_url = $6, cover_url = $7, tags = $8, profile_meta = $9::jsonb,
			sections = $10::jsonb, updated_at = NOW()
		WHERE id = $1
		RETURNING `+profileColumns,
		p.ID, p.Slug, p.DisplayName, p.Headline, p.Summary, p.AvatarURL, p.CoverURL, tags,
		string(meta), string(sectionsJSON)))
	if db.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%w: slug %q already taken", shared.ErrConflict, p.Slug)
	}
	return out, err
}

func (t *txRepo) ListGrants(ctx context.Context, profileID int64) ([]Grant, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+grantColumns+` FROM profile_grants WHERE profile_id = $1 ORDER BY id FOR UPDATE`, profileID)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func (t *txRepo) InsertGrant(ctx context.Context, profileID int64, in GrantInput, actor *int64) (Grant, error) {
	sections, err := sectionsArg(in.Sections)
	if err != nil {
		return Grant{}, err
	}
	return scanGrant(t.tx.QueryRow(ctx, `
		INSERT INTO profile_grants (profile_id, audience_type, subject_id, sections, expires_at, created_by)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		RETURNING `+grantColumns,
		profileID, in.Audience, in.SubjectID, sections, in.ExpiresAt, actor))
}

func (t *txRepo) UpdateGrant(ctx context.Context, id int64, in GrantInput) (Grant, error) {
	sections, err := sectionsArg(in.Sections)
	if err != nil {
		return Grant{}, err
	}
	return scanGrant(t.tx.QueryRow(ctx, `
		UPDATE profile_grants SET sections = $2::jsonb, expires_at = $3
		WHERE id = $1
		RETURNING `+grantColumns, id, sections, in.ExpiresAt))
}

func (t *txRepo) DeleteGrants(ctx context.Context, ids []int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM profile_grants WHERE id = ANY($1)`, ids)
	return err
}

func (t *txRepo) SetMeta(ctx context.Context, profileID int64, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE profiles SET profile_meta = jsonb_set(profile_meta, ARRAY[$2::text], $3::jsonb, true),
			updated_at = NOW()
		WHERE id = $1`, profileID, key, string(encoded))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func sectionsArg(sections *[]string) (*string, error) {
	if sections == nil {
		return nil, nil
	}
	ids := *sections
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	s := string(encoded)
	return &s, nil
}

func nonNilMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

package navigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	scopeUser   = "user"
	scopeGlobal = "global"
)

// Repository stores sidebar layouts in nav_sidebar_layouts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadUserLayout returns the user's layout sanitized to allowed. HasCustom
// reports whether the user stored one.
func (r *Repository) LoadUserLayout(ctx context.Context, userID int64, allowed []string) (Snapshot, error) {
	return r.snapshot(ctx, scopeUser, &userID, allowed)
}

// LoadGlobalLayout returns the global layout sanitized to allowed.
func (r *Repository) LoadGlobalLayout(ctx context.Context, allowed []string) (Snapshot, error) {
	return r.snapshot(ctx, scopeGlobal, nil, allowed)
}

// SaveUserLayout stores a user layout without a version check.
func (r *Repository) SaveUserLayout(ctx context.Context, userID int64, layout Layout) error {
	return r.save(ctx, scopeUser, &userID, layout)
}

// DeleteUserLayout removes the user's layout.
func (r *Repository) DeleteUserLayout(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM nav_sidebar_layouts WHERE scope = $1 AND owner_id = $2`, scopeUser, userID)
	if err != nil {
		return fmt.Errorf("navigation: delete user layout: %w", err)
	}
	return nil
}

// SaveGlobalLayout stores the global layout without a version check.
func (r *Repository) SaveGlobalLayout(ctx context.Context, layout Layout) error {
	return r.save(ctx, scopeGlobal, nil, layout)
}

// ResetGlobalLayout clears the global items and bumps its version.
func (r *Repository) ResetGlobalLayout(ctx context.Context) error {
	return r.save(ctx, scopeGlobal, nil, clearedLayout())
}

// MutateUserSidebarLayout applies m when the stored version equals
// m.ExpectedVersion, otherwise it returns a *LayoutConflict.
func (r *Repository) MutateUserSidebarLayout(ctx context.Context, userID int64, m Mutation, allowed []string) (Snapshot, error) {
	if m.Reset {
		tag, err := r.pool.Exec(ctx, `
			DELETE FROM nav_sidebar_layouts
			WHERE scope = $1 AND owner_id = $2 AND version = $3`, scopeUser, userID, m.ExpectedVersion)
		if err != nil {
			return Snapshot{}, fmt.Errorf("navigation: reset user layout: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return emptySnapshot(allowed), nil
		}
		current, err := r.snapshot(ctx, scopeUser, &userID, allowed)
		if err != nil {
			return Snapshot{}, err
		}
		if current.Version == 0 && m.ExpectedVersion == 0 {
			return current, nil
		}
		return Snapshot{}, &LayoutConflict{CurrentVersion: current.Version, ETag: current.ETag}
	}
	return r.mutate(ctx, scopeUser, &userID, Sanitize(m.layout(), allowed), m.ExpectedVersion, allowed)
}

// MutateGlobalSidebarLayout is the global counterpart of
// MutateUserSidebarLayout. A reset keeps the row with no items.
func (r *Repository) MutateGlobalSidebarLayout(ctx context.Context, m Mutation, allowed []string) (Snapshot, error) {
	layout := clearedLayout()
	if !m.Reset {
		layout = Sanitize(m.layout(), allowed)
	}
	return r.mutate(ctx, scopeGlobal, nil, layout, m.ExpectedVersion, allowed)
}

func (r *Repository) mutate(ctx context.Context, scope string, owner *int64, layout Layout, expected int, allowed []string) (Snapshot, error) {
	payload, err := json.Marshal(layout)
	if err != nil {
		return Snapshot{}, err
	}

	var version int
	if expected == 0 {
		err = r.pool.QueryRow(ctx, `
			INSERT INTO nav_sidebar_layouts (scope, owner_id, version, payload)
			VALUES ($1, $2, 1, $3::jsonb)
			ON CONFLICT (scope, COALESCE(owner_id, 0)) DO NOTHING
			RETURNING version`, scope, owner, string(payload)).Scan(&version)
	} else {
		err = r.pool.QueryRow(ctx, `
			UPDATE nav_sidebar_layouts
			SET payload = $4::jsonb, version = version + 1, updated_at = NOW()
			WHERE scope = $1 AND owner_id IS NOT DISTINCT FROM $2 AND version = $3
			RETURNING version`, scope, owner, expected, string(payload)).Scan(&version)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := r.snapshot(ctx, scope, owner, allowed)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, &LayoutConflict{CurrentVersion: current.Version, ETag: current.ETag}
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("navigation: write %s layout: %w", scope, err)
	}
	return newSnapshot(version, layout, true, allowed), nil
}

func (r *Repository) save(ctx context.Context, scope string, owner *int64, layout Layout) error {
	if layout.Items == nil {
		layout.Items = []LayoutItem{}
	}
	payload, err := json.Marshal(layout)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO nav_sidebar_layouts (scope, owner_id, version, payload)
		VALUES ($1, $2, 1, $3::jsonb)
		ON CONFLICT (scope, COALESCE(owner_id, 0)) DO UPDATE
		SET payload = EXCLUDED.payload, version = nav_sidebar_layouts.version + 1, updated_at = NOW()`,
		scope, owner, string(payload))
	if err != nil {
		return fmt.Errorf("navigation: save %s layout: %w", scope, err)
	}
	return nil
}

func (r *Repository) snapshot(ctx context.Context, scope string, owner *int64, allowed []string) (Snapshot, error) {
	var (
		version int
		raw     []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT version, payload FROM nav_sidebar_layouts
		WHERE scope = $1 AND owner_id IS NOT DISTINCT FROM $2`, scope, owner).Scan(&version, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return emptySnapshot(allowed), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("navigation: load %s layout: %w", scope, err)
	}
	var stored Layout
	// Unreadable payloads degrade to the default arrangement.
	_ = json.Unmarshal(raw, &stored)
	return newSnapshot(version, stored, true, allowed), nil
}

// clearedLayout is the stored form of a reset global layout.
func clearedLayout() Layout {
	return Layout{V: LayoutFormat, Items: []LayoutItem{}}
}

func emptySnapshot(allowed []string) Snapshot {
	return newSnapshot(0, Layout{}, false, allowed)
}

func newSnapshot(version int, stored Layout, exists bool, allowed []string) Snapshot {
	layout := Sanitize(stored, allowed)
	return Snapshot{
		Version:   version,
		Layout:    layout,
		HasCustom: exists && len(stored.Items) > 0,
		ETag:      ETag(layout),
	}
}

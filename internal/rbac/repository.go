package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parahub/parahub/internal/audit"
	"github.com/parahub/parahub/internal/platform/db"
	"github.com/parahub/parahub/internal/shared"
)

// Repository is the PostgreSQL store behind the registry, catalog, resolver
// and assignment service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// ListPermissions implements PermissionSource.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, bit_position, category, name, mutable
		FROM permissions
		ORDER BY bit_position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.BitPosition, &p.Category, &p.Name, &p.Mutable); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const roleColumns = `id, slug, name, level, permissions_mask, is_system, grants_all`

func scanRole(row pgx.Row) (Role, error) {
	var (
		role Role
		mask pgtype.Numeric
	)
	if err := row.Scan(&role.ID, &role.Slug, &role.Name, &role.Level, &mask, &role.IsSystem, &role.GrantsAll); err != nil {
		return Role{}, err
	}
	role.Mask = MaskFromNumeric(mask)
	return role, nil
}

// ListRoles implements CatalogStore.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY level, slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// WithSeedTx implements CatalogStore.
func (r *Repository) WithSeedTx(ctx context.Context, fn func(context.Context, SeedTx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// WithTx implements AssignmentStore.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, AssignmentTx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ActiveGrants implements AssignmentReader.
func (r *Repository) ActiveGrants(ctx context.Context, userID int64, chain []Scope, now time.Time) ([]ActiveGrant, error) {
	if len(chain) == 0 {
		return nil, nil
	}
	types := make([]string, 0, len(chain))
	ids := make([]int64, 0, len(chain))
	for _, s := range chain {
		types = append(types, string(s.Type))
		if s.ID == nil {
			ids = append(ids, 0)
		} else {
			ids = append(ids, *s.ID)
		}
	}
	rows, err := r.pool.Query(ctx, `
		SELECT r.slug, r.permissions_mask, r.grants_all, ur.scope_type, ur.scope_id, ur.expires_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		  AND (ur.expires_at IS NULL OR ur.expires_at > $2)
		  AND (ur.scope_type, COALESCE(ur.scope_id, 0)) IN (
		      SELECT t, i FROM unnest($3::text[], $4::bigint[]) AS chain(t, i))`,
		userID, now, types, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActiveGrant
	for rows.Next() {
		var (
			g         ActiveGrant
			mask      pgtype.Numeric
			scopeType string
		)
		if err := rows.Scan(&g.RoleSlug, &mask, &g.GrantsAll, &scopeType, &g.Scope.ID, &g.ExpiresAt); err != nil {
			return nil, err
		}
		g.Mask = MaskFromNumeric(mask)
		g.Scope.Type = ScopeType(scopeType)
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListAssignments returns every assignment of a user, expired or not.
func (r *Repository) ListAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ur.id, ur.user_id, ur.role_id, r.slug, ur.scope_type, ur.scope_id,
		       ur.expires_at, ur.granted_by, ur.created_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY ur.created_at, ur.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Assignment, 0)
	for rows.Next() {
		var (
			a         Assignment
			scopeType string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.RoleSlug, &scopeType, &a.Scope.ID,
			&a.ExpiresAt, &a.GrantedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Scope.Type = ScopeType(scopeType)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ProjectArea implements ProjectAreaLookup.
func (r *Repository) ProjectArea(ctx context.Context, projectID int64) (int64, bool, error) {
	var areaID *int64
	err := r.pool.QueryRow(ctx, `SELECT area_id FROM projects WHERE id = $1`, projectID).Scan(&areaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if areaID == nil {
		return 0, false, nil
	}
	return *areaID, true, nil
}

func (t *txRepo) InsertPermissionIfMissing(ctx context.Context, p Permission) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO permissions (code, bit_position, category, name, mutable)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		p.Code, p.BitPosition, p.Category, p.Name, p.Mutable)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) RoleBySlug(ctx context.Context, slug string) (Role, bool, error) {
	role, err := scanRole(t.tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE slug = $1 FOR UPDATE`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, false, nil
	}
	if err != nil {
		return Role{}, false, err
	}
	return role, true, nil
}

func (t *txRepo) InsertRole(ctx context.Context, role Role) (Role, error) {
	return scanRole(t.tx.QueryRow(ctx, `
		INSERT INTO roles (slug, name, level, permissions_mask, is_system, grants_all)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+roleColumns,
		role.Slug, role.Name, role.Level, role.Mask.Numeric(), role.IsSystem, role.GrantsAll))
}

func (t *txRepo) UpdateRole(ctx context.Context, role Role) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE roles
		SET name = $2, level = $3, permissions_mask = $4, is_system = $5,
		    grants_all = grants_all OR $6
		WHERE id = $1`,
		role.ID, role.Name, role.Level, role.Mask.Numeric(), role.IsSystem, role.GrantsAll)
	return err
}

func (t *txRepo) UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO user_roles (user_id, role_id, scope_type, scope_id, expires_at, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, role_id, scope_type, COALESCE(scope_id, 0))
		DO UPDATE SET expires_at = EXCLUDED.expires_at, granted_by = EXCLUDED.granted_by
		RETURNING id, created_at`,
		a.UserID, a.RoleID, string(a.Scope.Type), a.Scope.ID, a.ExpiresAt, a.GrantedBy,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func (t *txRepo) DeleteAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM user_roles
		WHERE user_id = $1 AND role_id = $2 AND scope_type = $3
		  AND scope_id IS NOT DISTINCT FROM $4`,
		userID, roleID, string(scope.Type), scope.ID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) DeleteExpired(ctx context.Context, now time.Time) ([]ExpiredAssignment, error) {
	rows, err := t.tx.Query(ctx, `
		DELETE FROM user_roles ur
		USING roles r
		WHERE r.id = ur.role_id AND ur.expires_at IS NOT NULL AND ur.expires_at <= $1
		RETURNING ur.user_id, r.slug, ur.scope_type, ur.scope_id, ur.expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExpiredAssignment
	for rows.Next() {
		var (
			e         ExpiredAssignment
			scopeType string
		)
		if err := rows.Scan(&e.UserID, &e.RoleSlug, &scopeType, &e.Scope.ID, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.Scope.Type = ScopeType(scopeType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *txRepo) SetPrimaryRole(ctx context.Context, userID int64, slug string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE web_users SET role = $2 WHERE id = $1`, userID, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %d", shared.ErrNotFound, userID)
	}
	return nil
}

func (t *txRepo) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	return audit.Insert(ctx, t.tx, entry)
}

package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parahub/parahub/internal/platform/db"
	"github.com/parahub/parahub/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, username, full_name, role, password_hash, created_at`

func scanUser(row pgx.Row) (*WebUser, error) {
	var u WebUser
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindByID fetches a user by id.
func (r *Repository) FindByID(ctx context.Context, id int64) (*WebUser, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM web_users WHERE id = $1`, id))
}

// FindByUsername fetches a user by case-insensitive username.
func (r *Repository) FindByUsername(ctx context.Context, username string) (*WebUser, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM web_users WHERE lower(username) = lower($1)`, username))
}

// ListUsers returns all users.
func (r *Repository) ListUsers(ctx context.Context) ([]WebUser, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM web_users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := make([]WebUser, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// CreateUser inserts a user. A taken username is reported as a conflict.
func (r *Repository) CreateUser(ctx context.Context, u WebUser) (*WebUser, error) {
	created, err := scanUser(r.pool.QueryRow(ctx, `
		INSERT INTO web_users (username, full_name, role, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		u.Username, u.FullName, u.Role, u.PasswordHash))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username %q taken", shared.ErrConflict, u.Username)
		}
		return nil, err
	}
	return created, nil
}

// Relations loads the ids feeding a Viewer.
func (r *Repository) Relations(ctx context.Context, userID int64) (Relations, error) {
	var rel Relations
	var err error
	if rel.TelegramIDs, err = r.ids(ctx, `SELECT telegram_id FROM web_user_telegram_links WHERE web_user_id = $1 ORDER BY telegram_id`, userID); err != nil {
		return Relations{}, fmt.Errorf("telegram links: %w", err)
	}
	if rel.GroupIDs, err = r.ids(ctx, `SELECT group_id FROM group_members WHERE web_user_id = $1 ORDER BY group_id`, userID); err != nil {
		return Relations{}, fmt.Errorf("group memberships: %w", err)
	}
	if rel.OwnedGroupIDs, err = r.ids(ctx, `SELECT id FROM groups WHERE owner_id = $1 ORDER BY id`, userID); err != nil {
		return Relations{}, fmt.Errorf("owned groups: %w", err)
	}
	if len(rel.TelegramIDs) == 0 {
		return rel, nil
	}
	if rel.ProjectIDs, err = r.ids(ctx, `SELECT id FROM projects WHERE owner_id = ANY($1) ORDER BY id`, rel.TelegramIDs); err != nil {
		return Relations{}, fmt.Errorf("projects: %w", err)
	}
	if rel.AreaIDs, err = r.ids(ctx, `SELECT id FROM areas WHERE owner_id = ANY($1) ORDER BY id`, rel.TelegramIDs); err != nil {
		return Relations{}, fmt.Errorf("areas: %w", err)
	}
	return rel, nil
}

func (r *Repository) ids(ctx context.Context, sql string, arg any) ([]int64, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

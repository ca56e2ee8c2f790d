package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parahub/parahub/internal/platform/db"
)

// Insert appends entry using q, which may be a transaction owned by the caller.
func Insert(ctx context.Context, q db.Querier, entry Entry) (Entry, error) {
	if entry.Action == "" {
		return Entry{}, errors.New("audit: action required")
	}
	if entry.ScopeType == "" {
		return Entry{}, errors.New("audit: scope type required")
	}
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encode details: %w", err)
	}
	const query = `
		INSERT INTO role_audit_logs (actor_user_id, target_user_id, action, role_slug, scope_type, scope_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	if err := q.QueryRow(ctx, query,
		entry.ActorUserID, entry.TargetUserID, entry.Action, entry.RoleSlug,
		entry.ScopeType, entry.ScopeID, payload,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("audit: insert: %w", err)
	}
	entry.Details = details
	return entry, nil
}

// Repository reads and writes role audit entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append writes a standalone entry.
func (r *Repository) Append(ctx context.Context, entry Entry) (Entry, error) {
	return Insert(ctx, r.pool, entry)
}

// ListRecent returns up to limit entries, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	const query = `
		SELECT id, actor_user_id, target_user_id, action, role_slug, scope_type, scope_id, details, created_at
		FROM role_audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.TargetUserID, &e.Action, &e.RoleSlug, &e.ScopeType, &e.ScopeID, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Details = map[string]any{}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package db

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BootstrapLockKey is the advisory lock guarding schema bootstrap ("PARA").
const BootstrapLockKey int64 = 0x50415241

//go:embed schema.sql
var schemaSQL string

// Bootstrap applies the idempotent schema while holding the bootstrap advisory
// lock on a dedicated connection. When another process holds the lock the call
// returns false without touching the schema. A failing lock query is an error;
// it is never treated as an acquired lock.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (bool, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("platform/db: acquire bootstrap conn: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, BootstrapLockKey).Scan(&locked); err != nil {
		return false, fmt.Errorf("platform/db: try advisory lock: %w", err)
	}
	if !locked {
		if logger != nil {
			logger.Info("schema bootstrap skipped, lock held elsewhere", slog.Int64("lock_key", BootstrapLockKey))
		}
		return false, nil
	}
	defer func() {
		// A cancelled ctx must not leave the session-level lock behind.
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, BootstrapLockKey); err != nil && logger != nil {
			logger.Warn("release bootstrap lock", slog.Any("error", err))
		}
	}()

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return false, fmt.Errorf("platform/db: apply schema: %w", err)
	}
	if logger != nil {
		logger.Info("schema bootstrap applied")
	}
	return true, nil
}

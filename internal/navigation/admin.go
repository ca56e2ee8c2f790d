package navigation

import (
	"context"
	"fmt"

	"github.com/parahub/parahub/internal/shared"
)

// MaintenanceStore is the unconditional side of the layout store.
type MaintenanceStore interface {
	LoadUserLayout(ctx context.Context, userID int64, allowed []string) (Snapshot, error)
	LoadGlobalLayout(ctx context.Context, allowed []string) (Snapshot, error)
	SaveUserLayout(ctx context.Context, userID int64, layout Layout) error
	DeleteUserLayout(ctx context.Context, userID int64) error
	SaveGlobalLayout(ctx context.Context, layout Layout) error
	ResetGlobalLayout(ctx context.Context) error
}

// Admin rewrites stored layouts without a version check. Layouts are
// sanitized against the whole blueprint, so keys a viewer cannot see are
// kept for viewers who can.
type Admin struct {
	store MaintenanceStore
	keys  []string
}

// NewAdmin builds an Admin over the compiled Blueprint.
func NewAdmin(store MaintenanceStore) *Admin {
	return &Admin{store: store, keys: Keys(Blueprint)}
}

// ImportUserLayout overwrites the layout of one user.
func (a *Admin) ImportUserLayout(ctx context.Context, userID int64, raw Layout) (Snapshot, error) {
	if userID <= 0 {
		return Snapshot{}, fmt.Errorf("%w: user id required", shared.ErrValidation)
	}
	if err := a.store.SaveUserLayout(ctx, userID, Sanitize(raw, a.keys)); err != nil {
		return Snapshot{}, err
	}
	return a.store.LoadUserLayout(ctx, userID, a.keys)
}

// ClearUserLayout drops the user's layout; the next write starts at version 0.
func (a *Admin) ClearUserLayout(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id required", shared.ErrValidation)
	}
	return a.store.DeleteUserLayout(ctx, userID)
}

// ImportGlobalLayout overwrites the global layout.
func (a *Admin) ImportGlobalLayout(ctx context.Context, raw Layout) (Snapshot, error) {
	if err := a.store.SaveGlobalLayout(ctx, Sanitize(raw, a.keys)); err != nil {
		return Snapshot{}, err
	}
	return a.store.LoadGlobalLayout(ctx, a.keys)
}

// ResetGlobalLayout clears the global overrides and bumps the version so
// editors holding the old one get a conflict.
func (a *Admin) ResetGlobalLayout(ctx context.Context) (Snapshot, error) {
	if err := a.store.ResetGlobalLayout(ctx); err != nil {
		return Snapshot{}, err
	}
	return a.store.LoadGlobalLayout(ctx, a.keys)
}

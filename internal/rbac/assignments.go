package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parahub/parahub/internal/audit"
	"github.com/parahub/parahub/internal/platform/db"
	"github.com/parahub/parahub/internal/shared"
)

// AssignmentTx is the transactional view used by role mutations. Audit
// entries written through it commit or roll back with the mutation.
type AssignmentTx interface {
	UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
	DeleteAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]ExpiredAssignment, error)
	SetPrimaryRole(ctx context.Context, userID int64, slug string) error
	AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// AssignmentStore opens role mutation transactions.
type AssignmentStore interface {
	WithTx(ctx context.Context, fn func(context.Context, AssignmentTx) error) error
}

// Publisher broadcasts cache invalidations to other processes.
type Publisher interface {
	Publish(ctx context.Context) error
}

// GrantRequest describes a role grant.
type GrantRequest struct {
	TargetUserID int64
	RoleSlug     string
	ActorUserID  *int64
	Scope        Scope
	ExpiresAt    *time.Time
}

// RevokeRequest describes a role revocation.
type RevokeRequest struct {
	TargetUserID int64
	RoleSlug     string
	ActorUserID  *int64
	Scope        Scope
}

// AssignmentService mutates role assignments and keeps the audit log.
type AssignmentService struct {
	store     AssignmentStore
	catalog   *Catalog
	registry  *Registry
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewAssignmentService constructs the service. publisher may be nil.
func NewAssignmentService(store AssignmentStore, catalog *Catalog, registry *Registry, publisher Publisher, logger *slog.Logger) *AssignmentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssignmentService{
		store:     store,
		catalog:   catalog,
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// GrantRole upserts the assignment. Granting twice refreshes expires_at and
// granted_by and records a second audit entry.
func (s *AssignmentService) GrantRole(ctx context.Context, req GrantRequest) (Assignment, error) {
	scope, err := req.Scope.Normalize()
	if err != nil {
		return Assignment{}, err
	}
	if req.TargetUserID <= 0 {
		return Assignment{}, fmt.Errorf("%w: target user required", shared.ErrValidation)
	}
	role, err := s.catalog.Persisted(ctx, req.RoleSlug)
	if err != nil {
		return Assignment{}, err
	}

	var out Assignment
	err = s.store.WithTx(ctx, func(ctx context.Context, tx AssignmentTx) error {
		saved, err := tx.UpsertAssignment(ctx, Assignment{
			UserID:    req.TargetUserID,
			RoleID:    role.ID,
			RoleSlug:  role.Slug,
			Scope:     scope,
			ExpiresAt: req.ExpiresAt,
			GrantedBy: req.ActorUserID,
		})
		if err != nil {
			return err
		}
		details := map[string]any{}
		if req.ExpiresAt != nil {
			details["expires_at"] = req.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if _, err := tx.AppendAudit(ctx, auditEntry(audit.ActionGrantRole, req.ActorUserID, req.TargetUserID, role.Slug, scope, details)); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		out = saved
		return nil
	})
	if err != nil {
		return Assignment{}, wrapStoreError("grant role", err)
	}
	s.invalidate(ctx)
	return out, nil
}

// RevokeRole removes the matching assignment and reports whether anything
// changed. Nothing is audited when no row matched.
func (s *AssignmentService) RevokeRole(ctx context.Context, req RevokeRequest) (bool, error) {
	scope, err := req.Scope.Normalize()
	if err != nil {
		return false, err
	}
	if req.TargetUserID <= 0 {
		return false, fmt.Errorf("%w: target user required", shared.ErrValidation)
	}
	role, err := s.catalog.Persisted(ctx, req.RoleSlug)
	if err != nil {
		return false, err
	}

	var changed bool
	err = s.store.WithTx(ctx, func(ctx context.Context, tx AssignmentTx) error {
		deleted, err := tx.DeleteAssignment(ctx, req.TargetUserID, role.ID, scope)
		if err != nil {
			return err
		}
		if !deleted {
			return nil
		}
		if _, err := tx.AppendAudit(ctx, auditEntry(audit.ActionRevokeRole, req.ActorUserID, req.TargetUserID, role.Slug, scope, nil)); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, wrapStoreError("revoke role", err)
	}
	if changed {
		s.invalidate(ctx)
	}
	return changed, nil
}

// SetPrimaryRole stores slug on the user record and grants it at global
// scope.
func (s *AssignmentService) SetPrimaryRole(ctx context.Context, userID int64, slug string, actor *int64) (Assignment, error) {
	if userID <= 0 {
		return Assignment{}, fmt.Errorf("%w: target user required", shared.ErrValidation)
	}
	role, err := s.catalog.Persisted(ctx, slug)
	if err != nil {
		return Assignment{}, err
	}

	var out Assignment
	err = s.store.WithTx(ctx, func(ctx context.Context, tx AssignmentTx) error {
		if err := tx.SetPrimaryRole(ctx, userID, role.Slug); err != nil {
			return err
		}
		saved, err := tx.UpsertAssignment(ctx, Assignment{
			UserID:    userID,
			RoleID:    role.ID,
			RoleSlug:  role.Slug,
			Scope:     GlobalScope(),
			GrantedBy: actor,
		})
		if err != nil {
			return err
		}
		if _, err := tx.AppendAudit(ctx, auditEntry(audit.ActionSetPrimaryRole, actor, userID, role.Slug, GlobalScope(), nil)); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		out = saved
		return nil
	})
	if err != nil {
		return Assignment{}, wrapStoreError("set primary role", err)
	}
	s.invalidate(ctx)
	return out, nil
}

// ExpireDue deletes assignments whose expiry has passed and audits each one.
func (s *AssignmentService) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.now()
	}
	var expired []ExpiredAssignment
	err := s.store.WithTx(ctx, func(ctx context.Context, tx AssignmentTx) error {
		rows, err := tx.DeleteExpired(ctx, now)
		if err != nil {
			return err
		}
		for _, row := range rows {
			details := map[string]any{"expires_at": row.ExpiresAt.UTC().Format(time.RFC3339)}
			if _, err := tx.AppendAudit(ctx, auditEntry(audit.ActionExpireRole, nil, row.UserID, row.RoleSlug, row.Scope, details)); err != nil {
				return fmt.Errorf("append audit: %w", err)
			}
		}
		expired = rows
		return nil
	})
	if err != nil {
		return 0, wrapStoreError("expire assignments", err)
	}
	if len(expired) > 0 {
		s.invalidate(ctx)
	}
	return len(expired), nil
}

func (s *AssignmentService) invalidate(ctx context.Context) {
	if s.registry != nil {
		s.registry.Invalidate()
	}
	if s.catalog != nil {
		s.catalog.Invalidate()
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx); err != nil {
		s.logger.Warn("publish access invalidation", slog.Any("error", err))
	}
}

func auditEntry(action string, actor *int64, target int64, slug string, scope Scope, details map[string]any) audit.Entry {
	if details == nil {
		details = map[string]any{}
	}
	roleSlug := slug
	return audit.Entry{
		ActorUserID:  actor,
		TargetUserID: target,
		Action:       action,
		RoleSlug:     &roleSlug,
		ScopeType:    string(scope.Type),
		ScopeID:      scope.ID,
		Details:      details,
	}
}

func wrapStoreError(op string, err error) error {
	if db.IsConflict(err) {
		return fmt.Errorf("%w: %s: %v", ErrDatabaseConflict, op, err)
	}
	if errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrNotFound) {
		return err
	}
	return fmt.Errorf("rbac: %s: %w", op, err)
}

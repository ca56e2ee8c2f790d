package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/parahub/parahub/internal/platform/httpx"
	"github.com/parahub/parahub/internal/shared"
)

// AssignmentLister lists stored assignments of a user.
type AssignmentLister interface {
	ListAssignments(ctx context.Context, userID int64) ([]Assignment, error)
}

// AccessHandler serves the access administration API.
type AccessHandler struct {
	logger      *slog.Logger
	catalog     *Catalog
	assignments *AssignmentService
	lister      AssignmentLister
	rbac        Middleware
	validator   *validator.Validate
}

// NewAccessHandler builds an AccessHandler.
func NewAccessHandler(logger *slog.Logger, catalog *Catalog, assignments *AssignmentService, lister AssignmentLister, rbac Middleware) *AccessHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessHandler{
		logger:      logger,
		catalog:     catalog,
		assignments: assignments,
		lister:      lister,
		rbac:        rbac,
		validator:   validator.New(),
	}
}

// MountRoutes registers access routes.
func (h *AccessHandler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(nil, nil, nil)).Get("/me", h.me)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require([]string{PermRolesManage}, []string{RoleAdmin}, nil))
		r.Get("/roles", h.listRoles)
		r.Post("/roles/seed", h.seedRoles)
		r.Post("/assignments", h.grant)
		r.Delete("/assignments", h.revoke)
		r.Get("/users/{id}/assignments", h.listAssignments)
		r.Put("/users/{id}/primary-role", h.setPrimaryRole)
	})
}

type meResponse struct {
	UserID      int64    `json:"user_id"`
	PrimaryRole string   `json:"primary_role"`
	Scope       Scope    `json:"scope"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Mask        Mask     `json:"mask"`
	IsSuperuser bool     `json:"is_superuser"`
	Degraded    bool     `json:"degraded,omitempty"`
}

func (h *AccessHandler) me(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.rbac.principal(r)
	if !ok {
		httpx.RespondError(w, shared.ErrNotAuthenticated)
		return
	}
	scope, err := ParseScope(r.URL.Query().Get("scope_type"), r.URL.Query().Get("scope_id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	eff, err := h.rbac.Effective(r, scope)
	if err != nil {
		h.fail(w, "resolve effective permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, meResponse{
		UserID:      principal.GetID(),
		PrimaryRole: NormalizeRoleSlug(principal.PrimaryRole()),
		Scope:       scope,
		Roles:       eff.RoleList(),
		Permissions: eff.Codes(),
		Mask:        eff.Mask,
		IsSuperuser: eff.IsSuperuser,
		Degraded:    eff.Degraded,
	})
}

func (h *AccessHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.catalog.All(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *AccessHandler) seedRoles(w http.ResponseWriter, r *http.Request) {
	result, err := h.catalog.SeedPresets(r.Context())
	if err != nil {
		h.fail(w, "seed presets", err)
		return
	}
	if h.assignments != nil {
		h.assignments.invalidate(r.Context())
	}
	httpx.JSON(w, http.StatusOK, result)
}

type assignmentRequest struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	Role      string     `json:"role" validate:"required"`
	ScopeType string     `json:"scope_type" validate:"omitempty,oneof=global area project"`
	ScopeID   *int64     `json:"scope_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (req assignmentRequest) scope() (Scope, error) {
	t := ScopeType(strings.ToLower(req.ScopeType))
	if t == "" {
		t = ScopeGlobal
	}
	return Scope{Type: t, ID: req.ScopeID}.Normalize()
}

func (h *AccessHandler) decodeAssignment(r *http.Request) (assignmentRequest, Scope, error) {
	var req assignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return req, Scope{}, err
	}
	if err := h.validator.Struct(req); err != nil {
		return req, Scope{}, fmt.Errorf("%w: %s", shared.ErrValidation, validationMessage(err))
	}
	scope, err := req.scope()
	if err != nil {
		return req, Scope{}, err
	}
	return req, scope, nil
}

func (h *AccessHandler) grant(w http.ResponseWriter, r *http.Request) {
	req, scope, err := h.decodeAssignment(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httpx.RespondError(w, fmt.Errorf("%w: expires_at must be in the future", shared.ErrValidation))
		return
	}
	saved, err := h.assignments.GrantRole(r.Context(), GrantRequest{
		TargetUserID: req.UserID,
		RoleSlug:     req.Role,
		ActorUserID:  h.actor(r),
		Scope:        scope,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, "grant role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, saved)
}

func (h *AccessHandler) revoke(w http.ResponseWriter, r *http.Request) {
	req, scope, err := h.decodeAssignment(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	changed, err := h.assignments.RevokeRole(r.Context(), RevokeRequest{
		TargetUserID: req.UserID,
		RoleSlug:     req.Role,
		ActorUserID:  h.actor(r),
		Scope:        scope,
	})
	if err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (h *AccessHandler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.lister == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"assignments": []Assignment{}})
		return
	}
	items, err := h.lister.ListAssignments(r.Context(), userID)
	if err != nil {
		h.fail(w, "list assignments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": items})
}

type primaryRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

func (h *AccessHandler) setPrimaryRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req primaryRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", shared.ErrValidation, validationMessage(err)))
		return
	}
	saved, err := h.assignments.SetPrimaryRole(r.Context(), userID, req.Role, h.actor(r))
	if err != nil {
		h.fail(w, "set primary role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *AccessHandler) actor(r *http.Request) *int64 {
	p, ok := h.rbac.principal(r)
	if !ok {
		return nil
	}
	id := p.GetID()
	return &id
}

func (h *AccessHandler) fail(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func pathUserID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid user id", shared.ErrValidation)
	}
	return id, nil
}

func validationMessage(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, strings.ToLower(fe.Field())+" "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

package profiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/parahub/parahub/internal/platform/httpx"
	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

// ViewerSource computes the viewer context of a web user.
type ViewerSource interface {
	Viewer(ctx context.Context, u *users.WebUser, isAdmin bool) (users.Viewer, error)
}

// Handler exposes the profile endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	viewers   ViewerSource
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service, viewers ViewerSource, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, viewers: viewers, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers profile routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{entity}", h.handleList)
	r.Get("/{entity}/{slug}", h.handleGet)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(nil, nil, nil))
		r.Put("/{entity}/{slug}", h.handleUpdate)
		r.Put("/{entity}/{slug}/grants", h.handleReplaceGrants)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	entity, err := ParseEntityPath(chi.URLParam(r, "entity"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrNotFound, err))
		return
	}
	viewer, _, err := h.viewer(r)
	if err != nil {
		h.fail(w, "resolve viewer", err)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, err := h.service.ListCatalog(r.Context(), entity, viewer, limit, offset, q.Get("q"))
	if err != nil {
		h.fail(w, "list profiles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	entity, err := ParseEntityPath(chi.URLParam(r, "entity"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrNotFound, err))
		return
	}
	viewer, _, err := h.viewer(r)
	if err != nil {
		h.fail(w, "resolve viewer", err)
		return
	}
	withSections := r.URL.Query().Get("sections") != "false"
	view, err := h.service.GetProfile(r.Context(), entity, chi.URLParam(r, "slug"), viewer, withSections)
	if err != nil {
		h.fail(w, "get profile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

type updateRequest struct {
	ProfileUpdate
	Visibility *string `json:"visibility,omitempty" validate:"omitempty,oneof=private authenticated public"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: visibility must be private, authenticated or public", shared.ErrValidation))
		return
	}
	p, actor, ok := h.manageable(w, r)
	if !ok {
		return
	}

	var visibility *Visibility
	if req.Visibility != nil {
		v := ParseVisibility(*req.Visibility)
		visibility = &v
	}
	updated, err := h.service.UpdateProfile(r.Context(), p.EntityType, p.Slug, req.ProfileUpdate, visibility, actor)
	if err != nil {
		h.fail(w, "update profile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

type grantRequest struct {
	AudienceType string     `json:"audience_type" validate:"required,oneof=public authenticated user group project area"`
	SubjectID    *int64     `json:"subject_id" validate:"omitempty,gt=0"`
	Sections     *[]string  `json:"sections"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type replaceGrantsRequest struct {
	Grants []grantRequest `json:"grants" validate:"dive"`
}

func (h *Handler) handleReplaceGrants(w http.ResponseWriter, r *http.Request) {
	var req replaceGrantsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", ErrInvalidGrant, err))
		return
	}
	p, actor, ok := h.manageable(w, r)
	if !ok {
		return
	}

	inputs := make([]GrantInput, 0, len(req.Grants))
	for _, g := range req.Grants {
		inputs = append(inputs, GrantInput{
			Audience:  Audience(g.AudienceType),
			SubjectID: g.SubjectID,
			Sections:  g.Sections,
			ExpiresAt: g.ExpiresAt,
		})
	}
	grants, err := h.service.ReplaceGrants(r.Context(), *p, inputs, actor)
	if err != nil {
		h.fail(w, "replace grants", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": grants})
}

// manageable loads the target profile and checks the caller may edit it.
func (h *Handler) manageable(w http.ResponseWriter, r *http.Request) (*Profile, *int64, bool) {
	entity, err := ParseEntityPath(chi.URLParam(r, "entity"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrNotFound, err))
		return nil, nil, false
	}
	viewer, eff, err := h.viewer(r)
	if err != nil {
		h.fail(w, "resolve viewer", err)
		return nil, nil, false
	}
	p, err := h.service.Load(r.Context(), entity, chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, "load profile", err)
		return nil, nil, false
	}
	if !h.service.CanManage(*p, viewer) && !eff.Has(rbac.PermProfilesManage) {
		httpx.RespondError(w, shared.ErrPermissionDenied)
		return nil, nil, false
	}
	actor := viewer.UserID()
	return p, &actor, true
}

func (h *Handler) viewer(r *http.Request) (users.Viewer, rbac.Effective, error) {
	u, ok := users.UserFromContext(r.Context())
	if !ok {
		return users.Anonymous(), rbac.Effective{}, nil
	}
	eff, err := h.rbac.Effective(r, rbac.GlobalScope())
	if err != nil {
		return users.Viewer{}, rbac.Effective{}, err
	}
	isAdmin := eff.IsSuperuser || eff.HasRole(rbac.RoleAdmin)
	v, err := h.viewers.Viewer(r.Context(), u, isAdmin)
	return v, eff, err
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !clientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func clientError(err error) bool {
	return errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrPermissionDenied) ||
		errors.Is(err, shared.ErrNotAuthenticated) ||
		errors.Is(err, shared.ErrValidation) ||
		errors.Is(err, shared.ErrConflict)
}

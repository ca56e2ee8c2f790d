package navigation

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/parahub/parahub/internal/platform/httpx"
	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

// ConflictRecorder counts rejected layout writes.
type ConflictRecorder interface {
	LayoutConflict(scope string)
}

// Handler exposes the navigation endpoints.
type Handler struct {
	logger    *slog.Logger
	projector *Projector
	rbac      rbac.Middleware
	metrics   ConflictRecorder
	validator *validator.Validate
}

// NewHandler builds a Handler. metrics may be nil.
func NewHandler(logger *slog.Logger, projector *Projector, rbac rbac.Middleware, metrics ConflictRecorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, projector: projector, rbac: rbac, metrics: metrics, validator: validator.New()}
}

// MountRoutes registers navigation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/sidebar", h.handleSidebar)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(nil, nil, nil))
		r.Get("/user-sidebar-layout", h.handleGetUserLayout)
		r.Post("/user-sidebar-layout", h.handlePostUserLayout)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require([]string{rbac.PermSettingsManage}, []string{rbac.RoleAdmin}, nil))
		r.Get("/global-sidebar-layout", h.handleGetGlobalLayout)
		r.Post("/global-sidebar-layout", h.handlePostGlobalLayout)
	})
}

type layoutResponse struct {
	Version       int    `json:"version"`
	HasCustom     bool   `json:"hasCustom"`
	Layout        Layout `json:"layout"`
	ETag          string `json:"etag"`
	NavVersion    int    `json:"navVersion"`
	CanEditGlobal bool   `json:"canEditGlobal"`
}

type mutationRequest struct {
	Payload *Layout `json:"payload"`
	Version *int    `json:"version" validate:"required,gte=0"`
	Reset   bool    `json:"reset"`
}

type conflictResponse struct {
	Error          string `json:"error"`
	CurrentVersion int    `json:"currentVersion"`
	ETag           string `json:"etag"`
}

func (h *Handler) handleSidebar(w http.ResponseWriter, r *http.Request) {
	user, _ := users.UserFromContext(r.Context())
	eff, err := h.rbac.Effective(r, rbac.GlobalScope())
	if err != nil {
		h.logger.Error("resolve sidebar access", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	payload := h.projector.BuildPayload(r.Context(), BuildParams{
		User:         user,
		Effective:    eff,
		ExposeGlobal: r.URL.Query().Get("expose_global") == "1" && CanEditGlobal(eff, user.PrimaryRole()),
	})
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) handleGetUserLayout(w http.ResponseWriter, r *http.Request) {
	user, eff, ok := h.caller(w, r)
	if !ok {
		return
	}
	snap, err := h.projector.UserLayout(r.Context(), user, eff)
	if err != nil {
		h.logger.Error("load user sidebar layout", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.response(snap, eff, user))
}

func (h *Handler) handlePostUserLayout(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeMutation(w, r)
	if !ok {
		return
	}
	user, eff, ok := h.caller(w, r)
	if !ok {
		return
	}
	snap, err := h.projector.MutateUserLayout(r.Context(), user, eff, m)
	if err != nil {
		h.writeError(w, scopeUser, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.response(snap, eff, user))
}

func (h *Handler) handleGetGlobalLayout(w http.ResponseWriter, r *http.Request) {
	user, eff, ok := h.caller(w, r)
	if !ok {
		return
	}
	snap, err := h.projector.GlobalLayout(r.Context())
	if err != nil {
		h.logger.Error("load global sidebar layout", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.response(snap, eff, user))
}

func (h *Handler) handlePostGlobalLayout(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeMutation(w, r)
	if !ok {
		return
	}
	user, eff, ok := h.caller(w, r)
	if !ok {
		return
	}
	snap, err := h.projector.MutateGlobalLayout(r.Context(), m)
	if err != nil {
		h.writeError(w, scopeGlobal, err)
		return
	}
	h.logger.Info("global sidebar layout updated", slog.Int64("user_id", user.GetID()), slog.Int("version", snap.Version))
	httpx.JSON(w, http.StatusOK, h.response(snap, eff, user))
}

func (h *Handler) decodeMutation(w http.ResponseWriter, r *http.Request) (Mutation, bool) {
	var req mutationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return Mutation{}, false
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: version must be a non-negative integer", shared.ErrValidation))
		return Mutation{}, false
	}
	return Mutation{Payload: req.Payload, Reset: req.Reset, ExpectedVersion: *req.Version}, true
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (*users.WebUser, rbac.Effective, bool) {
	user, ok := users.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrNotAuthenticated)
		return nil, rbac.Effective{}, false
	}
	eff, err := h.rbac.Effective(r, rbac.GlobalScope())
	if err != nil {
		h.logger.Error("resolve navigation access", slog.Any("error", err))
		httpx.RespondError(w, err)
		return nil, rbac.Effective{}, false
	}
	return user, eff, true
}

func (h *Handler) response(snap Snapshot, eff rbac.Effective, user *users.WebUser) layoutResponse {
	return layoutResponse{
		Version:       snap.Version,
		HasCustom:     snap.HasCustom,
		Layout:        snap.Layout,
		ETag:          snap.ETag,
		NavVersion:    BlueprintVersion,
		CanEditGlobal: CanEditGlobal(eff, user.PrimaryRole()),
	}
}

func (h *Handler) writeError(w http.ResponseWriter, scope string, err error) {
	var conflict *LayoutConflict
	if errors.As(err, &conflict) {
		if h.metrics != nil {
			h.metrics.LayoutConflict(scope)
		}
		httpx.JSON(w, http.StatusConflict, conflictResponse{
			Error:          "version_conflict",
			CurrentVersion: conflict.CurrentVersion,
			ETag:           conflict.ETag,
		})
		return
	}
	if !errors.Is(err, shared.ErrValidation) {
		h.logger.Error("write sidebar layout", slog.String("scope", scope), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

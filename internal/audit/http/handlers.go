package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/parahub/parahub/internal/audit"
	"github.com/parahub/parahub/internal/platform/httpx"
	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/shared"
)

// Lister reads the audit log.
type Lister interface {
	ListRecent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Authorizer resolves the caller's effective permissions.
type Authorizer interface {
	Effective(r *http.Request, scope rbac.Scope) (rbac.Effective, error)
}

// Handler serves the role audit log.
type Handler struct {
	logger  *slog.Logger
	service Lister
	authz   Authorizer
	userKey func(*http.Request) string
}

// NewHandler builds an audit handler. userKey identifies the caller for rate
// limiting and may be nil.
func NewHandler(logger *slog.Logger, service Lister, authz Authorizer, userKey func(*http.Request) string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, authz: authz, userKey: userKey}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.ListRecent(r.Context(), limit)
	if err != nil {
		h.handleServerError(w, "list audit entries", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.ListRecent(r.Context(), limit)
	if err != nil {
		h.handleServerError(w, "export audit entries", err)
		return
	}
	body, err := audit.WriteCSV(entries)
	if err != nil {
		h.handleServerError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"role-audit.csv\"")
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.authz == nil {
		httpx.RespondError(w, shared.ErrPermissionDenied)
		return false
	}
	eff, err := h.authz.Effective(r, rbac.GlobalScope())
	if err != nil {
		h.handleServerError(w, "resolve permissions", err)
		return false
	}
	if !eff.Has(rbac.PermAuditView) {
		httpx.RespondError(w, shared.ErrPermissionDenied)
		return false
	}
	return true
}

func (h *Handler) handleServerError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", shared.ErrValidation)
	}
	return limit, nil
}

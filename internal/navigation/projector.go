package navigation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
)

// Snapshot is a stored layout as seen through a set of allowed keys. A
// missing record has version 0.
type Snapshot struct {
	Version   int
	Layout    Layout
	HasCustom bool
	ETag      string
}

// LayoutConflict reports a write whose expected version was stale.
type LayoutConflict struct {
	CurrentVersion int
	ETag           string
}

func (c *LayoutConflict) Error() string {
	return fmt.Sprintf("layout version conflict: current version %d", c.CurrentVersion)
}

// Unwrap lets callers match the conflict with shared.ErrConflict.
func (c *LayoutConflict) Unwrap() error { return shared.ErrConflict }

// Mutation is a versioned layout write. Reset discards the stored layout.
type Mutation struct {
	Payload         *Layout
	Reset           bool
	ExpectedVersion int
}

func (m Mutation) layout() Layout {
	if m.Payload == nil {
		return Layout{}
	}
	return *m.Payload
}

// Store persists user and global layouts with optimistic concurrency.
type Store interface {
	LoadUserLayout(ctx context.Context, userID int64, allowed []string) (Snapshot, error)
	LoadGlobalLayout(ctx context.Context, allowed []string) (Snapshot, error)
	MutateUserSidebarLayout(ctx context.Context, userID int64, m Mutation, allowed []string) (Snapshot, error)
	MutateGlobalSidebarLayout(ctx context.Context, m Mutation, allowed []string) (Snapshot, error)
}

// PayloadItem is one rendered sidebar entry.
type PayloadItem struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Href     string `json:"href,omitempty"`
	Hidden   bool   `json:"hidden"`
	Position int    `json:"position"`
	External bool   `json:"external"`
	Disabled bool   `json:"disabled"`
	Status   string `json:"status,omitempty"`
}

// LayoutView carries the layouts a payload was merged from.
type LayoutView struct {
	User   Layout  `json:"user"`
	Global *Layout `json:"global,omitempty"`
}

// Payload is the sidebar returned to a viewer.
type Payload struct {
	V             int           `json:"v"`
	Items         []PayloadItem `json:"items"`
	Layout        LayoutView    `json:"layout"`
	CanEditGlobal bool          `json:"can_edit_global"`
}

// BuildParams selects the viewer of a payload. User nil is anonymous.
type BuildParams struct {
	User         *users.WebUser
	Effective    rbac.Effective
	LegacyBase   string
	ExposeGlobal bool
}

// Projector renders per-viewer navigation.
type Projector struct {
	store      Store
	items      []Item
	legacyBase string
	logger     *slog.Logger
}

// NewProjector builds a Projector over the compiled Blueprint.
func NewProjector(store Store, legacyBase string, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: store, items: Blueprint, legacyBase: strings.TrimRight(legacyBase, "/"), logger: logger}
}

// CanEditGlobal reports whether the viewer may change the global layout.
func CanEditGlobal(eff rbac.Effective, primaryRole string) bool {
	return eff.Has(rbac.PermSettingsManage) || eff.HasRole(rbac.RoleAdmin) ||
		rbac.NormalizeRoleSlug(primaryRole) == rbac.RoleAdmin
}

// AllowedKeys lists the blueprint keys the viewer may see.
func (p *Projector) AllowedKeys(eff rbac.Effective, primaryRole string) []string {
	return Keys(Filter(p.items, eff, primaryRole))
}

// AllKeys lists every blueprint key.
func (p *Projector) AllKeys() []string { return Keys(p.items) }

// BuildPayload renders the sidebar for one viewer. Layout storage failures
// fall back to the default arrangement.
func (p *Projector) BuildPayload(ctx context.Context, params BuildParams) Payload {
	primary := params.User.PrimaryRole()
	allowed := Filter(p.items, params.Effective, primary)
	keys := Keys(allowed)
	def := DefaultLayout(keys)

	global := Snapshot{Layout: def}
	if snap, err := p.store.LoadGlobalLayout(ctx, keys); err != nil {
		p.logger.Warn("load global sidebar layout", slog.Any("error", err))
	} else {
		global = snap
	}

	user := Snapshot{Layout: def}
	if id := params.User.GetID(); id > 0 {
		if snap, err := p.store.LoadUserLayout(ctx, id, keys); err != nil {
			p.logger.Warn("load user sidebar layout", slog.Any("error", err), slog.Int64("user_id", id))
		} else {
			user = snap
		}
	}

	globalLayout := global.Layout
	merged := Merge(def, globalLayout, user.Layout, user.HasCustom, keys)

	legacy := p.legacyBase
	if params.LegacyBase != "" {
		legacy = strings.TrimRight(params.LegacyBase, "/")
	}
	byKey := make(map[string]Item, len(allowed))
	for _, it := range allowed {
		byKey[it.Key] = it
	}
	items := make([]PayloadItem, 0, len(merged.Items))
	for _, li := range merged.Items {
		it := byKey[li.Key]
		out := PayloadItem{Key: it.Key, Label: it.Label, Hidden: li.Hidden, Position: li.Position, Status: it.Status}
		switch {
		case it.Route != "":
			out.Href = it.Route
		case it.Legacy != "" && legacy != "":
			out.Href = legacy + it.Legacy
			out.External = true
		default:
			out.Disabled = true
		}
		items = append(items, out)
	}

	payload := Payload{
		V:             BlueprintVersion,
		Items:         items,
		Layout:        LayoutView{User: user.Layout},
		CanEditGlobal: CanEditGlobal(params.Effective, primary),
	}
	if params.ExposeGlobal {
		g := globalLayout
		payload.Layout.Global = &g
	}
	return payload
}

// UserLayout loads the viewer's own layout.
func (p *Projector) UserLayout(ctx context.Context, user *users.WebUser, eff rbac.Effective) (Snapshot, error) {
	return p.store.LoadUserLayout(ctx, user.GetID(), p.AllowedKeys(eff, user.PrimaryRole()))
}

// MutateUserLayout applies a versioned write to the viewer's layout.
func (p *Projector) MutateUserLayout(ctx context.Context, user *users.WebUser, eff rbac.Effective, m Mutation) (Snapshot, error) {
	if m.Payload == nil && !m.Reset {
		return Snapshot{}, fmt.Errorf("%w: payload or reset required", shared.ErrValidation)
	}
	return p.store.MutateUserSidebarLayout(ctx, user.GetID(), m, p.AllowedKeys(eff, user.PrimaryRole()))
}

// GlobalLayout loads the global layout over the full blueprint.
func (p *Projector) GlobalLayout(ctx context.Context) (Snapshot, error) {
	return p.store.LoadGlobalLayout(ctx, p.AllKeys())
}

// MutateGlobalLayout applies a versioned write to the global layout.
func (p *Projector) MutateGlobalLayout(ctx context.Context, m Mutation) (Snapshot, error) {
	if m.Payload == nil && !m.Reset {
		return Snapshot{}, fmt.Errorf("%w: payload or reset required", shared.ErrValidation)
	}
	return p.store.MutateGlobalSidebarLayout(ctx, m, p.AllKeys())
}

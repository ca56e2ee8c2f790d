package users

import (
	"context"
	"time"
)

// WebUser is an account able to sign in to the web application.
type WebUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetID returns the user id.
func (u *WebUser) GetID() int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

// PrimaryRole returns the declared role slug.
func (u *WebUser) PrimaryRole() string {
	if u == nil {
		return ""
	}
	return u.Role
}

// Viewer is everything the visibility rules need to know about the caller.
// It is computed per request and never persisted.
type Viewer struct {
	User          *WebUser
	Authenticated bool
	IsAdmin       bool
	TelegramIDs   []int64
	GroupIDs      []int64
	OwnedGroupIDs []int64
	ProjectIDs    []int64
	AreaIDs       []int64
}

// Anonymous returns the viewer of an unauthenticated request.
func Anonymous() Viewer { return Viewer{} }

// UserID returns the viewer's user id, or 0 when anonymous.
func (v Viewer) UserID() int64 { return v.User.GetID() }

// InGroup reports membership of group id.
func (v Viewer) InGroup(id int64) bool { return contains(v.GroupIDs, id) }

// OwnsGroup reports ownership of group id.
func (v Viewer) OwnsGroup(id int64) bool { return contains(v.OwnedGroupIDs, id) }

// HasProject reports ownership of project id.
func (v Viewer) HasProject(id int64) bool { return contains(v.ProjectIDs, id) }

// HasArea reports ownership of area id.
func (v Viewer) HasArea(id int64) bool { return contains(v.AreaIDs, id) }

// HasTelegramID reports whether id is linked to the viewer.
func (v Viewer) HasTelegramID(id int64) bool { return contains(v.TelegramIDs, id) }

func contains(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

type userContextKey struct{}

// ContextWithUser stores the authenticated user in ctx.
func ContextWithUser(ctx context.Context, u *WebUser) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*WebUser, bool) {
	u, ok := ctx.Value(userContextKey{}).(*WebUser)
	return u, ok && u != nil
}

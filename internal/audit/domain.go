package audit

import "time"

// Action names recorded for role mutations.
const (
	ActionGrantRole      = "grant_role"
	ActionRevokeRole     = "revoke_role"
	ActionSetPrimaryRole = "set_primary_role"
	ActionExpireRole     = "expire_role"
)

// Entry is one append-only record of a role mutation.
type Entry struct {
	ID           int64          `json:"id"`
	ActorUserID  *int64         `json:"actor_user_id,omitempty"`
	TargetUserID int64          `json:"target_user_id"`
	Action       string         `json:"action"`
	RoleSlug     *string        `json:"role_slug,omitempty"`
	ScopeType    string         `json:"scope_type"`
	ScopeID      *int64         `json:"scope_id,omitempty"`
	Details      map[string]any `json:"details"`
	CreatedAt    time.Time      `json:"created_at"`
}

package rbac

import "strings"

// Permission codes shipped with every installation.
const (
	PermDashboardView      = "app.dashboard.view"
	PermTasksManage        = "app.tasks.manage"
	PermNotesManage        = "app.notes.manage"
	PermHabitsManage       = "app.habits.manage"
	PermCalendarManage     = "app.calendar.manage"
	PermProjectsManage     = "app.projects.manage"
	PermAreasManage        = "app.areas.manage"
	PermResourcesManage    = "app.resources.manage"
	PermGroupsManage       = "app.groups.manage"
	PermCRMManage          = "app.crm.manage"
	PermIntegrationsManage = "app.integrations.manage"
	PermTimeManage         = "app.time.manage"
	PermProfilesView       = "app.profiles.view"
	PermProfilesManage     = "app.profiles.manage"
	PermUsersManage        = "app.users.manage"
	PermRolesManage        = "app.roles.manage"
	PermAuditView          = "app.audit.view"
	PermSettingsManage     = "app.settings.manage"
	PermDiagnosticsManage  = "app.diagnostics.manage"
	PermAdminAccess        = "app.admin.access"
)

// Role slugs shipped with every installation.
const (
	RoleSuspended   = "suspended"
	RoleSingle      = "single"
	RoleMultiplayer = "multiplayer"
	RoleModerator   = "moderator"
	RoleAdmin       = "admin"
)

// roleAliases maps legacy slugs onto current ones.
var roleAliases = map[string]string{
	"ban": RoleSuspended,
}

// NormalizeRoleSlug lowercases the slug and resolves legacy aliases.
func NormalizeRoleSlug(slug string) string {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if alias, ok := roleAliases[slug]; ok {
		return alias
	}
	return slug
}

// DefaultPermissions is the compiled permission table. It doubles as the
// registry fallback before the store has been seeded.
var DefaultPermissions = []Permission{
	{Code: PermDashboardView, BitPosition: 0, Category: "app", Name: "View dashboard"},
	{Code: PermTasksManage, BitPosition: 1, Category: "app", Name: "Manage tasks"},
	{Code: PermNotesManage, BitPosition: 2, Category: "app", Name: "Manage notes"},
	{Code: PermHabitsManage, BitPosition: 3, Category: "app", Name: "Manage habits"},
	{Code: PermCalendarManage, BitPosition: 4, Category: "app", Name: "Manage calendar"},
	{Code: PermProjectsManage, BitPosition: 5, Category: "app", Name: "Manage projects"},
	{Code: PermAreasManage, BitPosition: 6, Category: "app", Name: "Manage areas"},
	{Code: PermResourcesManage, BitPosition: 7, Category: "app", Name: "Manage resources"},
	{Code: PermGroupsManage, BitPosition: 8, Category: "app", Name: "Manage groups"},
	{Code: PermCRMManage, BitPosition: 9, Category: "app", Name: "Manage CRM"},
	{Code: PermIntegrationsManage, BitPosition: 10, Category: "app", Name: "Manage integrations"},
	{Code: PermTimeManage, BitPosition: 11, Category: "app", Name: "Track time"},
	{Code: PermProfilesView, BitPosition: 12, Category: "app", Name: "View profiles"},
	{Code: PermProfilesManage, BitPosition: 13, Category: "app", Name: "Manage profiles"},
	{Code: PermUsersManage, BitPosition: 14, Category: "admin", Name: "Manage users"},
	{Code: PermRolesManage, BitPosition: 15, Category: "admin", Name: "Manage roles"},
	{Code: PermAuditView, BitPosition: 16, Category: "admin", Name: "View audit log"},
	{Code: PermSettingsManage, BitPosition: 17, Category: "admin", Name: "Manage settings"},
	{Code: PermDiagnosticsManage, BitPosition: 18, Category: "admin", Name: "Run diagnostics"},
	{Code: PermAdminAccess, BitPosition: 19, Category: "admin", Name: "Access admin area"},
}

var (
	singleCodes = []string{
		PermDashboardView, PermTasksManage, PermNotesManage, PermHabitsManage,
		PermCalendarManage, PermTimeManage, PermProfilesView,
	}
	multiplayerCodes = append(append([]string{}, singleCodes...),
		PermGroupsManage, PermCRMManage, PermResourcesManage, PermProjectsManage, PermAreasManage,
	)
	moderatorCodes = append(append([]string{}, multiplayerCodes...),
		PermIntegrationsManage, PermProfilesManage, PermAuditView, PermDiagnosticsManage,
	)
)

// DefaultRoles is the compiled role ladder, ordered by level.
var DefaultRoles = []Role{
	{Slug: RoleSuspended, Name: "Suspended", Level: 0, IsSystem: true},
	{Slug: RoleSingle, Name: "Single", Level: 10, Mask: defaultMask(singleCodes...), IsSystem: true},
	{Slug: RoleMultiplayer, Name: "Multiplayer", Level: 20, Mask: defaultMask(multiplayerCodes...), IsSystem: true},
	{Slug: RoleModerator, Name: "Moderator", Level: 30, Mask: defaultMask(moderatorCodes...), IsSystem: true},
	{Slug: RoleAdmin, Name: "Administrator", Level: 40, Mask: defaultMask(allDefaultCodes()...), IsSystem: true, GrantsAll: true},
}

// DefaultRole looks a role up in the compiled ladder.
func DefaultRole(slug string) (Role, bool) {
	slug = NormalizeRoleSlug(slug)
	for _, role := range DefaultRoles {
		if role.Slug == slug {
			return role, true
		}
	}
	return Role{}, false
}

func defaultMask(codes ...string) Mask {
	bits := make([]int, 0, len(codes))
	for _, code := range codes {
		for _, p := range DefaultPermissions {
			if p.Code == code {
				bits = append(bits, p.BitPosition)
				break
			}
		}
	}
	return MaskOf(bits...)
}

func allDefaultCodes() []string {
	codes := make([]string, 0, len(DefaultPermissions))
	for _, p := range DefaultPermissions {
		codes = append(codes, p.Code)
	}
	return codes
}

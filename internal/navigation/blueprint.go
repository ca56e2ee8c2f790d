package navigation

import "github.com/parahub/parahub/internal/rbac"

// BlueprintVersion is bumped whenever the blueprint changes shape.
const BlueprintVersion = 1

// Item is one entry of the navigation blueprint.
type Item struct {
	Key         string
	Label       string
	Route       string
	Legacy      string
	Status      string
	Permissions []string
	Roles       []string
}

// Blueprint is the canonical ordered list of every navigation item.
var Blueprint = []Item{
	{Key: "overview", Label: "Overview", Route: "/", Permissions: []string{rbac.PermDashboardView}},
	{Key: "inbox", Label: "Inbox", Route: "/inbox", Permissions: []string{rbac.PermTasksManage}},
	{Key: "tasks", Label: "Tasks", Route: "/tasks", Permissions: []string{rbac.PermTasksManage}},
	{Key: "calendar", Label: "Calendar", Route: "/calendar", Permissions: []string{rbac.PermCalendarManage}},
	{Key: "habits", Label: "Habits", Route: "/habits", Status: "beta", Permissions: []string{rbac.PermHabitsManage}},
	{Key: "notes", Label: "Notes", Route: "/notes", Permissions: []string{rbac.PermNotesManage}},
	{Key: "time", Label: "Time", Route: "/time", Permissions: []string{rbac.PermTimeManage}},
	{Key: "projects", Label: "Projects", Route: "/projects", Permissions: []string{rbac.PermProjectsManage}},
	{Key: "areas", Label: "Areas", Route: "/areas", Permissions: []string{rbac.PermAreasManage}},
	{Key: "resources", Label: "Resources", Route: "/resources", Permissions: []string{rbac.PermResourcesManage}},
	{Key: "groups", Label: "Groups", Route: "/groups", Permissions: []string{rbac.PermGroupsManage}},
	{Key: "crm", Label: "CRM", Legacy: "/crm", Permissions: []string{rbac.PermCRMManage}},
	{Key: "profiles", Label: "Profiles", Route: "/profiles", Permissions: []string{rbac.PermProfilesView}},
	{Key: "integrations", Label: "Integrations", Legacy: "/integrations", Permissions: []string{rbac.PermIntegrationsManage}},
	{Key: "diagnostics", Label: "Diagnostics", Route: "/diagnostics", Status: "new", Permissions: []string{rbac.PermDiagnosticsManage}},
	{Key: "settings", Label: "Settings", Route: "/settings", Permissions: []string{rbac.PermSettingsManage}},
	{Key: "admin", Label: "Admin", Route: "/admin", Roles: []string{rbac.RoleAdmin}},
}

// Allowed reports whether the viewer may see item. A role list, when present,
// decides alone; otherwise every listed permission is required.
func (it Item) Allowed(eff rbac.Effective, primaryRole string) bool {
	if len(it.Roles) > 0 {
		primary := rbac.NormalizeRoleSlug(primaryRole)
		for _, role := range it.Roles {
			if rbac.NormalizeRoleSlug(role) == primary || eff.HasRole(role) {
				return true
			}
		}
		return false
	}
	return eff.HasAll(it.Permissions...)
}

// Filter returns the blueprint items visible to the viewer, in canonical
// order.
func Filter(items []Item, eff rbac.Effective, primaryRole string) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Allowed(eff, primaryRole) {
			out = append(out, it)
		}
	}
	return out
}

// Keys lists the keys of items in order.
func Keys(items []Item) []string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	return keys
}

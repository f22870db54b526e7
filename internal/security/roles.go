package security

import "strings"

// Role is the caller role carried by an Identity.
type Role string

// Known roles, lowest privilege first.
const (
	RoleUser       Role = "user"
	RoleScheduler  Role = "scheduler"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Action names a guarded operation.
type Action string

// Guarded operations.
const (
	ActionRunRefresh   Action = "refresh:run"
	ActionViewMonitor  Action = "monitor:view"
	ActionReadCredits  Action = "credits:read"
	ActionWriteCredits Action = "credits:write"
	ActionEnqueueJob   Action = "jobs:enqueue"
)

var permissions = map[Role]map[Action]bool{
	RoleScheduler: {
		ActionRunRefresh:  true,
		ActionViewMonitor: true,
	},
	RoleAdmin: {
		ActionRunRefresh:   true,
		ActionViewMonitor:  true,
		ActionReadCredits:  true,
		ActionWriteCredits: true,
		ActionEnqueueJob:   true,
	},
}

// ParseRole normalizes a role name.
func ParseRole(raw string) (Role, bool) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleUser, RoleScheduler, RoleAdmin, RoleSuperAdmin:
		return role, true
	default:
		return "", false
	}
}

// CanPerform reports whether role may run action. Super admins may run
// everything; plain users nothing.
func CanPerform(role Role, action Action) bool {
	if role == RoleSuperAdmin {
		return true
	}
	return permissions[role][action]
}

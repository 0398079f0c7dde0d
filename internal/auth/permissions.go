package auth

// Permission represents a named capability of the control surface.
type Permission string

// Permission constants.
const (
	PermModulesRead Permission = "modules:read"
	PermCommandSend Permission = "command:send"
	PermMacroRun    Permission = "macro:run"
	PermAuditRead   Permission = "audit:read"
	PermEventsWatch Permission = "events:watch"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermModulesRead,
		PermAuditRead,
		PermEventsWatch,
	},
	RoleOperator: {
		PermModulesRead,
		PermAuditRead,
		PermEventsWatch,
		PermCommandSend,
		PermMacroRun,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns a copy of the role's permissions.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

package auth

import "errors"

// Role is an authorisation tier of the control surface.
type Role string

const (
	// RoleViewer may observe but not act.
	RoleViewer Role = "viewer"

	// RoleOperator may send commands and run macros.
	RoleOperator Role = "operator"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if v == r {
			return true
		}
	}
	return false
}

// Domain errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrNoSecret     = errors.New("jwt secret is not configured")
	ErrInvalidRole  = errors.New("invalid role")
	ErrInvalidHash  = errors.New("invalid password hash")
)

package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermModulesRead, true},
		{RoleViewer, PermAuditRead, true},
		{RoleViewer, PermEventsWatch, true},
		{RoleViewer, PermCommandSend, false},
		{RoleViewer, PermMacroRun, false},
		{RoleOperator, PermModulesRead, true},
		{RoleOperator, PermCommandSend, true},
		{RoleOperator, PermMacroRun, true},
		{"unknown", PermModulesRead, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestPermissionsForRole_ReturnsCopy(t *testing.T) {
	perms := PermissionsForRole(RoleOperator)
	if len(perms) == 0 {
		t.Fatal("PermissionsForRole(operator) is empty")
	}
	perms[0] = "tampered"
	if HasPermission(RoleOperator, "tampered") {
		t.Error("mutating the returned slice changed the role's permissions")
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range ValidRoles {
		if !IsValidRole(r) {
			t.Errorf("IsValidRole(%q) = false, want true", r)
		}
	}
	if IsValidRole("panel") {
		t.Error("IsValidRole(panel) = true, want false")
	}
}

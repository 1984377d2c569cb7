package rbac

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role, perm string
		want       bool
	}{
		{RoleCreator, PermCreateSplit, true},
		{RoleCreator, PermRetrySettle, false},
		{RoleOperator, PermRetrySettle, true},
		{RoleOperator, PermCreateSplit, false},
		{RoleService, PermCancelSplit, true},
		{"unknown", PermViewSplit, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestIsOwnerScoped(t *testing.T) {
	if !IsOwnerScoped(PermCancelSplit) {
		t.Error("cancel should be owner scoped")
	}
	if IsOwnerScoped(PermViewSplit) {
		t.Error("view should not be owner scoped")
	}
}

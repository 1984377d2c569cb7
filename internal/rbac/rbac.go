package rbac

// Role constants
const (
	RoleCreator  = "creator"  // owns splits, records payments
	RoleService  = "service"  // merchant integration, creates gateway splits
	RoleOperator = "operator" // support staff
)

// Permission constants
const (
	PermCreateSplit   = "create_split"
	PermRecordPayment = "record_payment"
	PermViewSplit     = "view_split"
	PermTriggerSettle = "trigger_settle"
	PermCancelSplit   = "cancel_split"
	PermRetrySettle   = "retry_settlement"
	PermViewAudit     = "view_audit"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleCreator: {
		PermCreateSplit, PermRecordPayment, PermViewSplit, PermTriggerSettle,
		PermCancelSplit,
		// Creator CANNOT: PermRetrySettle, PermViewAudit
	},
	RoleService: {
		PermCreateSplit, PermRecordPayment, PermViewSplit, PermTriggerSettle,
		PermCancelSplit,
	},
	RoleOperator: {
		PermViewSplit, PermTriggerSettle, PermCancelSplit, PermRetrySettle,
		PermViewAudit,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsOwnerScoped reports whether permission applies only to splits the
// caller created (unless the caller is an operator).
func IsOwnerScoped(permission string) bool {
	return permission == PermCancelSplit || permission == PermRecordPayment
}

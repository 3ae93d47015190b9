package auth

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermDeviceRead       Permission = "device:read"
	PermDeviceOperate    Permission = "device:operate"
	PermDeviceConfigure  Permission = "device:configure"
	PermPlanSubmit       Permission = "plan:submit"
	PermPlanAbort        Permission = "plan:abort"
	PermRunRead          Permission = "run:read"
	PermRunExport        Permission = "run:export"
	PermPositionManage   Permission = "position:manage"
	PermConsoleManage    Permission = "console:manage"
	PermFacilityManage   Permission = "facility:manage"
	PermCommissionManage Permission = "commission:manage"
	PermUserManage       Permission = "user:manage"
	PermUserManageAll    Permission = "user:manage:all"
	PermSystemAdmin      Permission = "system:admin"
	PermSystemDangerous  Permission = "system:dangerous"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
// Console permissions are handled separately via hutch scoping.
var rolePermissions = map[Role][]Permission{
	RoleObserver: {
		PermDeviceRead,
		PermRunRead,
		PermRunExport,
	},
	RoleOperator: {
		PermDeviceRead,
		PermDeviceOperate,
		PermRunRead,
		PermRunExport,
		PermPlanSubmit, // hutch-scoped: only where can_run_plans=1
		PermPlanAbort,
		PermPositionManage,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceConfigure,
		PermRunRead,
		PermRunExport,
		PermPlanSubmit,
		PermPlanAbort,
		PermPositionManage,
		PermConsoleManage,
		PermFacilityManage,
		PermCommissionManage,
		PermUserManage,
		PermSystemAdmin,
	},
	RoleOwner: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceConfigure,
		PermRunRead,
		PermRunExport,
		PermPlanSubmit,
		PermPlanAbort,
		PermPositionManage,
		PermConsoleManage,
		PermFacilityManage,
		PermCommissionManage,
		PermUserManage,
		PermUserManageAll,
		PermSystemAdmin,
		PermSystemDangerous,
	},
}

// consolePermissions are the permissions available to console workstation identities.
// All console permissions are hutch-scoped via console_hutch_access.
var consolePermissions = []Permission{
	PermDeviceRead,
	PermDeviceOperate,
	PermRunRead,
	PermPlanSubmit,
	PermPlanAbort,
}

// HasPermission returns true if the given role has the specified permission.
// For the console role, use HasConsolePermission instead.
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

// HasConsolePermission returns true if consoles have the specified permission.
func HasConsolePermission(perm Permission) bool {
	for _, p := range consolePermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}

// IsHutchScoped returns true if the role's permissions are subject to hutch scoping.
// Observer and operator accounts are hutch-scoped; so are console identities.
func IsHutchScoped(role Role) bool {
	return role == RoleObserver || role == RoleOperator
}

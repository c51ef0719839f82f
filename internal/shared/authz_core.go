package shared

// Core administrative permissions guarding the admin API.
const (
	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView   = "permissions.view"
	PermPermissionsManage = "permissions.manage"

	PermAuditView   = "audit.view"
	PermAuditVerify = "audit.verify"
	PermAuditManage = "audit.manage"

	PermSecurityView = "security.view"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermPermissionsManage,
		PermAuditView,
		PermAuditVerify,
		PermAuditManage,
		PermSecurityView,
	}
}

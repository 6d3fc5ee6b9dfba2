package auth

import "slices"

// Permission is a capability checked by API handlers.
type Permission string

const (
	PermDeviceRead    Permission = "device:read"
	PermDeviceOperate Permission = "device:operate"
	PermDiscoveryPoke Permission = "discovery:poke"
	PermClientManage  Permission = "client:manage"
)

// rolePermissions is the complete authorisation table.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceRead,
	},
	RoleOperator: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDiscoveryPoke,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDiscoveryPoke,
		PermClientManage,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

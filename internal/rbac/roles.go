package rbac

// Role names carried in access tokens.
const (
	RoleOwner      = "owner"
	RoleAgent      = "agent"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

package rbac

// Role names. Keep these stable; they are part of the connect-token contract.
const (
	RoleClinician = "clinician"
	RoleClient    = "client"
	RoleAdmin     = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsKnownRole reports whether a presented role is one the booking platform issues.
func IsKnownRole(role string) bool {
	switch role {
	case RoleClinician, RoleClient, RoleAdmin:
		return true
	default:
		return false
	}
}

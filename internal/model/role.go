package model

type Role string

const (
	RoleScout      Role = "scout"
	RoleBookmaker  Role = "bookmaker"
	RoleSupervisor Role = "supervisor"
)

// KnownRole reports whether r is one of the roles the messenger recognizes.
func KnownRole(r Role) bool {
	switch r {
	case RoleScout, RoleBookmaker, RoleSupervisor:
		return true
	}
	return false
}

// PickRole selects the messenger role from a list of account roles.
// Supervisor wins over bookmaker, bookmaker over scout.
func PickRole(roles []string) (Role, bool) {
	var found Role
	for _, r := range roles {
		switch Role(r) {
		case RoleSupervisor:
			return RoleSupervisor, true
		case RoleBookmaker:
			found = RoleBookmaker
		case RoleScout:
			if found == "" {
				found = RoleScout
			}
		}
	}
	return found, found != ""
}

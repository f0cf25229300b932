package state

// Role is a member's capability level inside one room. A membership record
// carries exactly one role.
type Role int

const (
	RoleGuest Role = iota
	RoleSpecial
	RoleManager
	RoleMaster
)

var roleNames = map[Role]string{
	RoleGuest:   "guest",
	RoleSpecial: "special",
	RoleManager: "manager",
	RoleMaster:  "master",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseRole validates a wire-supplied role name.
func ParseRole(s string) (Role, bool) {
	for role, name := range roleNames {
		if name == s {
			return role, true
		}
	}
	return RoleGuest, false
}

// CanSubmit reports whether the role may trigger a backend dispatch in
// HostSubmit and MasterOnly rooms.
func (r Role) CanSubmit() bool {
	return r == RoleMaster || r == RoleManager
}

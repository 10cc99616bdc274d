// ABOUTME: Actor identity and role model consumed by the dispatch core
// ABOUTME: The core trusts the role handed to it; enforcement lives upstream

package auth

// Role describes what an actor may see and do.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Valid reports whether the role is one the dispatch core understands.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// Elevated reports whether the role carries supervisor-level visibility.
func (r Role) Elevated() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// Actor identifies a connected human. It is a read-only reference owned by
// the external identity collaborator.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

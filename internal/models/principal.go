package models

// Role identifies which side of a conversation a principal speaks for.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleBot      Role = "bot"
	RoleSystem   Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAgent, RoleBot, RoleSystem:
		return true
	}
	return false
}

// Staff reports whether the role acts on behalf of the business.
func (r Role) Staff() bool {
	return r == RoleAgent || r == RoleBot || r == RoleSystem
}

// Principal is an authenticated identity behind a connection or request.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
}

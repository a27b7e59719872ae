package tenant

import "time"

// Status enumerates tenant lifecycle states.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is the root isolation boundary. Every grant row belongs to exactly
// one tenant and is never resolved across this boundary.
type Tenant struct {
	ID        string
	Name      string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the tenant may resolve permissions.
func (t Tenant) Active() bool {
	return t.Status == StatusActive
}

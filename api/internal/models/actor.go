package models

import "github.com/google/uuid"

const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleManager   = "manager"
	RoleCashier   = "cashier"
	RolePOSDevice = "pos_device"
)

// Actor is the caller an operation runs on behalf of.
type Actor struct {
	BranchID uuid.UUID
	ActorID  string
	Role     string
}

// Privileged reports whether the actor may manage devices and conflicts.
func (a Actor) Privileged() bool {
	switch a.Role {
	case RoleOwner, RoleAdmin, RoleManager:
		return true
	}
	return false
}

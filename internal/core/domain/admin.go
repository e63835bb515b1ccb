package domain

import "slices"

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleApprover  Role = "approver"
	RoleExecutor  Role = "executor"
	RoleOverride  Role = "override"
	RoleVerifier  Role = "verifier"
	RoleAuditor   Role = "auditor"
	RoleCustodian Role = "custodian"
)

// Admin is a privileged operator. TOTPSecret is never serialized.
type Admin struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Roles      []Role `json:"roles"`
	TOTPSecret string `json:"-"`
	Active     bool   `json:"active"`
}

// HasRole reports whether the admin holds role.
func (a *Admin) HasRole(role Role) bool {
	return slices.Contains(a.Roles, role)
}

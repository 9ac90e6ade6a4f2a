package models

import "strings"

// ActorRole identifies who performs an operation.
type ActorRole string

const (
	RoleCustomer ActorRole = "customer"
	RolePro      ActorRole = "pro"
	RoleAdmin    ActorRole = "admin"
	// RoleSystem is used by the payment callback, the sweeper and automated dispute rules.
	RoleSystem ActorRole = "system"
)

func ParseActorRole(raw string) (ActorRole, bool) {
	role := ActorRole(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleCustomer, RolePro, RoleAdmin, RoleSystem:
		return role, true
	}
	return "", false
}

// Actor is the authenticated caller supplied by the gateway.
type Actor struct {
	ID   int64     `json:"id"`
	Role ActorRole `json:"role"`
}

func SystemActor() Actor {
	return Actor{Role: RoleSystem}
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

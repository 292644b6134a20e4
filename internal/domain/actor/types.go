// Package actor contains the domain types for principals: the users and
// services that submit runs, resolve approvals, and call the control plane.
package actor

import "time"

// Role grants a capability level inside a workspace.
type Role string

const (
	// RoleAdmin can manage sources, policies, credentials, and cancel any
	// run in the workspace.
	RoleAdmin Role = "admin"
	// RoleMember can submit runs and resolve approvals for their own runs.
	RoleMember Role = "member"
)

// IsValid returns true if the role is known.
func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Actor is the principal behind a run or a control-plane request. Anonymous
// actors (auth disabled, dev mode) carry a stable bootstrap id and behave
// like any other actor.
type Actor struct {
	// ID is the unique identifier for this actor.
	ID string `json:"id"`
	// Name is a display name.
	Name string `json:"name,omitempty"`
	// WorkspaceID is the actor's home workspace.
	WorkspaceID string `json:"workspaceId,omitempty"`
	// Roles are the capability levels granted to this actor.
	Roles []Role `json:"roles,omitempty"`
	// Anonymous marks the bootstrap actor used when auth is disabled.
	Anonymous bool `json:"anonymous,omitempty"`
}

// HasRole returns true if the actor holds the given role.
func (a *Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin returns true if the actor may administer the workspace.
func (a *Actor) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

// APIKey maps a hashed control-plane key to an actor.
type APIKey struct {
	// Hash is the stored key hash (argon2id PHC format or SHA-256 hex).
	Hash string `json:"hash"`
	// ActorID is the actor this key authenticates as.
	ActorID string `json:"actorId"`
	// Name is a human-readable label.
	Name string `json:"name,omitempty"`
	// CreatedAt is when the key was created (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt is when the key expires (nil = never).
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// Revoked marks the key unusable without deleting it.
	Revoked bool `json:"revoked,omitempty"`
}

// IsExpired returns true if the key has an expiry in the past.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*k.ExpiresAt)
}

package model

import (
	"github.com/awcullen/opcua/ua"
)

type IdentityKind int

const (
	IdentityAnonymous IdentityKind = iota
	IdentityUserName
	IdentityX509
	IdentityIssued
)

func (k IdentityKind) String() string {
	switch k {
	case IdentityUserName:
		return "UserName"
	case IdentityX509:
		return "X509"
	case IdentityIssued:
		return "Issued"
	default:
		return "Anonymous"
	}
}

// Identity is the user a session (or a session-less owner) acts as.
type Identity struct {
	Kind        IdentityKind
	DisplayName string
	// Token is the ua identity the client presented. Secrets are not kept.
	Token ua.Variant
	Roles []ua.NodeID
}

// Anonymous returns the identity of an unauthenticated user.
func Anonymous() *Identity {
	return &Identity{
		Kind:        IdentityAnonymous,
		DisplayName: "Anonymous",
		Token:       ua.AnonymousIdentity{},
		Roles:       []ua.NodeID{ua.ObjectIDWellKnownRoleAnonymous},
	}
}

// NewIdentity maps a client identity token to an Identity. It returns
// BadIdentityTokenInvalid for unknown token types.
func NewIdentity(token ua.Variant) (*Identity, error) {
	switch t := token.(type) {
	case nil:
		return Anonymous(), nil
	case ua.AnonymousIdentity:
		return Anonymous(), nil
	case ua.UserNameIdentity:
		return &Identity{
			Kind:        IdentityUserName,
			DisplayName: t.UserName,
			Token:       ua.UserNameIdentity{UserName: t.UserName},
			Roles:       []ua.NodeID{ua.ObjectIDWellKnownRoleAuthenticatedUser},
		}, nil
	case ua.X509Identity:
		return &Identity{
			Kind:        IdentityX509,
			DisplayName: "X509",
			Token:       ua.X509Identity{Certificate: t.Certificate},
			Roles:       []ua.NodeID{ua.ObjectIDWellKnownRoleAuthenticatedUser},
		}, nil
	case ua.IssuedIdentity:
		return &Identity{
			Kind:        IdentityIssued,
			DisplayName: "Issued",
			Token:       ua.IssuedIdentity{TokenData: t.TokenData},
			Roles:       []ua.NodeID{ua.ObjectIDWellKnownRoleAuthenticatedUser},
		}, nil
	}
	return nil, ua.BadIdentityTokenInvalid
}

// OwnerIdentity rebuilds the owner of a persisted subscription. Secrets are
// never persisted, so only the kind and the display name survive.
func OwnerIdentity(kind IdentityKind, displayName string) *Identity {
	switch kind {
	case IdentityAnonymous:
		return Anonymous()
	case IdentityUserName:
		return &Identity{
			Kind:        IdentityUserName,
			DisplayName: displayName,
			Token:       ua.UserNameIdentity{UserName: displayName},
			Roles:       []ua.NodeID{ua.ObjectIDWellKnownRoleAuthenticatedUser},
		}
	}
	return &Identity{
		Kind:        kind,
		DisplayName: displayName,
		Roles:       []ua.NodeID{ua.ObjectIDWellKnownRoleAuthenticatedUser},
	}
}

// Equal compares the identity tokens, not the granted roles.
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	if i.Kind != other.Kind || i.DisplayName != other.DisplayName {
		return false
	}
	switch a := i.Token.(type) {
	case ua.X509Identity:
		b, ok := other.Token.(ua.X509Identity)
		return ok && a.Certificate == b.Certificate
	case ua.IssuedIdentity:
		b, ok := other.Token.(ua.IssuedIdentity)
		return ok && a.TokenData == b.TokenData
	}
	return true
}

func (i *Identity) HasRole(role ua.NodeID) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

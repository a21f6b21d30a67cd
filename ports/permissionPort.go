package ports

import (
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/awcullen/opcua/ua"
)

// PermissionValidator decides whether an identity may act on a node.
type PermissionValidator interface {

	// ValidateRolePermission returns nil when granted, BadUserAccessDenied
	// otherwise.
	ValidateRolePermission(identity *model.Identity, nodeID ua.NodeID, permission ua.PermissionType) error
}

// PermissionValidatorFunc adapts a function to PermissionValidator.
type PermissionValidatorFunc func(identity *model.Identity, nodeID ua.NodeID, permission ua.PermissionType) error

// ValidateRolePermission calls f with the identity, node and permission.
func (f PermissionValidatorFunc) ValidateRolePermission(identity *model.Identity, nodeID ua.NodeID, permission ua.PermissionType) error {
	return f(identity, nodeID, permission)
}

// AllowAll grants every permission.
var AllowAll = PermissionValidatorFunc(func(*model.Identity, ua.NodeID, ua.PermissionType) error { return nil })

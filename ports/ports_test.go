package ports

import (
	"testing"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/stretchr/testify/assert"
)

func TestPermissionValidatorFunc(t *testing.T) {
	node := ua.NewNodeIDNumeric(2, 1)
	var gotNode ua.NodeID
	var gotPermission ua.PermissionType
	var v PermissionValidator = PermissionValidatorFunc(func(identity *model.Identity, nodeID ua.NodeID, permission ua.PermissionType) error {
		gotNode, gotPermission = nodeID, permission
		if permission == ua.PermissionTypeWrite {
			return ua.BadUserAccessDenied
		}
		return nil
	})

	assert.NoError(t, v.ValidateRolePermission(model.Anonymous(), node, ua.PermissionTypeRead))
	assert.Equal(t, node, gotNode)
	assert.Equal(t, ua.PermissionTypeRead, gotPermission)
	assert.Equal(t, ua.BadUserAccessDenied, v.ValidateRolePermission(model.Anonymous(), node, ua.PermissionTypeWrite))
}

func TestAuditFunc(t *testing.T) {
	var got []*model.AuditEvent
	var sink AuditSink = AuditFunc(func(evt *model.AuditEvent) { got = append(got, evt) })
	evt := &model.AuditEvent{Kind: model.AuditCancel}
	sink.Audit(evt)
	NopAudit.Audit(evt)
	assert.Equal(t, []*model.AuditEvent{evt}, got)
}

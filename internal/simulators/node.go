package simulators

import (
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
)

// Node is a node of the simulated address space.
type Node struct {
	sync.RWMutex
	id            ua.NodeID
	class         ua.NodeClass
	browseName    ua.QualifiedName
	eventNotifier byte
	value         ua.DataValue
	permissions   ports.PermissionValidator
	background    *model.OperationContext
	stateChanged  ports.StateChangedFunc
	reportEvent   ports.ReportEventFunc
}

func (n *Node) NodeID() ua.NodeID {
	return n.id
}

func (n *Node) NodeClass() ua.NodeClass {
	return n.class
}

func (n *Node) EventNotifier() byte {
	return n.eventNotifier
}

func (n *Node) BrowseName() ua.QualifiedName {
	return n.browseName
}

// ReadAttribute reads an attribute on behalf of ctx.UserIdentity().
func (n *Node) ReadAttribute(ctx *model.OperationContext, attributeID uint32, indexRange string, encoding ua.QualifiedName) (*ua.DataValue, error) {
	if indexRange != "" {
		return nil, ua.BadIndexRangeNoData
	}
	if encoding.Name != "" {
		return nil, ua.BadDataEncodingInvalid
	}
	n.RLock()
	defer n.RUnlock()
	now := time.Now()
	var value ua.Variant
	switch attributeID {
	case ua.AttributeIDNodeID:
		value = n.id
	case ua.AttributeIDNodeClass:
		value = int32(n.class)
	case ua.AttributeIDBrowseName:
		value = n.browseName
	case ua.AttributeIDDisplayName:
		value = ua.LocalizedText{Text: n.browseName.Name}
	case ua.AttributeIDEventNotifier:
		if n.class != ua.NodeClassObject {
			return nil, ua.BadAttributeIDInvalid
		}
		value = n.eventNotifier
	case ua.AttributeIDValue:
		if n.class != ua.NodeClassVariable {
			return nil, ua.BadAttributeIDInvalid
		}
		if err := n.permissions.ValidateRolePermission(ctx.UserIdentity(), n.id, ua.PermissionTypeRead); err != nil {
			return nil, err
		}
		v := n.value
		return &v, nil
	default:
		return nil, ua.BadAttributeIDInvalid
	}
	v := ua.NewDataValue(value, ua.Good, time.Time{}, 0, now, 0)
	return &v, nil
}

func (n *Node) SetStateChanged(fn ports.StateChangedFunc) {
	n.Lock()
	defer n.Unlock()
	n.stateChanged = fn
}

func (n *Node) SetReportEvent(fn ports.ReportEventFunc) {
	n.Lock()
	defer n.Unlock()
	n.reportEvent = fn
}

// Value returns the current value of a variable.
func (n *Node) Value() ua.DataValue {
	n.RLock()
	defer n.RUnlock()
	return n.value
}

// Write sets the value and tells the monitored items about it.
func (n *Node) Write(value ua.Variant, status ua.StatusCode) {
	now := time.Now()
	n.Lock()
	n.value = ua.NewDataValue(value, status, now, 0, now, 0)
	fn := n.stateChanged
	n.Unlock()
	if fn != nil {
		fn(n.background, n, model.ChangeValue)
	}
}

// Rename changes the browse name, a non-value change.
func (n *Node) Rename(name string) {
	n.Lock()
	n.browseName = ua.QualifiedName{NamespaceIndex: n.browseName.NamespaceIndex, Name: name}
	fn := n.stateChanged
	n.Unlock()
	if fn != nil {
		fn(n.background, n, model.ChangeNonValue)
	}
}

// ReportEvent hands evt to the event items watching the node. It returns
// false when nothing watches it.
func (n *Node) ReportEvent(ctx *model.OperationContext, evt ua.Event) bool {
	n.RLock()
	fn := n.reportEvent
	n.RUnlock()
	if fn == nil {
		return false
	}
	if ctx == nil {
		ctx = n.background
	}
	fn(ctx, n, evt)
	return true
}

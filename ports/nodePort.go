package ports

import (
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/awcullen/opcua/ua"
)

// StateChangedFunc is installed on a node while data change items watch it.
type StateChangedFunc func(ctx *model.OperationContext, node MonitorableNode, changes model.ChangeMask)

// ReportEventFunc is installed on a node while event items watch it.
type ReportEventFunc func(ctx *model.OperationContext, node MonitorableNode, evt ua.Event)

// NodeAccess reads attributes from the address space.
type NodeAccess interface {

	// ReadAttribute returns the current value of the attribute on behalf of
	// ctx.UserIdentity(). A nil value with a nil error means the read
	// produced nothing.
	ReadAttribute(ctx *model.OperationContext, id ua.ReadValueID) (*ua.DataValue, error)
}

// MonitorableNode is a node that can push changes and events to the engine.
type MonitorableNode interface {
	NodeID() ua.NodeID
	NodeClass() ua.NodeClass
	EventNotifier() byte

	// ReadAttribute reads an attribute of this node.
	ReadAttribute(ctx *model.OperationContext, attributeID uint32, indexRange string, encoding ua.QualifiedName) (*ua.DataValue, error)

	// SetStateChanged installs (or with nil removes) the change hook.
	SetStateChanged(fn StateChangedFunc)

	// SetReportEvent installs (or with nil removes) the event hook.
	SetReportEvent(fn ReportEventFunc)
}

// NodeManager is the slice of the address space the engine consumes.
type NodeManager interface {
	NodeAccess

	// FindNode returns the node or false when it is unknown.
	FindNode(id ua.NodeID) (MonitorableNode, bool)
}

package itemmanager

import (
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
)

// directManager binds data change items to the change hook of their node.
// Nothing is polled; the sampling interval is kept as requested.
type directManager struct {
	*catalogue
}

func (m *directManager) CreateMonitoredItem(ctx *model.OperationContext, node ports.MonitorableNode, p monitoreditem.Params) (*monitoreditem.MonitoredItem, error) {
	if node == nil {
		return nil, ua.BadNodeIDUnknown
	}
	p.ID = m.nextID()
	p.Node = node
	p.QueueSize = monitoreditem.ReviseQueueSize(p.QueueSize, p.Durable, m.deps.Limits)
	if p.Session == nil {
		p.Session = ctx.Session
	}
	if p.Owner == nil {
		p.Owner = ctx.UserIdentity()
	}
	if p.IsSubtype == nil {
		p.IsSubtype = m.deps.IsSubtype
	}
	item := monitoreditem.New(p)
	if err := m.store(item); err != nil {
		return nil, err
	}

	m.nodesMu.Lock()
	mn := m.monitoredNode(node)
	mn.AddDataChange(item)
	m.nodesMu.Unlock()

	if item.MonitoringMode() != ua.MonitoringModeDisabled {
		mn.ReadInitialValue(item)
	}
	return item, nil
}

func (m *directManager) ModifyMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, p monitoreditem.ModifyParams) error {
	if err := m.validate(item); err != nil {
		return err
	}
	p.QueueSize = monitoreditem.ReviseQueueSize(p.QueueSize, item.Durable(), m.deps.Limits)
	item.Modify(p)
	return nil
}

func (m *directManager) DeleteMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem) error {
	if err := m.validate(item); err != nil {
		return err
	}
	m.nodesMu.Lock()
	if node := item.Node(); node != nil {
		if mn, ok := m.nodes[node.NodeID()]; ok {
			mn.RemoveDataChange(item)
			m.releaseNode(mn)
		}
	}
	m.nodesMu.Unlock()
	m.items.Delete(item.ID())
	item.Delete()
	return nil
}

func (m *directManager) SetMonitoringMode(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, mode ua.MonitoringMode) (ua.MonitoringMode, error) {
	if err := m.validate(item); err != nil {
		return mode, err
	}
	prev := item.SetMonitoringMode(mode)
	if prev == ua.MonitoringModeDisabled && mode != ua.MonitoringModeDisabled {
		m.nodesMu.Lock()
		mn, ok := m.nodes[item.NodeID()]
		m.nodesMu.Unlock()
		if ok {
			mn.ReadInitialValue(item)
		} else {
			m.readInitialValue(ctx, item)
		}
	}
	return prev, nil
}

func (m *directManager) RestoreMonitoredItem(st model.StoredMonitoredItem, owner *model.Identity, node ports.MonitorableNode) (*monitoreditem.MonitoredItem, error) {
	if node == nil {
		return nil, ua.BadNodeIDUnknown
	}
	if owner == nil {
		owner = model.Anonymous()
	}
	st.QueueSize = monitoreditem.ReviseQueueSize(st.QueueSize, st.IsDurable, m.deps.Limits)
	item := monitoreditem.FromStored(st, owner, node, m.deps.IsSubtype)
	m.deps.IDs.Observe(item.ID())
	if err := m.store(item); err != nil {
		return nil, err
	}
	m.nodesMu.Lock()
	m.monitoredNode(node).AddDataChange(item)
	m.nodesMu.Unlock()
	return item, nil
}

func (m *directManager) TransferMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, sendInitialValue bool) error {
	if err := m.validate(item); err != nil {
		return err
	}
	item.SetSession(ctx.Session)
	if sendInitialValue && item.MonitoringMode() != ua.MonitoringModeDisabled {
		m.readInitialValue(ctx, item)
	}
	return nil
}

// ApplyChanges is a no-op, bindings take effect immediately.
func (m *directManager) ApplyChanges() {}

func (m *directManager) Close() {
	m.closeNodes()
}

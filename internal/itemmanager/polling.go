package itemmanager

import (
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/internal/sampling"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
)

// pollingManager hands data change items to sampling groups.
type pollingManager struct {
	*catalogue
	sampler *sampling.Manager
}

func (m *pollingManager) CreateMonitoredItem(ctx *model.OperationContext, node ports.MonitorableNode, p monitoreditem.Params) (*monitoreditem.MonitoredItem, error) {
	if p.SamplingInterval == 0 {
		p.SamplingInterval = 1
	}
	p.ID = m.nextID()
	p.Node = node
	if p.IsSubtype == nil {
		p.IsSubtype = m.deps.IsSubtype
	}
	item, err := m.sampler.CreateMonitoredItem(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := m.store(item); err != nil {
		m.sampler.StopMonitoring(item)
		return nil, err
	}
	return item, nil
}

func (m *pollingManager) ModifyMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, p monitoreditem.ModifyParams) error {
	if err := m.validate(item); err != nil {
		return err
	}
	if p.SamplingInterval == 0 {
		p.SamplingInterval = 1
	}
	return m.sampler.ModifyMonitoredItem(ctx, item, p)
}

func (m *pollingManager) DeleteMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem) error {
	if err := m.validate(item); err != nil {
		return err
	}
	m.sampler.StopMonitoring(item)
	m.items.Delete(item.ID())
	item.Delete()
	return nil
}

func (m *pollingManager) SetMonitoringMode(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, mode ua.MonitoringMode) (ua.MonitoringMode, error) {
	if err := m.validate(item); err != nil {
		return mode, err
	}
	prev, err := m.sampler.SetMonitoringMode(ctx, item, mode)
	if err != nil {
		return prev, err
	}
	if prev == ua.MonitoringModeDisabled && mode != ua.MonitoringModeDisabled {
		m.readInitialValue(ctx, item)
	}
	return prev, nil
}

func (m *pollingManager) RestoreMonitoredItem(st model.StoredMonitoredItem, owner *model.Identity, node ports.MonitorableNode) (*monitoreditem.MonitoredItem, error) {
	if st.SamplingInterval == 0 {
		st.SamplingInterval = 1
	}
	st.SamplingInterval = m.sampler.Rates().AdjustSamplingInterval(st.SamplingInterval)
	item, err := m.sampler.RestoreMonitoredItem(st, owner, node)
	if err != nil {
		return nil, err
	}
	m.deps.IDs.Observe(item.ID())
	if err := m.store(item); err != nil {
		m.sampler.StopMonitoring(item)
		return nil, err
	}
	return item, nil
}

// TransferMonitoredItem regroups the item since groups are keyed by
// session.
func (m *pollingManager) TransferMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, sendInitialValue bool) error {
	if err := m.validate(item); err != nil {
		return err
	}
	if item.Session() != ctx.Session {
		m.sampler.StopMonitoring(item)
		item.SetSession(ctx.Session)
		if err := m.sampler.StartMonitoring(ctx, item, item.Owner()); err != nil {
			return err
		}
	}
	if sendInitialValue && item.MonitoringMode() != ua.MonitoringModeDisabled {
		m.readInitialValue(ctx, item)
	}
	return nil
}

func (m *pollingManager) ApplyChanges() {
	m.sampler.ApplyChanges()
}

// Groups exposes the live sampling groups.
func (m *pollingManager) Groups() []*sampling.Group {
	return m.sampler.Groups()
}

func (m *pollingManager) Close() {
	m.sampler.Shutdown()
	m.closeNodes()
}

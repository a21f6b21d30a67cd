package sampling

import (
	"sync"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Manager places polled items into sampling groups.
type Manager struct {
	sync.Mutex
	logger  *zap.SugaredLogger
	nodes   ports.NodeAccess
	rates   RateTable
	limits  monitoreditem.Limits
	pool    *workerpool.WorkerPool
	onCycle CycleFunc
	groups  []*Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithCycleObserver reports every poll cycle of every group.
func WithCycleObserver(fn CycleFunc) Option {
	return func(m *Manager) { m.onCycle = fn }
}

// WithPool takes first samples on the given pool instead of fresh goroutines.
func WithPool(pool *workerpool.WorkerPool) Option {
	return func(m *Manager) { m.pool = pool }
}

func NewManager(logger *zap.SugaredLogger, nodes ports.NodeAccess, rates RateTable, limits monitoreditem.Limits, opts ...Option) *Manager {
	m := &Manager{
		logger: logger,
		nodes:  nodes,
		rates:  rates,
		limits: limits,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rates returns the table used to revise sampling intervals.
func (m *Manager) Rates() RateTable {
	return m.rates
}

// CreateMonitoredItem revises the queue size and sampling interval, builds
// the item and stages it in a matching group.
func (m *Manager) CreateMonitoredItem(ctx *model.OperationContext, p monitoreditem.Params) (*monitoreditem.MonitoredItem, error) {
	p.QueueSize = monitoreditem.ReviseQueueSize(p.QueueSize, p.Durable, m.limits)
	p.SamplingInterval = m.rates.AdjustSamplingInterval(p.SamplingInterval)
	if p.Session == nil {
		p.Session = ctx.Session
	}
	if p.Owner == nil {
		p.Owner = ctx.UserIdentity()
	}
	item := monitoreditem.New(p)
	if err := m.StartMonitoring(ctx, item, p.Owner); err != nil {
		return nil, err
	}
	return item, nil
}

// StartMonitoring stages the item in the first group that accepts it, or
// in a new group. Disabled items are not sampled and stay ungrouped.
func (m *Manager) StartMonitoring(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, owner *model.Identity) error {
	if item.MonitoringMode() == ua.MonitoringModeDisabled {
		return nil
	}
	m.Lock()
	defer m.Unlock()
	for _, g := range m.groups {
		if g.StartMonitoring(ctx, item, owner) {
			return nil
		}
	}
	g, err := NewGroup(m.logger, m.nodes, m.rates, m.pool, ctx, item.SamplingInterval(), owner)
	if err != nil {
		return errors.Wrap(err, "create sampling group")
	}
	g.onCycle = m.onCycle
	if !g.StartMonitoring(ctx, item, owner) {
		return ua.BadUnexpectedError
	}
	m.groups = append(m.groups, g)
	return nil
}

// ModifyMonitoredItem applies the new parameters and moves the item to
// another group when it no longer fits its current one.
func (m *Manager) ModifyMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, p monitoreditem.ModifyParams) error {
	p.QueueSize = monitoreditem.ReviseQueueSize(p.QueueSize, item.Durable(), m.limits)
	p.SamplingInterval = m.rates.AdjustSamplingInterval(p.SamplingInterval)
	item.Modify(p)

	m.Lock()
	for _, g := range m.groups {
		if g.ModifyMonitoring(ctx, item) {
			m.Unlock()
			return nil
		}
	}
	m.Unlock()
	return m.StartMonitoring(ctx, item, item.Owner())
}

// SetMonitoringMode changes the mode and returns the previous one.
// Disabled items leave their group; enabled ones are placed again.
func (m *Manager) SetMonitoringMode(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, mode ua.MonitoringMode) (ua.MonitoringMode, error) {
	prev := item.SetMonitoringMode(mode)
	switch {
	case prev == mode:
	case mode == ua.MonitoringModeDisabled:
		m.StopMonitoring(item)
	case prev == ua.MonitoringModeDisabled:
		if err := m.StartMonitoring(ctx, item, item.Owner()); err != nil {
			return prev, err
		}
	}
	return prev, nil
}

// StopMonitoring stages the removal of the item from its group.
func (m *Manager) StopMonitoring(item *monitoreditem.MonitoredItem) bool {
	m.Lock()
	defer m.Unlock()
	for _, g := range m.groups {
		if g.StopMonitoring(item) {
			return true
		}
	}
	return false
}

// RestoreMonitoredItem rebuilds a persisted item on behalf of owner.
func (m *Manager) RestoreMonitoredItem(st model.StoredMonitoredItem, owner *model.Identity, node ports.MonitorableNode) (*monitoreditem.MonitoredItem, error) {
	st.QueueSize = monitoreditem.ReviseQueueSize(st.QueueSize, st.IsDurable, m.limits)
	if owner == nil {
		owner = model.Anonymous()
	}
	item := monitoreditem.FromStored(st, owner, node, nil)
	ctx := model.NewOwnerContext(owner, st.DiagnosticsMasks)
	defer ctx.Done()
	if err := m.StartMonitoring(ctx, item, owner); err != nil {
		return nil, err
	}
	return item, nil
}

// ApplyChanges applies the staged changes of every group and disposes the
// groups that became empty.
func (m *Manager) ApplyChanges() {
	m.Lock()
	defer m.Unlock()
	groups := m.groups[:0]
	for _, g := range m.groups {
		if g.ApplyChanges() {
			continue
		}
		groups = append(groups, g)
	}
	for i := len(groups); i < len(m.groups); i++ {
		m.groups[i] = nil
	}
	m.groups = groups
}

// Groups returns a snapshot of the live groups.
func (m *Manager) Groups() []*Group {
	m.Lock()
	defer m.Unlock()
	groups := make([]*Group, len(m.groups))
	copy(groups, m.groups)
	return groups
}

// Shutdown stops every group.
func (m *Manager) Shutdown() {
	m.Lock()
	groups := m.groups
	m.groups = nil
	m.Unlock()
	for _, g := range groups {
		g.Shutdown()
	}
}

package events

import (
	"sort"
	"sync"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/internal/monitorednode"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"go.uber.org/zap"
)

// Manager owns the event monitored items of a server and fans server-wide
// events out to them.
type Manager struct {
	sync.Mutex
	logger      *zap.SugaredLogger
	limits      monitoreditem.Limits
	ids         *monitoreditem.IDFactory
	permissions ports.PermissionValidator
	auditing    func() bool
	isSubtype   monitoreditem.SubtypeFunc
	items       map[uint32]*monitoreditem.MonitoredItem
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDs shares an id source with the data change items.
func WithIDs(ids *monitoreditem.IDFactory) Option {
	return func(m *Manager) { m.ids = ids }
}

func WithPermissions(p ports.PermissionValidator) Option {
	return func(m *Manager) { m.permissions = p }
}

func WithAuditing(enabled func() bool) Option {
	return func(m *Manager) { m.auditing = enabled }
}

// WithSubtypes resolves OfType operands of where clauses.
func WithSubtypes(fn monitoreditem.SubtypeFunc) Option {
	return func(m *Manager) { m.isSubtype = fn }
}

// NewManager returns a manager whose queues are clamped by limits, i.e. the
// event queue ceilings of the server.
func NewManager(logger *zap.SugaredLogger, limits monitoreditem.Limits, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger,
		limits:      limits,
		ids:         monitoreditem.NewIDFactory(0),
		permissions: ports.AllowAll,
		auditing:    func() bool { return false },
		items:       map[uint32]*monitoreditem.MonitoredItem{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateMonitoredItem creates an event item. A negative sampling interval
// means the publishing interval of the subscription.
func (m *Manager) CreateMonitoredItem(ctx *model.OperationContext, node ports.MonitorableNode, publishingInterval float64, p monitoreditem.Params) *monitoreditem.MonitoredItem {
	m.Lock()
	defer m.Unlock()

	if p.SamplingInterval < 0 {
		p.SamplingInterval = publishingInterval
	}
	p.QueueSize = monitoreditem.ReviseQueueSize(p.QueueSize, p.Durable, m.limits)
	if p.ID == 0 {
		p.ID = m.nextID()
	}
	p.TypeMask = model.ItemTypeEvents
	p.Node = node
	if p.Session == nil {
		p.Session = ctx.Session
	}
	if p.Owner == nil {
		p.Owner = ctx.UserIdentity()
	}
	if p.IsSubtype == nil {
		p.IsSubtype = m.isSubtype
	}
	if _, ok := p.Filter.(ua.EventFilter); !ok {
		if f, ok := p.Filter.(*ua.EventFilter); ok && f != nil {
			p.Filter = *f
		} else {
			p.Filter = ua.EventFilter{}
		}
	}

	item := monitoreditem.New(p)
	m.items[item.ID()] = item
	return item
}

func (m *Manager) nextID() uint32 {
	for {
		id := m.ids.Next()
		if _, ok := m.items[id]; !ok {
			return id
		}
	}
}

// RestoreMonitoredItem rebuilds a persisted event item on behalf of owner.
func (m *Manager) RestoreMonitoredItem(st model.StoredMonitoredItem, owner *model.Identity, node ports.MonitorableNode) *monitoreditem.MonitoredItem {
	m.Lock()
	defer m.Unlock()

	st.QueueSize = monitoreditem.ReviseQueueSize(st.QueueSize, st.IsDurable, m.limits)
	if owner == nil {
		owner = model.Anonymous()
	}
	item := monitoreditem.FromStored(st, owner, node, m.isSubtype)
	m.ids.Observe(item.ID())
	m.items[item.ID()] = item
	return item
}

// ModifyMonitoredItem changes an item this manager owns. Items it does not
// own are left alone.
func (m *Manager) ModifyMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, p monitoreditem.ModifyParams) {
	m.Lock()
	defer m.Unlock()

	if owned, ok := m.items[item.ID()]; !ok || owned != item {
		return
	}
	p.QueueSize = monitoreditem.ReviseQueueSize(p.QueueSize, item.Durable(), m.limits)
	if p.Filter == nil {
		p.Filter = item.EventFilter()
	}
	item.Modify(p)
}

// DeleteMonitoredItem forgets the item with id.
func (m *Manager) DeleteMonitoredItem(id uint32) {
	m.Lock()
	defer m.Unlock()
	delete(m.items, id)
}

// MonitoredItem returns the item with id.
func (m *Manager) MonitoredItem(id uint32) (*monitoreditem.MonitoredItem, bool) {
	m.Lock()
	defer m.Unlock()
	item, ok := m.items[id]
	return item, ok
}

// MonitoredItems returns the live items ordered by id.
func (m *Manager) MonitoredItems() []*monitoreditem.MonitoredItem {
	m.Lock()
	defer m.Unlock()
	items := make([]*monitoreditem.MonitoredItem, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID() < items[j].ID() })
	return items
}

// ReportEvent offers a server-wide event to every item that may see it and
// returns the number of items that queued it.
func (m *Manager) ReportEvent(ctx *model.OperationContext, evt ua.Event) int {
	if evt == nil {
		return 0
	}
	auditing := m.auditing()
	queued := 0
	for _, item := range m.MonitoredItems() {
		if !monitorednode.AcceptsEvent(ctx, item, ua.ObjectIDServer, evt, auditing, m.permissions) {
			continue
		}
		if item.QueueEvent(evt) {
			queued++
		}
	}
	return queued
}

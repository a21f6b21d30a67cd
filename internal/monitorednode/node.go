package monitorednode

import (
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// DefaultContextLifetime bounds how long a cached item context is reused.
const DefaultContextLifetime = 5 * time.Minute

type cachedContext struct {
	ctx       *model.OperationContext
	session   model.SessionRef
	identity  *model.Identity
	createdAt time.Time
}

// Node binds the monitored items watching one node to the node's change
// and event hooks. The hooks are installed with the first item of each
// kind and removed with the last one.
type Node struct {
	sync.RWMutex
	logger          *zap.SugaredLogger
	node            ports.MonitorableNode
	permissions     ports.PermissionValidator
	auditing        func() bool
	lifetime        time.Duration
	dataChangeItems []*monitoreditem.MonitoredItem
	eventItems      []*monitoreditem.MonitoredItem
	contexts        *ttlcache.Cache[uint32, cachedContext]
}

// Option configures a Node.
type Option func(*Node)

// WithAuditing reports whether server-wide auditing is enabled. Audit
// events are dropped while it returns false.
func WithAuditing(enabled func() bool) Option {
	return func(n *Node) { n.auditing = enabled }
}

// WithContextLifetime overrides DefaultContextLifetime.
func WithContextLifetime(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.lifetime = d
		}
	}
}

func New(logger *zap.SugaredLogger, node ports.MonitorableNode, permissions ports.PermissionValidator, opts ...Option) *Node {
	n := &Node{
		logger:      logger,
		node:        node,
		permissions: permissions,
		auditing:    func() bool { return false },
		lifetime:    DefaultContextLifetime,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.permissions == nil {
		n.permissions = ports.AllowAll
	}
	n.contexts = ttlcache.New[uint32, cachedContext](
		ttlcache.WithTTL[uint32, cachedContext](n.lifetime),
	)
	return n
}

// Node returns the watched node.
func (n *Node) Node() ports.MonitorableNode {
	return n.node
}

// HasMonitoredItems is false once the last item is removed.
func (n *Node) HasMonitoredItems() bool {
	n.RLock()
	defer n.RUnlock()
	return len(n.dataChangeItems) > 0 || len(n.eventItems) > 0
}

// DataChangeItems returns a snapshot of the attached data change items.
func (n *Node) DataChangeItems() []*monitoreditem.MonitoredItem {
	n.RLock()
	defer n.RUnlock()
	items := make([]*monitoreditem.MonitoredItem, len(n.dataChangeItems))
	copy(items, n.dataChangeItems)
	return items
}

// EventItems returns a snapshot of the attached event items.
func (n *Node) EventItems() []*monitoreditem.MonitoredItem {
	n.RLock()
	defer n.RUnlock()
	items := make([]*monitoreditem.MonitoredItem, len(n.eventItems))
	copy(items, n.eventItems)
	return items
}

// AddDataChange attaches a data change item.
func (n *Node) AddDataChange(item *monitoreditem.MonitoredItem) {
	n.Lock()
	defer n.Unlock()
	if len(n.dataChangeItems) == 0 {
		n.node.SetStateChanged(n.OnMonitoredNodeChanged)
	}
	n.dataChangeItems = append(n.dataChangeItems, item)
}

// RemoveDataChange detaches the item; it must be the attached instance.
func (n *Node) RemoveDataChange(item *monitoreditem.MonitoredItem) bool {
	n.Lock()
	defer n.Unlock()
	found := false
	for i, existing := range n.dataChangeItems {
		if existing == item {
			n.dataChangeItems = append(n.dataChangeItems[:i], n.dataChangeItems[i+1:]...)
			found = true
			break
		}
	}
	if found {
		n.contexts.Delete(item.ID())
	}
	if len(n.dataChangeItems) == 0 {
		n.dataChangeItems = nil
		n.node.SetStateChanged(nil)
	}
	return found
}

// AddEvent attaches an event item, replacing any item with the same id.
func (n *Node) AddEvent(item *monitoreditem.MonitoredItem) {
	n.Lock()
	defer n.Unlock()
	if len(n.eventItems) == 0 {
		n.node.SetReportEvent(n.OnReportEvent)
	}
	id := item.ID()
	items := n.eventItems[:0]
	for _, existing := range n.eventItems {
		if existing.ID() != id {
			items = append(items, existing)
		}
	}
	n.eventItems = append(items, item)
}

// RemoveEvent detaches the event item.
func (n *Node) RemoveEvent(item *monitoreditem.MonitoredItem) bool {
	n.Lock()
	defer n.Unlock()
	found := false
	for i, existing := range n.eventItems {
		if existing == item {
			n.eventItems = append(n.eventItems[:i], n.eventItems[i+1:]...)
			found = true
			break
		}
	}
	if len(n.eventItems) == 0 {
		n.eventItems = nil
		n.node.SetReportEvent(nil)
	}
	return found
}

// OnMonitoredNodeChanged is the node's state changed hook. Value items
// react to value changes and need read access; other attributes react to
// non-value changes.
func (n *Node) OnMonitoredNodeChanged(ctx *model.OperationContext, node ports.MonitorableNode, changes model.ChangeMask) {
	for _, item := range n.DataChangeItems() {
		if item.AttributeID() == ua.AttributeIDValue {
			if changes&model.ChangeValue == 0 {
				continue
			}
			if err := n.permissions.ValidateRolePermission(item.EffectiveIdentity(), node.NodeID(), ua.PermissionTypeRead); err != nil {
				continue
			}
			n.QueueValue(node, item)
			continue
		}
		if changes&model.ChangeNonValue != 0 {
			n.QueueValue(node, item)
		}
	}
}

// QueueValue reads the item's attribute from node and queues the result.
func (n *Node) QueueValue(node ports.MonitorableNode, item *monitoreditem.MonitoredItem) bool {
	rv := item.ItemToMonitor()
	value, err := node.ReadAttribute(n.contextFor(item), rv.AttributeID, rv.IndexRange, rv.DataEncoding)
	if err != nil || value == nil {
		v := ua.DataValue{StatusCode: ua.Good, ServerTimestamp: time.Now()}
		if err != nil {
			v.StatusCode = model.StatusOf(err)
		}
		return item.QueueValue(v, err)
	}
	return item.QueueValue(*value, nil)
}

// ReadInitialValue reads the current value and queues it unconditionally.
// A read that yields nothing queues BadWaitingForInitialData.
func (n *Node) ReadInitialValue(item *monitoreditem.MonitoredItem) bool {
	rv := item.ItemToMonitor()
	value, err := n.node.ReadAttribute(n.contextFor(item), rv.AttributeID, rv.IndexRange, rv.DataEncoding)
	if value == nil {
		v := ua.DataValue{StatusCode: ua.BadWaitingForInitialData, ServerTimestamp: time.Now()}
		if err != nil {
			v.StatusCode = model.StatusOf(err)
		}
		return item.QueueInitialValue(v, err)
	}
	return item.QueueInitialValue(*value, err)
}

// OnReportEvent is the node's event hook.
func (n *Node) OnReportEvent(ctx *model.OperationContext, node ports.MonitorableNode, evt ua.Event) {
	for _, item := range n.EventItems() {
		if AcceptsEvent(ctx, item, node.NodeID(), evt, n.auditing(), n.permissions) {
			item.QueueEvent(evt)
		}
	}
}

// AcceptsEvent decides whether evt raised by source may reach item. Audit
// events need auditing and an encrypted channel, every event needs the
// ReceiveEvents permission, and events raised within a session only reach
// items of that session.
func AcceptsEvent(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, source ua.NodeID, evt ua.Event, auditing bool, permissions ports.PermissionValidator) bool {
	if a, ok := evt.(model.Auditable); ok && a.IsAudit() {
		if !auditing {
			return false
		}
		session := item.Session()
		if session == nil || !session.Channel().Encrypted() {
			return false
		}
	}
	if err := permissions.ValidateRolePermission(item.EffectiveIdentity(), source, ua.PermissionTypeReceiveEvents); err != nil {
		return false
	}
	if sessionID := ctx.SessionID(); sessionID != nil {
		if session := item.Session(); session != nil && session.ID() != sessionID {
			return false
		}
	}
	return true
}

// contextFor returns the cached context of the item, rebuilt when the
// item changed session or identity or the entry is too old.
func (n *Node) contextFor(item *monitoreditem.MonitoredItem) *model.OperationContext {
	id := item.ID()
	session := item.Session()
	identity := item.EffectiveIdentity()
	if entry := n.contexts.Get(id); entry != nil {
		c := entry.Value()
		if c.session == session && c.identity == identity && time.Since(c.createdAt) <= n.lifetime {
			return c.ctx
		}
	}
	ctx := model.NewItemContext(session, identity, item.DiagnosticsMasks())
	n.contexts.Set(id, cachedContext{ctx: ctx, session: session, identity: identity, createdAt: time.Now()}, ttlcache.DefaultTTL)
	return ctx
}

// CachedContexts returns the number of cached item contexts.
func (n *Node) CachedContexts() int {
	return n.contexts.Len()
}

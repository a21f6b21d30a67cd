package itemmanager

import (
	"sort"
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/internal/monitorednode"
	"github.com/amine-amaach/uacore/internal/sampling"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind selects how data change items are served.
type Kind string

const (
	// KindMonitoredNode binds items to the node's change hook.
	KindMonitoredNode Kind = "monitored_node"
	// KindSamplingGroup polls items in sampling groups.
	KindSamplingGroup Kind = "sampling_group"
)

// Manager owns the monitored items of one node manager.
type Manager interface {
	// CreateMonitoredItem assigns an id, revises the queue size and starts
	// monitoring node.
	CreateMonitoredItem(ctx *model.OperationContext, node ports.MonitorableNode, p monitoreditem.Params) (*monitoreditem.MonitoredItem, error)
	ModifyMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, p monitoreditem.ModifyParams) error
	DeleteMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem) error
	// SetMonitoringMode returns the previous mode. Enabling a disabled item
	// queues its current value before returning.
	SetMonitoringMode(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, mode ua.MonitoringMode) (ua.MonitoringMode, error)
	RestoreMonitoredItem(st model.StoredMonitoredItem, owner *model.Identity, node ports.MonitorableNode) (*monitoreditem.MonitoredItem, error)
	// TransferMonitoredItem moves a data change item to the session of ctx,
	// or detaches it when ctx has none. With sendInitialValue the current
	// value is queued.
	TransferMonitoredItem(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, sendInitialValue bool) error
	// SubscribeToEvents attaches (or detaches) an event item to node.
	SubscribeToEvents(ctx *model.OperationContext, node ports.MonitorableNode, item *monitoreditem.MonitoredItem, unsubscribe bool) (*monitorednode.Node, error)
	ApplyChanges()
	MonitoredItem(id uint32) (*monitoreditem.MonitoredItem, bool)
	MonitoredItems() []*monitoreditem.MonitoredItem
	MonitoredNodes() []*monitorednode.Node
	Close()
}

// Deps are the collaborators shared by both strategies.
type Deps struct {
	Logger          *zap.SugaredLogger
	Nodes           ports.NodeAccess
	Permissions     ports.PermissionValidator
	Rates           sampling.RateTable
	Limits          monitoreditem.Limits
	IDs             *monitoreditem.IDFactory
	Pool            *workerpool.WorkerPool
	Auditing        func() bool
	ContextLifetime time.Duration
	OnCycle         sampling.CycleFunc
	IsSubtype       monitoreditem.SubtypeFunc
}

// New returns the strategy selected by kind.
func New(kind Kind, deps Deps) (Manager, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.IDs == nil {
		deps.IDs = monitoreditem.NewIDFactory(0)
	}
	if deps.Permissions == nil {
		deps.Permissions = ports.AllowAll
	}
	if deps.Auditing == nil {
		deps.Auditing = func() bool { return false }
	}
	base := newCatalogue(deps)
	switch kind {
	case KindMonitoredNode:
		return &directManager{catalogue: base}, nil
	case KindSamplingGroup, "":
		opts := []sampling.Option{sampling.WithPool(deps.Pool)}
		if deps.OnCycle != nil {
			opts = append(opts, sampling.WithCycleObserver(deps.OnCycle))
		}
		return &pollingManager{
			catalogue: base,
			sampler:   sampling.NewManager(deps.Logger, deps.Nodes, deps.Rates, deps.Limits, opts...),
		}, nil
	}
	return nil, errors.Errorf("unknown monitored item manager %q", kind)
}

// catalogue holds what both strategies share: the item table, the
// monitored nodes and the id source.
type catalogue struct {
	deps  Deps
	items sync.Map // uint32 -> *monitoreditem.MonitoredItem

	nodesMu sync.Mutex
	nodes   map[ua.NodeID]*monitorednode.Node
}

func newCatalogue(deps Deps) *catalogue {
	return &catalogue{deps: deps, nodes: map[ua.NodeID]*monitorednode.Node{}}
}

// nextID returns an id no live item uses.
func (c *catalogue) nextID() uint32 {
	for {
		id := c.deps.IDs.Next()
		if _, ok := c.items.Load(id); !ok {
			return id
		}
	}
}

// validate checks that item is the instance stored under its id.
func (c *catalogue) validate(item *monitoreditem.MonitoredItem) error {
	if item == nil {
		return ua.BadMonitoredItemIDInvalid
	}
	existing, ok := c.items.Load(item.ID())
	if !ok || existing.(*monitoreditem.MonitoredItem) != item {
		return ua.BadMonitoredItemIDInvalid
	}
	return nil
}

func (c *catalogue) store(item *monitoreditem.MonitoredItem) error {
	if _, loaded := c.items.LoadOrStore(item.ID(), item); loaded {
		return ua.BadUnexpectedError
	}
	return nil
}

func (c *catalogue) MonitoredItem(id uint32) (*monitoreditem.MonitoredItem, bool) {
	v, ok := c.items.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*monitoreditem.MonitoredItem), true
}

// MonitoredItems returns the items ordered by id.
func (c *catalogue) MonitoredItems() []*monitoreditem.MonitoredItem {
	var items []*monitoreditem.MonitoredItem
	c.items.Range(func(_, v any) bool {
		items = append(items, v.(*monitoreditem.MonitoredItem))
		return true
	})
	sort.Slice(items, func(i, j int) bool { return items[i].ID() < items[j].ID() })
	return items
}

func (c *catalogue) MonitoredNodes() []*monitorednode.Node {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()
	nodes := make([]*monitorednode.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// monitoredNode returns the binding for node, creating it on first use.
// The caller holds nodesMu.
func (c *catalogue) monitoredNode(node ports.MonitorableNode) *monitorednode.Node {
	if mn, ok := c.nodes[node.NodeID()]; ok {
		return mn
	}
	mn := monitorednode.New(c.deps.Logger, node, c.deps.Permissions,
		monitorednode.WithAuditing(c.deps.Auditing),
		monitorednode.WithContextLifetime(c.deps.ContextLifetime))
	c.nodes[node.NodeID()] = mn
	return mn
}

func (c *catalogue) releaseNode(mn *monitorednode.Node) {
	if !mn.HasMonitoredItems() {
		delete(c.nodes, mn.Node().NodeID())
	}
}

// SubscribeToEvents attaches or detaches an event item. Only objects and
// views with the SubscribeToEvents notifier raise events.
func (c *catalogue) SubscribeToEvents(ctx *model.OperationContext, node ports.MonitorableNode, item *monitoreditem.MonitoredItem, unsubscribe bool) (*monitorednode.Node, error) {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()

	if unsubscribe {
		mn, ok := c.nodes[node.NodeID()]
		if !ok {
			return nil, ua.BadNodeIDUnknown
		}
		mn.RemoveEvent(item)
		c.items.Delete(item.ID())
		c.releaseNode(mn)
		return mn, nil
	}

	switch node.NodeClass() {
	case ua.NodeClassObject, ua.NodeClassView:
		if node.EventNotifier()&ua.EventNotifierSubscribeToEvents == 0 {
			return nil, ua.BadNotSupported
		}
	default:
		return nil, ua.BadNotSupported
	}

	if existing, loaded := c.items.LoadOrStore(item.ID(), item); loaded && existing.(*monitoreditem.MonitoredItem) != item {
		return nil, ua.BadUnexpectedError
	}
	mn := c.monitoredNode(node)
	mn.AddEvent(item)
	return mn, nil
}

// readInitialValue reads the current value of node for item and queues it
// unconditionally. It defaults to BadWaitingForInitialData.
func (c *catalogue) readInitialValue(ctx *model.OperationContext, item *monitoreditem.MonitoredItem) {
	value := ua.DataValue{StatusCode: ua.BadWaitingForInitialData, ServerTimestamp: time.Now()}
	var readErr error
	if node := item.Node(); node != nil {
		rv := item.ItemToMonitor()
		dv, err := node.ReadAttribute(ctx, rv.AttributeID, rv.IndexRange, rv.DataEncoding)
		switch {
		case err != nil:
			value.StatusCode = model.StatusOf(err)
			readErr = err
		case dv != nil:
			value = *dv
		}
	}
	item.QueueInitialValue(value, readErr)
}

// closeNodes detaches every item from its node.
func (c *catalogue) closeNodes() {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()
	for id, mn := range c.nodes {
		for _, item := range mn.DataChangeItems() {
			mn.RemoveDataChange(item)
		}
		for _, item := range mn.EventItems() {
			mn.RemoveEvent(item)
		}
		delete(c.nodes, id)
	}
}

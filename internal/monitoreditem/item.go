package monitoreditem

import (
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	deque "github.com/gammazero/deque"
)

// Params are the creation parameters of a MonitoredItem. QueueSize is
// expected to be revised already (see ReviseQueueSize).
type Params struct {
	ID                     uint32
	SubscriptionID         uint32
	TypeMask               model.ItemTypeMask
	ItemToMonitor          ua.ReadValueID
	MonitoringMode         ua.MonitoringMode
	ClientHandle           uint32
	SamplingInterval       float64
	SourceSamplingInterval float64
	QueueSize              uint32
	DiscardOldest          bool
	TimestampsToReturn     ua.TimestampsToReturn
	DiagnosticsMasks       model.DiagnosticsMasks
	// Filter is a ua.DataChangeFilter or a ua.EventFilter.
	Filter              any
	Range               *model.Range
	Durable             bool
	AlwaysReportUpdates bool
	Session             model.SessionRef
	Owner               *model.Identity
	Node                ports.MonitorableNode
	IsSubtype           SubtypeFunc
}

// ModifyParams are the parameters a client may change on an existing item.
type ModifyParams struct {
	ClientHandle       uint32
	SamplingInterval   float64
	QueueSize          uint32
	DiscardOldest      bool
	TimestampsToReturn ua.TimestampsToReturn
	DiagnosticsMasks   model.DiagnosticsMasks
	Filter             any
	Range              *model.Range
}

// MonitoredItem is one client request to watch an attribute or the events
// of a node. Values and events are queued until the subscription publishes.
type MonitoredItem struct {
	sync.RWMutex
	id                     uint32
	subscriptionID         uint32
	typeMask               model.ItemTypeMask
	itemToMonitor          ua.ReadValueID
	monitoringMode         ua.MonitoringMode
	clientHandle           uint32
	samplingInterval       float64
	sourceSamplingInterval float64
	queueSize              uint32
	discardOldest          bool
	timestampsToReturn     ua.TimestampsToReturn
	diagnosticsMasks       model.DiagnosticsMasks
	originalFilter         any
	dataChangeFilter       ua.DataChangeFilter
	eventFilter            ua.EventFilter
	euRange                *model.Range
	durable                bool
	alwaysReportUpdates    bool
	session                model.SessionRef
	owner                  *model.Identity
	node                   ports.MonitorableNode
	isSubtype              SubtypeFunc
	queue                  deque.Deque[ua.DataValue]
	events                 deque.Deque[[]ua.Variant]
	previousQueuedValue    ua.DataValue
	lastError              ua.StatusCode
	overflowCount          uint32
}

// New constructs a MonitoredItem.
func New(p Params) *MonitoredItem {
	mi := &MonitoredItem{
		id:                     p.ID,
		subscriptionID:         p.SubscriptionID,
		typeMask:               p.TypeMask,
		itemToMonitor:          p.ItemToMonitor,
		monitoringMode:         p.MonitoringMode,
		clientHandle:           p.ClientHandle,
		samplingInterval:       p.SamplingInterval,
		sourceSamplingInterval: p.SourceSamplingInterval,
		discardOldest:          p.DiscardOldest,
		timestampsToReturn:     p.TimestampsToReturn,
		diagnosticsMasks:       p.DiagnosticsMasks,
		euRange:                p.Range,
		durable:                p.Durable,
		alwaysReportUpdates:    p.AlwaysReportUpdates,
		session:                p.Session,
		owner:                  p.Owner,
		node:                   p.Node,
		isSubtype:              p.IsSubtype,
		queue:                  deque.Deque[ua.DataValue]{},
		events:                 deque.Deque[[]ua.Variant]{},
		previousQueuedValue:    initialValue(),
	}
	if mi.owner == nil && mi.session != nil {
		mi.owner = mi.session.EffectiveIdentity()
	}
	mi.setQueueSize(p.QueueSize)
	mi.setFilter(p.Filter)
	return mi
}

func initialValue() ua.DataValue {
	return ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, 0, time.Time{}, 0)
}

// ID returns the identifier of the MonitoredItem, 0 once deleted.
func (mi *MonitoredItem) ID() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.id
}

// Created is false once the item has been deleted.
func (mi *MonitoredItem) Created() bool {
	return mi.ID() != 0
}

func (mi *MonitoredItem) SubscriptionID() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.subscriptionID
}

func (mi *MonitoredItem) TypeMask() model.ItemTypeMask {
	return mi.typeMask
}

// IsDataChange reports whether the item watches an attribute value.
func (mi *MonitoredItem) IsDataChange() bool {
	return mi.typeMask&model.ItemTypeDataChange != 0
}

// IsEvent reports whether the item watches events.
func (mi *MonitoredItem) IsEvent() bool {
	return mi.typeMask&(model.ItemTypeEvents|model.ItemTypeAllEvents) != 0
}

// ItemToMonitor returns the ReadValueID of the MonitoredItem.
func (mi *MonitoredItem) ItemToMonitor() ua.ReadValueID {
	return mi.itemToMonitor
}

func (mi *MonitoredItem) NodeID() ua.NodeID {
	return mi.itemToMonitor.NodeID
}

func (mi *MonitoredItem) AttributeID() uint32 {
	return mi.itemToMonitor.AttributeID
}

// MonitoringMode returns the monitoring mode of the MonitoredItem.
func (mi *MonitoredItem) MonitoringMode() ua.MonitoringMode {
	mi.RLock()
	defer mi.RUnlock()
	return mi.monitoringMode
}

// ClientHandle returns the client handle of the MonitoredItem.
func (mi *MonitoredItem) ClientHandle() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.clientHandle
}

// SamplingInterval returns the sampling interval in ms of the MonitoredItem.
func (mi *MonitoredItem) SamplingInterval() float64 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.samplingInterval
}

// SetSamplingInterval records the interval revised by the sampling layer.
func (mi *MonitoredItem) SetSamplingInterval(v float64) {
	mi.Lock()
	mi.samplingInterval = v
	mi.Unlock()
}

func (mi *MonitoredItem) SourceSamplingInterval() float64 {
	return mi.sourceSamplingInterval
}

// QueueSize returns the queue size of the MonitoredItem.
func (mi *MonitoredItem) QueueSize() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.queueSize
}

func (mi *MonitoredItem) DiscardOldest() bool {
	mi.RLock()
	defer mi.RUnlock()
	return mi.discardOldest
}

func (mi *MonitoredItem) TimestampsToReturn() ua.TimestampsToReturn {
	mi.RLock()
	defer mi.RUnlock()
	return mi.timestampsToReturn
}

func (mi *MonitoredItem) DiagnosticsMasks() model.DiagnosticsMasks {
	mi.RLock()
	defer mi.RUnlock()
	return mi.diagnosticsMasks
}

func (mi *MonitoredItem) Durable() bool {
	return mi.durable
}

func (mi *MonitoredItem) DataChangeFilter() ua.DataChangeFilter {
	mi.RLock()
	defer mi.RUnlock()
	return mi.dataChangeFilter
}

func (mi *MonitoredItem) EventFilter() ua.EventFilter {
	mi.RLock()
	defer mi.RUnlock()
	return mi.eventFilter
}

// Session returns the owning session, nil for restored durable items that
// have not been transferred yet.
func (mi *MonitoredItem) Session() model.SessionRef {
	mi.RLock()
	defer mi.RUnlock()
	return mi.session
}

// SetSession moves the item to another session, e.g. on transfer.
func (mi *MonitoredItem) SetSession(s model.SessionRef) {
	mi.Lock()
	defer mi.Unlock()
	mi.session = s
	if s != nil {
		if id := s.EffectiveIdentity(); id != nil {
			mi.owner = id
		}
	}
}

// Owner is the identity that created the item.
func (mi *MonitoredItem) Owner() *model.Identity {
	mi.RLock()
	defer mi.RUnlock()
	return mi.owner
}

// EffectiveIdentity returns the identity checks are made against: the
// session's effective identity, or the saved owner when session-less.
func (mi *MonitoredItem) EffectiveIdentity() *model.Identity {
	mi.RLock()
	defer mi.RUnlock()
	if mi.session != nil {
		if id := mi.session.EffectiveIdentity(); id != nil {
			return id
		}
	}
	return mi.owner
}

// Node returns the monitored node, nil once deleted.
func (mi *MonitoredItem) Node() ports.MonitorableNode {
	mi.RLock()
	defer mi.RUnlock()
	return mi.node
}

func (mi *MonitoredItem) LastValue() ua.DataValue {
	mi.RLock()
	defer mi.RUnlock()
	return mi.previousQueuedValue
}

func (mi *MonitoredItem) LastError() ua.StatusCode {
	mi.RLock()
	defer mi.RUnlock()
	return mi.lastError
}

// OverflowCount is the number of notifications discarded by a full queue.
func (mi *MonitoredItem) OverflowCount() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.overflowCount
}

// Modify changes the client parameters. The caller revises the queue size
// and the sampling interval.
func (mi *MonitoredItem) Modify(p ModifyParams) {
	mi.Lock()
	defer mi.Unlock()
	mi.clientHandle = p.ClientHandle
	mi.samplingInterval = p.SamplingInterval
	mi.discardOldest = p.DiscardOldest
	mi.timestampsToReturn = p.TimestampsToReturn
	mi.diagnosticsMasks = p.DiagnosticsMasks
	if p.Range != nil {
		mi.euRange = p.Range
	}
	mi.setQueueSize(p.QueueSize)
	mi.setFilter(p.Filter)
}

// SetMonitoringMode changes the mode and returns the previous one. Going to
// Disabled drops everything queued.
func (mi *MonitoredItem) SetMonitoringMode(mode ua.MonitoringMode) ua.MonitoringMode {
	mi.Lock()
	defer mi.Unlock()
	prev := mi.monitoringMode
	if prev == mode {
		return prev
	}
	mi.monitoringMode = mode
	if mode == ua.MonitoringModeDisabled {
		mi.queue.Clear()
		mi.events.Clear()
		mi.previousQueuedValue = initialValue()
	}
	return prev
}

// Delete marks the item deleted and drops its queue.
func (mi *MonitoredItem) Delete() {
	mi.Lock()
	defer mi.Unlock()
	mi.id = 0
	mi.queue.Clear()
	mi.events.Clear()
	mi.node = nil
	mi.previousQueuedValue = initialValue()
}

func (mi *MonitoredItem) setQueueSize(queueSize uint32) {
	if queueSize < 1 {
		queueSize = 1
	}
	mi.queueSize = queueSize

	// trim to size
	overflow := false
	for mi.queue.Len() > int(mi.queueSize) {
		if mi.discardOldest {
			mi.queue.PopFront()
		} else {
			mi.queue.PopBack()
		}
		overflow = true
	}
	for mi.events.Len() > int(mi.queueSize) {
		if mi.discardOldest {
			mi.events.PopFront()
		} else {
			mi.events.PopBack()
		}
	}
	if overflow && mi.queueSize > 1 {
		mi.markOverflow()
	}
}

func (mi *MonitoredItem) setFilter(filter any) {
	mi.originalFilter = filter
	switch f := filter.(type) {
	case ua.DataChangeFilter:
		mi.dataChangeFilter = f
	case *ua.DataChangeFilter:
		mi.dataChangeFilter = *f
	case ua.EventFilter:
		mi.eventFilter = f
	case *ua.EventFilter:
		mi.eventFilter = *f
	default:
		mi.dataChangeFilter = ua.DataChangeFilter{Trigger: ua.DataChangeTriggerStatusValue}
		mi.eventFilter = ua.EventFilter{}
	}
}

// markOverflow sets the overflow bit on the value next to the discarded one.
func (mi *MonitoredItem) markOverflow() {
	if mi.queue.Len() == 0 {
		return
	}
	if mi.discardOldest {
		v := mi.queue.PopFront()
		v.StatusCode = ua.StatusCode(uint32(v.StatusCode) | ua.InfoTypeDataValue | ua.Overflow)
		mi.queue.PushFront(v)
	} else {
		v := mi.queue.PopBack()
		v.StatusCode = ua.StatusCode(uint32(v.StatusCode) | ua.InfoTypeDataValue | ua.Overflow)
		mi.queue.PushBack(v)
	}
}

func (mi *MonitoredItem) enqueue(item ua.DataValue) {
	overflow := false
	if mi.discardOldest {
		for mi.queue.Len() >= int(mi.queueSize) {
			mi.queue.PopFront() // discard oldest
			overflow = true
		}
	} else {
		for mi.queue.Len() >= int(mi.queueSize) {
			mi.queue.PopBack() // discard newest
			overflow = true
		}
	}
	mi.queue.PushBack(item)
	if overflow {
		mi.overflowCount++
		if mi.queueSize > 1 {
			mi.markOverflow()
		}
	}
}

// QueueValue offers a sampled value (or a read error) to the item. It
// returns true when a notification was queued.
func (mi *MonitoredItem) QueueValue(value ua.DataValue, err error) bool {
	return mi.queueValue(value, err, false)
}

// QueueInitialValue queues the value unconditionally, e.g. the first sample
// after the item is enabled.
func (mi *MonitoredItem) QueueInitialValue(value ua.DataValue, err error) bool {
	return mi.queueValue(value, err, true)
}

func (mi *MonitoredItem) queueValue(value ua.DataValue, err error, force bool) bool {
	mi.Lock()
	defer mi.Unlock()
	if mi.id == 0 || !mi.IsDataChange() || mi.monitoringMode == ua.MonitoringModeDisabled {
		return false
	}
	mi.lastError = ua.Good
	if err != nil {
		mi.lastError = model.StatusOf(err)
		value = ua.NewDataValue(nil, mi.lastError, value.SourceTimestamp, 0, value.ServerTimestamp, 0)
	}
	if value.ServerTimestamp.IsZero() {
		value.ServerTimestamp = time.Now()
	}
	if !force && !mi.alwaysReportUpdates && !isDataChange(mi.dataChangeFilter, mi.euRange, value, mi.previousQueuedValue) {
		return false
	}
	mi.previousQueuedValue = value
	mi.enqueue(withTimestamps(value, mi.timestampsToReturn))
	return true
}

// QueueEvent offers an event to the item. The where clause decides whether
// it is kept; the select clauses pick the reported fields.
func (mi *MonitoredItem) QueueEvent(evt ua.Event) bool {
	mi.Lock()
	defer mi.Unlock()
	if mi.id == 0 || !mi.IsEvent() || mi.monitoringMode == ua.MonitoringModeDisabled {
		return false
	}
	if res, ok := whereClause(mi.eventFilter, mi.isSubtype, evt, 0).(bool); !ok || !res {
		return false
	}
	fields := selectFields(mi.eventFilter, evt)
	overflow := false
	for mi.events.Len() >= int(mi.queueSize) {
		if mi.discardOldest {
			mi.events.PopFront() // discard oldest
		} else {
			mi.events.PopBack() // discard newest
		}
		overflow = true
	}
	mi.events.PushBack(fields)
	if overflow {
		mi.overflowCount++
	}
	return true
}

// HasNotifications reports whether Publish would return anything.
func (mi *MonitoredItem) HasNotifications() bool {
	mi.RLock()
	defer mi.RUnlock()
	return mi.monitoringMode == ua.MonitoringModeReporting && (mi.queue.Len() > 0 || mi.events.Len() > 0)
}

// Publish drains up to max notifications. Items in Sampling mode keep their
// queue. more is true when notifications remain.
func (mi *MonitoredItem) Publish(max int) (data []model.DataChangeNotification, events []model.EventNotification, more bool) {
	mi.Lock()
	defer mi.Unlock()
	if mi.monitoringMode != ua.MonitoringModeReporting {
		return nil, nil, false
	}
	for n := 0; n < max; n++ {
		if mi.queue.Len() > 0 {
			data = append(data, model.DataChangeNotification{ClientHandle: mi.clientHandle, Value: mi.queue.PopFront()})
		} else if mi.events.Len() > 0 {
			events = append(events, model.EventNotification{ClientHandle: mi.clientHandle, Fields: mi.events.PopFront()})
		} else {
			break
		}
	}
	more = mi.queue.Len() > 0 || mi.events.Len() > 0
	return data, events, more
}

// ToStored builds the persisted form of the item.
func (mi *MonitoredItem) ToStored() model.StoredMonitoredItem {
	mi.RLock()
	defer mi.RUnlock()
	st := model.StoredMonitoredItem{
		SubscriptionID:         mi.subscriptionID,
		ID:                     mi.id,
		TypeMask:               mi.typeMask,
		NodeID:                 model.FormatNodeID(mi.itemToMonitor.NodeID),
		AttributeID:            mi.itemToMonitor.AttributeID,
		IndexRange:             mi.itemToMonitor.IndexRange,
		Encoding:               model.FormatQualifiedName(mi.itemToMonitor.DataEncoding),
		DiagnosticsMasks:       mi.diagnosticsMasks,
		TimestampsToReturn:     mi.timestampsToReturn,
		ClientHandle:           mi.clientHandle,
		MonitoringMode:         mi.monitoringMode,
		Range:                  mi.euRange,
		SamplingInterval:       mi.samplingInterval,
		QueueSize:              mi.queueSize,
		DiscardOldest:          mi.discardOldest,
		SourceSamplingInterval: mi.sourceSamplingInterval,
		AlwaysReportUpdates:    mi.alwaysReportUpdates,
		IsDurable:              mi.durable,
		LastError:              mi.lastError,
		StoredAt:               time.Now(),
	}
	if mi.owner != nil {
		st.Owner = mi.owner.DisplayName
	}
	if mi.IsDataChange() {
		filter := &model.StoredDataChangeFilter{
			Trigger:       uint32(mi.dataChangeFilter.Trigger),
			DeadbandType:  mi.dataChangeFilter.DeadbandType,
			DeadbandValue: mi.dataChangeFilter.DeadbandValue,
		}
		st.FilterToUse = filter
		if _, ok := mi.originalFilter.(ua.DataChangeFilter); ok {
			st.OriginalFilter = filter
		}
		if mi.previousQueuedValue.StatusCode != ua.BadWaitingForInitialData {
			st.LastValue = model.NewStoredValue(mi.previousQueuedValue)
		}
	}
	if mi.IsEvent() {
		for _, clause := range mi.eventFilter.SelectClauses {
			st.EventFields = append(st.EventFields, model.FormatSelectClause(clause))
		}
	}
	return st
}

// FromStored rebuilds an item of a durable subscription. The item starts
// without a session and reports on behalf of owner.
func FromStored(st model.StoredMonitoredItem, owner *model.Identity, node ports.MonitorableNode, isSubtype SubtypeFunc) *MonitoredItem {
	var filter any
	if st.TypeMask&model.ItemTypeDataChange != 0 && st.OriginalFilter != nil {
		filter = ua.DataChangeFilter{
			Trigger:       ua.DataChangeTrigger(st.OriginalFilter.Trigger),
			DeadbandType:  st.OriginalFilter.DeadbandType,
			DeadbandValue: st.OriginalFilter.DeadbandValue,
		}
	}
	if st.TypeMask&(model.ItemTypeEvents|model.ItemTypeAllEvents) != 0 {
		ef := ua.EventFilter{}
		for _, f := range st.EventFields {
			ef.SelectClauses = append(ef.SelectClauses, model.ParseSelectClause(f))
		}
		filter = ef
	}
	mi := New(Params{
		ID:             st.ID,
		SubscriptionID: st.SubscriptionID,
		TypeMask:       st.TypeMask,
		ItemToMonitor: ua.ReadValueID{
			NodeID:       ua.ParseNodeID(st.NodeID),
			AttributeID:  st.AttributeID,
			IndexRange:   st.IndexRange,
			DataEncoding: model.ParseQualifiedName(st.Encoding),
		},
		MonitoringMode:         st.MonitoringMode,
		ClientHandle:           st.ClientHandle,
		SamplingInterval:       st.SamplingInterval,
		SourceSamplingInterval: st.SourceSamplingInterval,
		QueueSize:              st.QueueSize,
		DiscardOldest:          st.DiscardOldest,
		TimestampsToReturn:     st.TimestampsToReturn,
		DiagnosticsMasks:       st.DiagnosticsMasks,
		Filter:                 filter,
		Range:                  st.Range,
		Durable:                st.IsDurable,
		AlwaysReportUpdates:    st.AlwaysReportUpdates,
		Owner:                  owner,
		Node:                   node,
		IsSubtype:              isSubtype,
	})
	if st.LastValue != nil {
		mi.previousQueuedValue = st.LastValue.ToDataValue()
	}
	mi.lastError = st.LastError
	return mi
}

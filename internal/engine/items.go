package engine

import (
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
)

func validTimestamps(ttr ua.TimestampsToReturn) bool {
	return ttr >= ua.TimestampsToReturnSource && ttr <= ua.TimestampsToReturnNeither
}

func isServerObject(node ports.MonitorableNode) bool {
	return node.NodeID() == ua.ObjectIDServer
}

// eventFilterOf accepts a missing filter or an EventFilter.
func eventFilterOf(filter any) (ua.EventFilter, bool) {
	switch f := filter.(type) {
	case nil:
		return ua.EventFilter{}, true
	case ua.EventFilter:
		return f, true
	case *ua.EventFilter:
		if f == nil {
			return ua.EventFilter{}, true
		}
		return *f, true
	}
	return ua.EventFilter{}, false
}

// dataChangeFilterAllowed accepts a missing filter, or a DataChangeFilter
// on the Value attribute.
func dataChangeFilterAllowed(attributeID uint32, filter any) bool {
	switch filter.(type) {
	case nil:
		return true
	case ua.DataChangeFilter, *ua.DataChangeFilter:
		return attributeID == ua.AttributeIDValue
	}
	return false
}

// CreateMonitoredItems creates the items in order. Item failures are
// reported in their result slot and do not stop the others.
func (s *Server) CreateMonitoredItems(header model.RequestHeader, channel model.ChannelBinding, subscriptionID uint32, ttr ua.TimestampsToReturn, requests []ua.MonitoredItemCreateRequest) (results []ua.MonitoredItemCreateResult, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeCreateMonitoredItems)
	if err != nil {
		return nil, err
	}
	defer func() { s.end(ctx, err) }()

	sub, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !validTimestamps(ttr) {
		return nil, ua.BadTimestampsToReturnInvalid
	}
	if len(requests) == 0 {
		return nil, ua.BadNothingToDo
	}

	results = make([]ua.MonitoredItemCreateResult, len(requests))
	sub.Lock()
	for i, req := range requests {
		if err := ctx.Err(); err != nil {
			results[i] = ua.MonitoredItemCreateResult{StatusCode: model.StatusOf(err)}
			continue
		}
		results[i] = s.createItem(ctx, sub, ttr, req)
	}
	sub.Unlock()
	s.items.ApplyChanges()
	s.updateItemMetrics()
	return results, nil
}

func (s *Server) createItem(ctx *model.OperationContext, sub *subscription, ttr ua.TimestampsToReturn, req ua.MonitoredItemCreateRequest) ua.MonitoredItemCreateResult {
	if req.MonitoringMode > ua.MonitoringModeReporting {
		return ua.MonitoredItemCreateResult{StatusCode: ua.BadMonitoringModeInvalid}
	}
	node, ok := s.nodes.FindNode(req.ItemToMonitor.NodeID)
	if !ok {
		return ua.MonitoredItemCreateResult{StatusCode: ua.BadNodeIDUnknown}
	}
	rp := req.RequestedParameters
	p := monitoreditem.Params{
		SubscriptionID:     sub.id,
		ItemToMonitor:      req.ItemToMonitor,
		MonitoringMode:     req.MonitoringMode,
		ClientHandle:       rp.ClientHandle,
		SamplingInterval:   rp.SamplingInterval,
		QueueSize:          rp.QueueSize,
		DiscardOldest:      rp.DiscardOldest,
		TimestampsToReturn: ttr,
		DiagnosticsMasks:   ctx.DiagnosticsMask,
		Filter:             rp.Filter,
		Durable:            sub.durable,
		Session:            ctx.Session,
		Owner:              ctx.UserIdentity(),
	}

	var entry *itemEntry
	var err error
	if req.ItemToMonitor.AttributeID == ua.AttributeIDEventNotifier {
		entry, err = s.createEventItem(ctx, sub, node, p)
	} else {
		entry, err = s.createDataItem(ctx, sub, node, p)
	}
	if err != nil {
		return ua.MonitoredItemCreateResult{StatusCode: model.StatusOf(err)}
	}
	sub.items[entry.item.ID()] = entry
	return ua.MonitoredItemCreateResult{
		StatusCode:              ua.Good,
		MonitoredItemID:         entry.item.ID(),
		RevisedSamplingInterval: entry.item.SamplingInterval(),
		RevisedQueueSize:        entry.item.QueueSize(),
	}
}

func (s *Server) createDataItem(ctx *model.OperationContext, sub *subscription, node ports.MonitorableNode, p monitoreditem.Params) (*itemEntry, error) {
	if !dataChangeFilterAllowed(p.ItemToMonitor.AttributeID, p.Filter) {
		return nil, ua.BadFilterNotAllowed
	}
	if p.ItemToMonitor.AttributeID == ua.AttributeIDValue {
		if err := s.permissions.ValidateRolePermission(ctx.UserIdentity(), node.NodeID(), ua.PermissionTypeRead); err != nil {
			return nil, err
		}
	}
	if p.SamplingInterval < 0 {
		p.SamplingInterval = sub.publishingInterval
	}
	p.TypeMask = model.ItemTypeDataChange
	item, err := s.items.CreateMonitoredItem(ctx, node, p)
	if err != nil {
		return nil, err
	}
	return &itemEntry{item: item, kind: dataItem, node: node}, nil
}

// createEventItem serves the Server object through the event manager and
// any other notifier through its monitored node.
func (s *Server) createEventItem(ctx *model.OperationContext, sub *subscription, node ports.MonitorableNode, p monitoreditem.Params) (*itemEntry, error) {
	ef, ok := eventFilterOf(p.Filter)
	if !ok {
		return nil, ua.BadFilterNotAllowed
	}
	if err := monitoreditem.ValidateEventFilter(ef); err != nil {
		return nil, err
	}
	p.Filter = ef
	if err := s.permissions.ValidateRolePermission(ctx.UserIdentity(), node.NodeID(), ua.PermissionTypeReceiveEvents); err != nil {
		return nil, err
	}

	if isServerObject(node) {
		item := s.events.CreateMonitoredItem(ctx, node, sub.publishingInterval, p)
		return &itemEntry{item: item, kind: serverEventItem, node: node}, nil
	}

	if p.SamplingInterval < 0 {
		p.SamplingInterval = sub.publishingInterval
	}
	p.ID = s.ids.Next()
	p.TypeMask = model.ItemTypeEvents
	p.Node = node
	p.QueueSize = monitoreditem.ReviseQueueSize(p.QueueSize, p.Durable, s.eventLimits())
	item := monitoreditem.New(p)
	if _, err := s.items.SubscribeToEvents(ctx, node, item, false); err != nil {
		return nil, err
	}
	return &itemEntry{item: item, kind: nodeEventItem, node: node}, nil
}

// ModifyMonitoredItems changes the client parameters of existing items.
func (s *Server) ModifyMonitoredItems(header model.RequestHeader, channel model.ChannelBinding, subscriptionID uint32, ttr ua.TimestampsToReturn, requests []ua.MonitoredItemModifyRequest) (results []ua.MonitoredItemModifyResult, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeModifyMonitoredItems)
	if err != nil {
		return nil, err
	}
	defer func() { s.end(ctx, err) }()

	sub, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !validTimestamps(ttr) {
		return nil, ua.BadTimestampsToReturnInvalid
	}
	if len(requests) == 0 {
		return nil, ua.BadNothingToDo
	}

	results = make([]ua.MonitoredItemModifyResult, len(requests))
	sub.Lock()
	for i, req := range requests {
		if err := ctx.Err(); err != nil {
			results[i] = ua.MonitoredItemModifyResult{StatusCode: model.StatusOf(err)}
			continue
		}
		entry, ok := sub.items[req.MonitoredItemID]
		if !ok {
			results[i] = ua.MonitoredItemModifyResult{StatusCode: ua.BadMonitoredItemIDInvalid}
			continue
		}
		if err := s.modifyItem(ctx, sub, entry, ttr, req.RequestedParameters); err != nil {
			results[i] = ua.MonitoredItemModifyResult{StatusCode: model.StatusOf(err)}
			continue
		}
		results[i] = ua.MonitoredItemModifyResult{
			StatusCode:              ua.Good,
			RevisedSamplingInterval: entry.item.SamplingInterval(),
			RevisedQueueSize:        entry.item.QueueSize(),
		}
	}
	sub.Unlock()
	s.items.ApplyChanges()
	return results, nil
}

func (s *Server) modifyItem(ctx *model.OperationContext, sub *subscription, entry *itemEntry, ttr ua.TimestampsToReturn, rp ua.MonitoringParameters) error {
	mp := monitoreditem.ModifyParams{
		ClientHandle:       rp.ClientHandle,
		SamplingInterval:   rp.SamplingInterval,
		QueueSize:          rp.QueueSize,
		DiscardOldest:      rp.DiscardOldest,
		TimestampsToReturn: ttr,
		DiagnosticsMasks:   ctx.DiagnosticsMask,
		Filter:             rp.Filter,
	}
	if mp.SamplingInterval < 0 {
		mp.SamplingInterval = sub.publishingInterval
	}

	if entry.kind == dataItem {
		if !dataChangeFilterAllowed(entry.item.AttributeID(), mp.Filter) {
			return ua.BadFilterNotAllowed
		}
		return s.items.ModifyMonitoredItem(ctx, entry.item, mp)
	}

	ef, ok := eventFilterOf(mp.Filter)
	if !ok {
		return ua.BadFilterNotAllowed
	}
	if mp.Filter == nil {
		ef = entry.item.EventFilter()
	} else if err := monitoreditem.ValidateEventFilter(ef); err != nil {
		return err
	}
	mp.Filter = ef
	if entry.kind == serverEventItem {
		s.events.ModifyMonitoredItem(ctx, entry.item, mp)
		return nil
	}
	mp.QueueSize = monitoreditem.ReviseQueueSize(mp.QueueSize, entry.item.Durable(), s.eventLimits())
	entry.item.Modify(mp)
	return nil
}

// SetMonitoringMode changes the mode of the listed items.
func (s *Server) SetMonitoringMode(header model.RequestHeader, channel model.ChannelBinding, subscriptionID uint32, mode ua.MonitoringMode, ids []uint32) (results []ua.StatusCode, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeSetMonitoringMode)
	if err != nil {
		return nil, err
	}
	defer func() { s.end(ctx, err) }()

	sub, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if mode > ua.MonitoringModeReporting {
		return nil, ua.BadMonitoringModeInvalid
	}
	if len(ids) == 0 {
		return nil, ua.BadNothingToDo
	}

	results = make([]ua.StatusCode, len(ids))
	sub.Lock()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			results[i] = model.StatusOf(err)
			continue
		}
		entry, ok := sub.items[id]
		if !ok {
			results[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		if entry.kind == dataItem {
			if _, err := s.items.SetMonitoringMode(ctx, entry.item, mode); err != nil {
				results[i] = model.StatusOf(err)
				continue
			}
		} else {
			entry.item.SetMonitoringMode(mode)
		}
		results[i] = ua.Good
	}
	sub.Unlock()
	s.items.ApplyChanges()
	return results, nil
}

// DeleteMonitoredItems deletes the listed items. Deleting an id twice
// reports BadMonitoredItemIdInvalid the second time.
func (s *Server) DeleteMonitoredItems(header model.RequestHeader, channel model.ChannelBinding, subscriptionID uint32, ids []uint32) (results []ua.StatusCode, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeDeleteMonitoredItems)
	if err != nil {
		return nil, err
	}
	defer func() { s.end(ctx, err) }()

	sub, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ua.BadNothingToDo
	}

	results = make([]ua.StatusCode, len(ids))
	sub.Lock()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			results[i] = model.StatusOf(err)
			continue
		}
		entry, ok := sub.items[id]
		if !ok {
			results[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		delete(sub.items, id)
		results[i] = model.StatusOf(s.deleteItem(ctx, entry))
	}
	sub.Unlock()
	s.items.ApplyChanges()
	s.updateItemMetrics()
	return results, nil
}

func (s *Server) deleteItem(ctx *model.OperationContext, entry *itemEntry) error {
	switch entry.kind {
	case serverEventItem:
		s.events.DeleteMonitoredItem(entry.item.ID())
		entry.item.Delete()
		return nil
	case nodeEventItem:
		_, err := s.items.SubscribeToEvents(ctx, entry.node, entry.item, true)
		entry.item.Delete()
		return err
	}
	return s.items.DeleteMonitoredItem(ctx, entry.item)
}

// TransferMonitoredItems moves a subscription with all its items to the
// session of the caller. Only the owner identity may take it over. Items
// listed with sendInitialValues queue their current value.
func (s *Server) TransferMonitoredItems(header model.RequestHeader, channel model.ChannelBinding, subscriptionID uint32, sendInitialValues bool, ids []uint32) (results []ua.StatusCode, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeTransferSubscriptions)
	if err != nil {
		return nil, err
	}
	defer func() { s.end(ctx, err) }()

	if ctx.Session == nil {
		return nil, ua.BadSessionIDInvalid
	}
	s.subsMu.RLock()
	sub, ok := s.subs[subscriptionID]
	s.subsMu.RUnlock()
	if !ok {
		return nil, ua.BadSubscriptionIDInvalid
	}

	sub.Lock()
	defer sub.Unlock()
	if !sub.owner.Equal(ctx.UserIdentity()) {
		return nil, ua.BadUserAccessDenied
	}

	listed := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		listed[id] = true
	}
	moved := sub.session != ctx.Session
	sub.session = ctx.Session
	failed := map[uint32]error{}
	for id, entry := range sub.items {
		if !moved && !(sendInitialValues && listed[id]) {
			continue
		}
		if err := s.rebind(ctx, entry, sendInitialValues && listed[id]); err != nil {
			failed[id] = err
		}
	}
	s.items.ApplyChanges()

	results = make([]ua.StatusCode, len(ids))
	for i, id := range ids {
		if _, ok := sub.items[id]; !ok {
			results[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		results[i] = model.StatusOf(failed[id])
	}
	if moved {
		s.logger.Infof("Subscription %d transferred to session %s", sub.id, model.FormatNodeID(ctx.SessionID()))
	}
	return results, nil
}

// rebind moves an item to the session of ctx, or detaches it when ctx has
// no session.
func (s *Server) rebind(ctx *model.OperationContext, entry *itemEntry, sendInitialValue bool) error {
	if entry.kind == dataItem {
		return s.items.TransferMonitoredItem(ctx, entry.item, sendInitialValue)
	}
	entry.item.SetSession(ctx.Session)
	return nil
}

// ReportEvent delivers an event raised on the Server object to its event
// items and returns how many queued it.
func (s *Server) ReportEvent(ctx *model.OperationContext, evt ua.Event) int {
	n := s.events.ReportEvent(ctx, evt)
	if s.metrics != nil {
		s.metrics.ReportedEvents.Inc()
	}
	return n
}

// restoreItem rebuilds a stored item the way createItem would have built
// it.
func (s *Server) restoreItem(ctx *model.OperationContext, st model.StoredMonitoredItem, owner *model.Identity, node ports.MonitorableNode) (*itemEntry, error) {
	if st.TypeMask&model.ItemTypeDataChange != 0 {
		item, err := s.items.RestoreMonitoredItem(st, owner, node)
		if err != nil {
			return nil, err
		}
		return &itemEntry{item: item, kind: dataItem, node: node}, nil
	}
	if isServerObject(node) {
		return &itemEntry{item: s.events.RestoreMonitoredItem(st, owner, node), kind: serverEventItem, node: node}, nil
	}
	st.QueueSize = monitoreditem.ReviseQueueSize(st.QueueSize, st.IsDurable, s.eventLimits())
	item := monitoreditem.FromStored(st, owner, node, nil)
	s.ids.Observe(item.ID())
	if _, err := s.items.SubscribeToEvents(ctx, node, item, false); err != nil {
		return nil, err
	}
	return &itemEntry{item: item, kind: nodeEventItem, node: node}, nil
}

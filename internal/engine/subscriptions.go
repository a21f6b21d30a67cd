package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/internal/session"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
)

type itemKind int

const (
	dataItem itemKind = iota
	// serverEventItem is an event item on the Server object, served by the
	// event manager.
	serverEventItem
	// nodeEventItem is an event item attached to the hook of another
	// notifier node.
	nodeEventItem
)

type itemEntry struct {
	item *monitoreditem.MonitoredItem
	kind itemKind
	node ports.MonitorableNode
}

// subscription is the minimal record the engine keeps: publishing
// parameters, the owning session and the monitored items.
type subscription struct {
	sync.Mutex
	id                 uint32
	publishingInterval float64
	durable            bool
	session            model.SessionRef
	owner              *model.Identity
	items              map[uint32]*itemEntry
}

func (sub *subscription) sortedItems() []*itemEntry {
	entries := make([]*itemEntry, 0, len(sub.items))
	for _, e := range sub.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].item.ID() < entries[j].item.ID() })
	return entries
}

func (s *Server) nextSubscriptionID() uint32 {
	for {
		id := atomic.AddUint32(&s.lastSubID, 1)
		if id == 0 {
			continue
		}
		s.subsMu.RLock()
		_, taken := s.subs[id]
		s.subsMu.RUnlock()
		if !taken {
			return id
		}
	}
}

func (s *Server) observeSubscriptionID(id uint32) {
	for {
		last := atomic.LoadUint32(&s.lastSubID)
		if id <= last || atomic.CompareAndSwapUint32(&s.lastSubID, last, id) {
			return
		}
	}
}

// revisePublishingInterval applies the server minimum.
func (s *Server) revisePublishingInterval(requested float64) float64 {
	if min := s.cfg.Subscriptions.MinPublishingInterval; requested < min {
		return min
	}
	return requested
}

// CreateSubscription returns the subscription id and the revised
// publishing interval.
func (s *Server) CreateSubscription(header model.RequestHeader, channel model.ChannelBinding, publishingInterval float64) (id uint32, revised float64, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeCreateSubscription)
	if err != nil {
		return 0, 0, err
	}
	defer func() { s.end(ctx, err) }()

	if ctx.Session == nil {
		return 0, 0, ua.BadSessionIDInvalid
	}
	sub := &subscription{
		id:                 s.nextSubscriptionID(),
		publishingInterval: s.revisePublishingInterval(publishingInterval),
		session:            ctx.Session,
		owner:              ctx.UserIdentity(),
		items:              map[uint32]*itemEntry{},
	}
	s.subsMu.Lock()
	s.subs[sub.id] = sub
	s.subsMu.Unlock()
	return sub.id, sub.publishingInterval, nil
}

// DeleteSubscription deletes the subscription and every item in it.
func (s *Server) DeleteSubscription(header model.RequestHeader, channel model.ChannelBinding, subscriptionID uint32) (err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeDeleteSubscriptions)
	if err != nil {
		return err
	}
	defer func() { s.end(ctx, err) }()

	sub, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	durable := s.removeSubscription(sub)
	s.items.ApplyChanges()
	s.updateItemMetrics()
	if durable {
		if err := s.store.DeleteSubscription(ctx.Context(), sub.id); err != nil {
			s.logger.Warnf("Unable to delete durable subscription %d from the store: %v", sub.id, err)
		}
	}
	return nil
}

// SetDurable turns a subscription without items into a durable one. Its
// items get the larger durable queue ceilings and survive the session.
func (s *Server) SetDurable(header model.RequestHeader, channel model.ChannelBinding, subscriptionID uint32) (err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeCall)
	if err != nil {
		return err
	}
	defer func() { s.end(ctx, err) }()

	sub, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	sub.Lock()
	defer sub.Unlock()
	if len(sub.items) > 0 {
		return ua.BadInvalidState
	}
	sub.durable = true
	return nil
}

// subscription returns a subscription owned by the session of ctx.
func (s *Server) subscription(ctx *model.OperationContext, id uint32) (*subscription, error) {
	s.subsMu.RLock()
	sub, ok := s.subs[id]
	s.subsMu.RUnlock()
	if !ok {
		return nil, ua.BadSubscriptionIDInvalid
	}
	sub.Lock()
	owned := sub.session != nil && sub.session == ctx.Session
	sub.Unlock()
	if !owned {
		return nil, ua.BadSubscriptionIDInvalid
	}
	return sub, nil
}

func (s *Server) subscriptionsOf(sess *session.Session) []*subscription {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	var subs []*subscription
	for _, sub := range s.subs {
		sub.Lock()
		if sub.session == model.SessionRef(sess) {
			subs = append(subs, sub)
		}
		sub.Unlock()
	}
	return subs
}

// removeSubscription deletes every item of sub and forgets it. It reports
// whether sub was durable.
func (s *Server) removeSubscription(sub *subscription) bool {
	s.subsMu.Lock()
	delete(s.subs, sub.id)
	s.subsMu.Unlock()

	sub.Lock()
	defer sub.Unlock()
	ctx := model.NewItemContext(sub.session, sub.owner, 0)
	defer ctx.Done()
	for id, entry := range sub.items {
		if err := s.deleteItem(ctx, entry); err != nil {
			s.logger.Debugf("Delete of monitored item %d failed: %v", id, err)
		}
		delete(sub.items, id)
	}
	s.logger.Debugf("Subscription %d deleted", sub.id)
	return sub.durable
}

// detach keeps a durable subscription alive without a session. Its items
// keep sampling on behalf of the owner identity.
func (s *Server) detach(sub *subscription) {
	sub.Lock()
	defer sub.Unlock()
	sub.session = nil
	ctx := model.NewOwnerContext(sub.owner, 0)
	defer ctx.Done()
	for _, entry := range sub.items {
		if err := s.rebind(ctx, entry, false); err != nil {
			s.logger.Warnf("Unable to detach monitored item %d: %v", entry.item.ID(), err)
		}
	}
	s.logger.Infof("Durable subscription %d detached from its session", sub.id)
}

// Publish drains up to max notifications from the items of a subscription
// in item id order. A max of 0 uses the configured limit.
func (s *Server) Publish(header model.RequestHeader, channel model.ChannelBinding, subscriptionID uint32, max int) (batch model.NotificationBatch, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypePublish)
	if err != nil {
		return batch, err
	}
	defer func() { s.end(ctx, err) }()

	sub, err := s.subscription(ctx, subscriptionID)
	if err != nil {
		return batch, err
	}
	if max <= 0 {
		max = s.cfg.Subscriptions.MaxNotificationsPerPublish
	}
	if max <= 0 {
		max = defaultMaxNotificationsPerPublish
	}

	batch.SubscriptionID = sub.id
	sub.Lock()
	entries := sub.sortedItems()
	sub.Unlock()
	for _, entry := range entries {
		remaining := max - batch.Len()
		if remaining <= 0 {
			if entry.item.HasNotifications() {
				batch.MoreNotifications = true
				break
			}
			continue
		}
		data, evts, more := entry.item.Publish(remaining)
		batch.DataChanges = append(batch.DataChanges, data...)
		batch.Events = append(batch.Events, evts...)
		if more {
			batch.MoreNotifications = true
		}
	}
	if s.metrics != nil {
		s.metrics.AddNotifications(len(batch.DataChanges), len(batch.Events))
	}
	return batch, nil
}

// StoreSubscriptions writes the durable subscriptions to the store.
func (s *Server) StoreSubscriptions(ctx context.Context) error {
	s.subsMu.RLock()
	var stored []model.StoredSubscription
	for _, sub := range s.subs {
		sub.Lock()
		if sub.durable {
			st := model.StoredSubscription{
				ID:                 sub.id,
				PublishingInterval: sub.publishingInterval,
			}
			if sub.owner != nil {
				st.Owner = sub.owner.DisplayName
				st.OwnerKind = sub.owner.Kind
			}
			for _, entry := range sub.sortedItems() {
				st.MonitoredItems = append(st.MonitoredItems, entry.item.ToStored())
			}
			stored = append(stored, st)
		}
		sub.Unlock()
	}
	s.subsMu.RUnlock()

	if len(stored) == 0 {
		return nil
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].ID < stored[j].ID })
	if err := s.store.StoreSubscriptions(ctx, stored); err != nil {
		return err
	}
	s.logger.Infof("Stored %d durable subscriptions", len(stored))
	return nil
}

// RestoreSubscriptions rebuilds the durable subscriptions found in the
// store. They stay detached until a client transfers their items.
func (s *Server) RestoreSubscriptions(ctx context.Context) (int, error) {
	stored, err := s.store.RestoreSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	restored := make([]uint32, 0, len(stored))
	for _, st := range stored {
		s.subsMu.RLock()
		_, exists := s.subs[st.ID]
		s.subsMu.RUnlock()
		if exists {
			s.logger.Warnf("Subscription %d already exists, skipping restore", st.ID)
			continue
		}

		owner := model.OwnerIdentity(st.OwnerKind, st.Owner)
		sub := &subscription{
			id:                 st.ID,
			publishingInterval: st.PublishingInterval,
			durable:            true,
			owner:              owner,
			items:              map[uint32]*itemEntry{},
		}
		octx := model.NewOwnerContext(owner, 0)
		for _, sti := range st.MonitoredItems {
			node, ok := s.nodes.FindNode(ua.ParseNodeID(sti.NodeID))
			if !ok {
				s.logger.Warnf("Node %s of monitored item %d is gone, skipping", sti.NodeID, sti.ID)
				continue
			}
			entry, err := s.restoreItem(octx, sti, owner, node)
			if err != nil {
				s.logger.Warnf("Unable to restore monitored item %d: %v", sti.ID, err)
				continue
			}
			sub.items[entry.item.ID()] = entry
		}
		octx.Done()

		s.observeSubscriptionID(sub.id)
		s.subsMu.Lock()
		s.subs[sub.id] = sub
		s.subsMu.Unlock()
		restored = append(restored, sub.id)
	}
	s.items.ApplyChanges()
	s.updateItemMetrics()

	if err := s.store.OnSubscriptionRestoreComplete(ctx, restored); err != nil {
		return len(restored), err
	}
	if len(restored) > 0 {
		s.logger.Infof("Restored %d durable subscriptions", len(restored))
	}
	return len(restored), nil
}

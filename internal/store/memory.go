package store

import (
	"context"
	"sort"
	"sync"

	"github.com/amine-amaach/uacore/internal/model"
	"go.uber.org/zap"
)

// Memory keeps durable subscriptions for the lifetime of the process.
type Memory struct {
	sync.Mutex
	logger *zap.SugaredLogger
	subs   map[uint32]model.StoredSubscription
	closed bool
}

func NewMemory(logger *zap.SugaredLogger) *Memory {
	return &Memory{
		logger: logger,
		subs:   make(map[uint32]model.StoredSubscription),
	}
}

func (m *Memory) StoreSubscriptions(_ context.Context, subs []model.StoredSubscription) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return errClosed
	}
	for _, sub := range subs {
		sub.MonitoredItems = append([]model.StoredMonitoredItem(nil), sub.MonitoredItems...)
		m.subs[sub.ID] = sub
	}
	m.logger.Debugf("Stored %d durable subscription(s)", len(subs))
	return nil
}

// RestoreSubscriptions returns the stored subscriptions ordered by id.
func (m *Memory) RestoreSubscriptions(_ context.Context) ([]model.StoredSubscription, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil, errClosed
	}
	subs := make([]model.StoredSubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		sub.MonitoredItems = append([]model.StoredMonitoredItem(nil), sub.MonitoredItems...)
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (m *Memory) OnSubscriptionRestoreComplete(_ context.Context, restored []uint32) error {
	m.Lock()
	defer m.Unlock()
	for _, id := range restored {
		delete(m.subs, id)
	}
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id uint32) error {
	m.Lock()
	defer m.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *Memory) Close(_ context.Context) error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

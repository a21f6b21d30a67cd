package sampling

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/awcullen/opcua/ua"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSession struct {
	id ua.NodeID
}

func newFakeSession() *fakeSession {
	return &fakeSession{id: ua.NewNodeIDGUID(1, uuid.New())}
}

func (s *fakeSession) ID() ua.NodeID { return s.id }
func (s *fakeSession) Identity() *model.Identity { return model.Anonymous() }
func (s *fakeSession) EffectiveIdentity() *model.Identity { return model.Anonymous() }
func (s *fakeSession) Channel() model.ChannelBinding { return model.ChannelBinding{} }

// counterNodes returns an increasing value on every read; nil nodes read
// as nothing.
type counterNodes struct {
	sync.Mutex
	reads int64
	empty bool
}

func (n *counterNodes) ReadAttribute(ctx *model.OperationContext, id ua.ReadValueID) (*ua.DataValue, error) {
	r := atomic.AddInt64(&n.reads, 1)
	n.Lock()
	defer n.Unlock()
	if n.empty {
		return nil, nil
	}
	now := time.Now()
	v := ua.NewDataValue(float64(r), ua.Good, now, 0, now, 0)
	return &v, nil
}

func (n *counterNodes) Reads() int64 {
	return atomic.LoadInt64(&n.reads)
}

func TestAdjustSamplingInterval(t *testing.T) {
	table := NewRateTable([]component.SamplingRate{{Start: 100, Increment: 100, Count: 5}})
	tests := []struct {
		requested float64
		want      float64
	}{
		{0, 100},
		{50, 100},
		{100, 100},
		{150, 200},
		{200, 200},
		{499, 500},
		{600, 600},
		{601, 601},
		{10000, 10000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.AdjustSamplingInterval(tt.requested), "requested %v", tt.requested)
		assert.Equal(t, tt.want, table.AdjustSamplingInterval(tt.requested), "repeated %v", tt.requested)
	}
}

func TestAdjustSamplingIntervalMultipleBuckets(t *testing.T) {
	// deliberately unordered
	table := NewRateTable([]component.SamplingRate{
		{Start: 1000, Increment: 500, Count: 20},
		{Start: 5, Increment: 5, Count: 20},
		{Start: 500, Increment: 250, Count: 2},
		{Start: 100, Increment: 100, Count: 4},
	})
	assert.Equal(t, 5.0, table.AdjustSamplingInterval(1))
	assert.Equal(t, 10.0, table.AdjustSamplingInterval(7))
	assert.Equal(t, 105.0, table.AdjustSamplingInterval(105))
	assert.Equal(t, 200.0, table.AdjustSamplingInterval(106))
	assert.Equal(t, 750.0, table.AdjustSamplingInterval(700))
	assert.Equal(t, 1000.0, table.AdjustSamplingInterval(999))
	assert.Equal(t, 11000.0, table.AdjustSamplingInterval(10600))
	assert.Equal(t, 20000.0, table.AdjustSamplingInterval(20000))

	// every exact step is returned unchanged
	for _, rate := range table {
		for i := uint32(0); i <= rate.Count; i++ {
			step := rate.Start + rate.Increment*float64(i)
			assert.Equal(t, step, table.AdjustSamplingInterval(step))
		}
	}
}

func TestAdjustSamplingIntervalZeroIncrement(t *testing.T) {
	table := NewRateTable([]component.SamplingRate{{Start: 50}, {Start: 200, Increment: 50, Count: 2}})
	assert.Equal(t, 50.0, table.AdjustSamplingInterval(10))
	assert.Equal(t, 200.0, table.AdjustSamplingInterval(60))
	assert.Equal(t, 250.0, table.AdjustSamplingInterval(201))
}

func newTestManager(t *testing.T, nodes *counterNodes) *Manager {
	rates := NewRateTable([]component.SamplingRate{{Start: 10, Increment: 10, Count: 10}})
	m := NewManager(zaptest.NewLogger(t).Sugar(), nodes, rates, monitoreditem.Limits{MaxQueueSize: 100, MaxDurableQueueSize: 1000})
	t.Cleanup(m.Shutdown)
	return m
}

func sessionContext(s model.SessionRef) *model.OperationContext {
	return model.NewOperationContext(model.RequestHeader{}, model.RequestTypeCreateMonitoredItems, s, model.ChannelBinding{})
}

func itemParams(id uint32, interval float64, mode ua.MonitoringMode) monitoreditem.Params {
	return monitoreditem.Params{
		ID:               id,
		TypeMask:         model.ItemTypeDataChange,
		ItemToMonitor:    ua.ReadValueID{NodeID: ua.NewNodeIDNumeric(2, id), AttributeID: ua.AttributeIDValue},
		MonitoringMode:   mode,
		SamplingInterval: interval,
		QueueSize:        1000,
		DiscardOldest:    true,
	}
}

func TestManagerPollsItems(t *testing.T) {
	nodes := &counterNodes{}
	m := newTestManager(t, nodes)
	ctx := sessionContext(newFakeSession())

	item, err := m.CreateMonitoredItem(ctx, itemParams(1, 12, ua.MonitoringModeReporting))
	require.NoError(t, err)
	assert.Equal(t, 20.0, item.SamplingInterval())
	assert.Equal(t, uint32(100), item.QueueSize())

	m.ApplyChanges()
	groups := m.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, 20.0, groups[0].Interval())
	assert.True(t, groups[0].Running())

	require.Eventually(t, func() bool { return nodes.Reads() >= 3 }, 2*time.Second, 5*time.Millisecond)
	data, _, _ := item.Publish(100)
	assert.NotEmpty(t, data)
}

func TestManagerGroupsBySessionAndInterval(t *testing.T) {
	nodes := &counterNodes{}
	m := newTestManager(t, nodes)
	s1, s2 := newFakeSession(), newFakeSession()

	_, err := m.CreateMonitoredItem(sessionContext(s1), itemParams(1, 20, ua.MonitoringModeReporting))
	require.NoError(t, err)
	_, err = m.CreateMonitoredItem(sessionContext(s1), itemParams(2, 15, ua.MonitoringModeReporting))
	require.NoError(t, err)
	_, err = m.CreateMonitoredItem(sessionContext(s1), itemParams(3, 50, ua.MonitoringModeSampling))
	require.NoError(t, err)
	_, err = m.CreateMonitoredItem(sessionContext(s2), itemParams(4, 20, ua.MonitoringModeReporting))
	require.NoError(t, err)
	m.ApplyChanges()

	groups := m.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, 2, groups[0].Len())
	assert.Equal(t, 1, groups[1].Len())
	assert.Equal(t, 1, groups[2].Len())
}

func TestManagerDisabledItemsAreNotGrouped(t *testing.T) {
	nodes := &counterNodes{}
	m := newTestManager(t, nodes)
	ctx := sessionContext(newFakeSession())

	item, err := m.CreateMonitoredItem(ctx, itemParams(1, 10, ua.MonitoringModeDisabled))
	require.NoError(t, err)
	m.ApplyChanges()
	assert.Empty(t, m.Groups())

	prev, err := m.SetMonitoringMode(ctx, item, ua.MonitoringModeReporting)
	require.NoError(t, err)
	assert.Equal(t, ua.MonitoringModeDisabled, prev)
	m.ApplyChanges()
	require.Len(t, m.Groups(), 1)

	prev, err = m.SetMonitoringMode(ctx, item, ua.MonitoringModeDisabled)
	require.NoError(t, err)
	assert.Equal(t, ua.MonitoringModeReporting, prev)
	m.ApplyChanges()
	assert.Empty(t, m.Groups())
}

func TestManagerModifyMovesItem(t *testing.T) {
	nodes := &counterNodes{}
	m := newTestManager(t, nodes)
	ctx := sessionContext(newFakeSession())

	item, err := m.CreateMonitoredItem(ctx, itemParams(1, 10, ua.MonitoringModeReporting))
	require.NoError(t, err)
	m.ApplyChanges()

	require.NoError(t, m.ModifyMonitoredItem(ctx, item, monitoreditem.ModifyParams{SamplingInterval: 35, QueueSize: 5000, DiscardOldest: true}))
	assert.Equal(t, 40.0, item.SamplingInterval())
	assert.Equal(t, uint32(100), item.QueueSize())
	m.ApplyChanges()

	groups := m.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, 40.0, groups[0].Interval())
	assert.Equal(t, 1, groups[0].Len())
}

func TestManagerStopMonitoring(t *testing.T) {
	nodes := &counterNodes{}
	m := newTestManager(t, nodes)
	ctx := sessionContext(newFakeSession())

	item, err := m.CreateMonitoredItem(ctx, itemParams(1, 10, ua.MonitoringModeReporting))
	require.NoError(t, err)
	// staged but not applied yet
	assert.True(t, m.StopMonitoring(item))
	m.ApplyChanges()
	assert.Empty(t, m.Groups())
	assert.False(t, m.StopMonitoring(item))
}

func TestEmptyReadQueuesInternalError(t *testing.T) {
	nodes := &counterNodes{empty: true}
	m := newTestManager(t, nodes)
	ctx := sessionContext(newFakeSession())

	item, err := m.CreateMonitoredItem(ctx, itemParams(1, 10, ua.MonitoringModeReporting))
	require.NoError(t, err)
	m.ApplyChanges()

	require.Eventually(t, item.HasNotifications, 2*time.Second, 5*time.Millisecond)
	data, _, _ := item.Publish(1)
	require.Len(t, data, 1)
	assert.Equal(t, ua.BadInternalError, data[0].Value.StatusCode)
	assert.Equal(t, ua.BadInternalError, item.LastError())
}

func TestRestoreGroupsByOwner(t *testing.T) {
	nodes := &counterNodes{}
	m := newTestManager(t, nodes)
	owner := &model.Identity{Kind: model.IdentityUserName, DisplayName: "root"}

	st := monitoreditem.New(itemParams(9, 20, ua.MonitoringModeReporting)).ToStored()
	st.QueueSize = 1 << 20
	st.IsDurable = true
	item, err := m.RestoreMonitoredItem(st, owner, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), item.QueueSize())
	assert.Nil(t, item.Session())

	st.ID = 10
	_, err = m.RestoreMonitoredItem(st, owner, nil)
	require.NoError(t, err)
	st.ID = 11
	_, err = m.RestoreMonitoredItem(st, model.Anonymous(), nil)
	require.NoError(t, err)
	m.ApplyChanges()

	groups := m.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, 2, groups[0].Len())
	require.Eventually(t, item.HasNotifications, 2*time.Second, 5*time.Millisecond)
}

func TestGroupCycleObserver(t *testing.T) {
	nodes := &counterNodes{}
	var cycles int64
	rates := NewRateTable([]component.SamplingRate{{Start: 10, Increment: 10, Count: 10}})
	m := NewManager(zaptest.NewLogger(t).Sugar(), nodes, rates, monitoreditem.Limits{},
		WithCycleObserver(func(interval float64, items int, elapsed time.Duration) {
			atomic.AddInt64(&cycles, 1)
		}))
	defer m.Shutdown()

	_, err := m.CreateMonitoredItem(sessionContext(newFakeSession()), itemParams(1, 10, ua.MonitoringModeReporting))
	require.NoError(t, err)
	m.ApplyChanges()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&cycles) >= 2 }, 2*time.Second, 5*time.Millisecond)
}

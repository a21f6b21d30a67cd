package itemmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/internal/sampling"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeNode struct {
	sync.Mutex
	id            ua.NodeID
	class         ua.NodeClass
	eventNotifier byte
	value         any
	stateChanged  ports.StateChangedFunc
	reportEvent   ports.ReportEventFunc
}

func (n *fakeNode) NodeID() ua.NodeID       { return n.id }
func (n *fakeNode) NodeClass() ua.NodeClass { return n.class }
func (n *fakeNode) EventNotifier() byte     { return n.eventNotifier }

func (n *fakeNode) ReadAttribute(ctx *model.OperationContext, attributeID uint32, indexRange string, encoding ua.QualifiedName) (*ua.DataValue, error) {
	n.Lock()
	defer n.Unlock()
	if attributeID != ua.AttributeIDValue {
		return nil, ua.BadAttributeIDInvalid
	}
	if n.value == nil {
		return nil, nil
	}
	now := time.Now()
	v := ua.NewDataValue(n.value, ua.Good, now, 0, now, 0)
	return &v, nil
}

func (n *fakeNode) SetStateChanged(fn ports.StateChangedFunc) {
	n.Lock()
	n.stateChanged = fn
	n.Unlock()
}

func (n *fakeNode) SetReportEvent(fn ports.ReportEventFunc) {
	n.Lock()
	n.reportEvent = fn
	n.Unlock()
}

func (n *fakeNode) write(v any) {
	n.Lock()
	n.value = v
	fn := n.stateChanged
	n.Unlock()
	if fn != nil {
		fn(model.NewOwnerContext(model.Anonymous(), 0), n, model.ChangeValue)
	}
}

type fakeNodes struct {
	nodes map[ua.NodeID]*fakeNode
}

func newFakeNodes(nodes ...*fakeNode) *fakeNodes {
	fn := &fakeNodes{nodes: map[ua.NodeID]*fakeNode{}}
	for _, n := range nodes {
		fn.nodes[n.id] = n
	}
	return fn
}

func (f *fakeNodes) ReadAttribute(ctx *model.OperationContext, id ua.ReadValueID) (*ua.DataValue, error) {
	n, ok := f.nodes[id.NodeID]
	if !ok {
		return nil, ua.BadNodeIDUnknown
	}
	return n.ReadAttribute(ctx, id.AttributeID, id.IndexRange, id.DataEncoding)
}

func (f *fakeNodes) FindNode(id ua.NodeID) (ports.MonitorableNode, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

type fakeSession struct {
	id ua.NodeID
}

func (s *fakeSession) ID() ua.NodeID                      { return s.id }
func (s *fakeSession) Identity() *model.Identity          { return model.Anonymous() }
func (s *fakeSession) EffectiveIdentity() *model.Identity { return model.Anonymous() }
func (s *fakeSession) Channel() model.ChannelBinding      { return model.ChannelBinding{} }

func newContext() *model.OperationContext {
	return model.NewOperationContext(model.RequestHeader{}, model.RequestTypeCreateMonitoredItems, &fakeSession{id: ua.NewNodeIDGUID(1, uuid.New())}, model.ChannelBinding{})
}

func newManager(t *testing.T, kind Kind, nodes *fakeNodes) Manager {
	m, err := New(kind, Deps{
		Logger: zaptest.NewLogger(t).Sugar(),
		Nodes:  nodes,
		Rates:  sampling.NewRateTable([]component.SamplingRate{{Start: 100, Increment: 100, Count: 5}}),
		Limits: monitoreditem.Limits{MaxQueueSize: 10, MaxDurableQueueSize: 100},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func valueParams(node *fakeNode, mode ua.MonitoringMode) monitoreditem.Params {
	return monitoreditem.Params{
		TypeMask:         model.ItemTypeDataChange,
		ItemToMonitor:    ua.ReadValueID{NodeID: node.id, AttributeID: ua.AttributeIDValue},
		MonitoringMode:   mode,
		SamplingInterval: 50,
		QueueSize:        1000,
		DiscardOldest:    true,
		Filter:           ua.DataChangeFilter{Trigger: ua.DataChangeTriggerStatusValue},
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("round_robin", Deps{})
	assert.Error(t, err)
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	for _, kind := range []Kind{KindMonitoredNode, KindSamplingGroup} {
		t.Run(string(kind), func(t *testing.T) {
			node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 1.0}
			m := newManager(t, kind, newFakeNodes(node))
			ctx := newContext()

			seen := map[uint32]bool{}
			for i := 0; i < 20; i++ {
				item, err := m.CreateMonitoredItem(ctx, node, valueParams(node, ua.MonitoringModeReporting))
				require.NoError(t, err)
				assert.True(t, item.Created())
				assert.False(t, seen[item.ID()])
				seen[item.ID()] = true
				assert.Equal(t, uint32(10), item.QueueSize())
			}
			assert.Len(t, m.MonitoredItems(), 20)
		})
	}
}

func TestDeleteTwiceIsInvalid(t *testing.T) {
	for _, kind := range []Kind{KindMonitoredNode, KindSamplingGroup} {
		t.Run(string(kind), func(t *testing.T) {
			node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 1.0}
			m := newManager(t, kind, newFakeNodes(node))
			ctx := newContext()

			item, err := m.CreateMonitoredItem(ctx, node, valueParams(node, ua.MonitoringModeReporting))
			require.NoError(t, err)
			m.ApplyChanges()
			id := item.ID()

			require.NoError(t, m.DeleteMonitoredItem(ctx, item))
			assert.False(t, item.Created())
			_, ok := m.MonitoredItem(id)
			assert.False(t, ok)
			assert.Equal(t, ua.BadMonitoredItemIDInvalid, m.DeleteMonitoredItem(ctx, item))
			assert.Empty(t, m.MonitoredNodes())
		})
	}
}

func TestForeignItemIsInvalid(t *testing.T) {
	node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 1.0}
	m := newManager(t, KindSamplingGroup, newFakeNodes(node))
	ctx := newContext()

	item, err := m.CreateMonitoredItem(ctx, node, valueParams(node, ua.MonitoringModeReporting))
	require.NoError(t, err)

	p := valueParams(node, ua.MonitoringModeReporting)
	p.ID = item.ID()
	impostor := monitoreditem.New(p)
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, m.DeleteMonitoredItem(ctx, impostor))
	_, err = m.SetMonitoringMode(ctx, impostor, ua.MonitoringModeDisabled)
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, err)
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, m.ModifyMonitoredItem(ctx, impostor, monitoreditem.ModifyParams{QueueSize: 1}))
}

func TestPollingRevisesInterval(t *testing.T) {
	node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 1.0}
	m := newManager(t, KindSamplingGroup, newFakeNodes(node))
	ctx := newContext()

	item, err := m.CreateMonitoredItem(ctx, node, valueParams(node, ua.MonitoringModeReporting))
	require.NoError(t, err)
	assert.Equal(t, 100.0, item.SamplingInterval())

	p := valueParams(node, ua.MonitoringModeReporting)
	p.SamplingInterval = 0
	item, err = m.CreateMonitoredItem(ctx, node, p)
	require.NoError(t, err)
	assert.Equal(t, 100.0, item.SamplingInterval())
}

func TestEnableQueuesExactlyOneValue(t *testing.T) {
	for _, kind := range []Kind{KindMonitoredNode, KindSamplingGroup} {
		t.Run(string(kind), func(t *testing.T) {
			node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 42.0}
			m := newManager(t, kind, newFakeNodes(node))
			ctx := newContext()

			item, err := m.CreateMonitoredItem(ctx, node, valueParams(node, ua.MonitoringModeDisabled))
			require.NoError(t, err)
			m.ApplyChanges()
			assert.False(t, item.HasNotifications())

			prev, err := m.SetMonitoringMode(ctx, item, ua.MonitoringModeReporting)
			require.NoError(t, err)
			assert.Equal(t, ua.MonitoringModeDisabled, prev)
			m.ApplyChanges()

			// later samples of the same value are filtered
			time.Sleep(250 * time.Millisecond)
			data, _, _ := item.Publish(100)
			require.Len(t, data, 1)
			assert.Equal(t, 42.0, data[0].Value.Value)
		})
	}
}

func TestEnableWithoutValueQueuesWaitingForInitialData(t *testing.T) {
	node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable}
	m := newManager(t, KindSamplingGroup, newFakeNodes(node))
	ctx := newContext()

	item, err := m.CreateMonitoredItem(ctx, node, valueParams(node, ua.MonitoringModeDisabled))
	require.NoError(t, err)
	_, err = m.SetMonitoringMode(ctx, item, ua.MonitoringModeReporting)
	require.NoError(t, err)

	data, _, _ := item.Publish(100)
	require.Len(t, data, 1)
	assert.Equal(t, ua.BadWaitingForInitialData, data[0].Value.StatusCode)
}

func TestDirectBindingDeliversChanges(t *testing.T) {
	node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 1.0}
	m := newManager(t, KindMonitoredNode, newFakeNodes(node))
	ctx := newContext()

	item, err := m.CreateMonitoredItem(ctx, node, valueParams(node, ua.MonitoringModeReporting))
	require.NoError(t, err)
	require.Len(t, m.MonitoredNodes(), 1)

	node.write(2.0)
	node.write(3.0)
	data, _, _ := item.Publish(100)
	require.Len(t, data, 3)
	assert.Equal(t, 1.0, data[0].Value.Value)
	assert.Equal(t, 3.0, data[2].Value.Value)

	require.NoError(t, m.DeleteMonitoredItem(ctx, item))
	assert.Nil(t, node.stateChanged)
}

func TestSubscribeToEvents(t *testing.T) {
	server := &fakeNode{id: ua.ObjectIDServer, class: ua.NodeClassObject, eventNotifier: ua.EventNotifierSubscribeToEvents}
	mute := &fakeNode{id: ua.NewNodeIDNumeric(2, 7), class: ua.NodeClassObject}
	variable := &fakeNode{id: ua.NewNodeIDNumeric(2, 8), class: ua.NodeClassVariable, eventNotifier: ua.EventNotifierSubscribeToEvents}
	m := newManager(t, KindMonitoredNode, newFakeNodes(server, mute, variable))
	ctx := newContext()

	item := monitoreditem.New(monitoreditem.Params{
		ID:             99,
		TypeMask:       model.ItemTypeEvents,
		ItemToMonitor:  ua.ReadValueID{NodeID: server.id, AttributeID: ua.AttributeIDEventNotifier},
		MonitoringMode: ua.MonitoringModeReporting,
		QueueSize:      10,
		Filter:         ua.EventFilter{},
	})

	_, err := m.SubscribeToEvents(ctx, server, item, true)
	assert.Equal(t, ua.BadNodeIDUnknown, err)
	_, err = m.SubscribeToEvents(ctx, mute, item, false)
	assert.Equal(t, ua.BadNotSupported, err)
	_, err = m.SubscribeToEvents(ctx, variable, item, false)
	assert.Equal(t, ua.BadNotSupported, err)

	mn, err := m.SubscribeToEvents(ctx, server, item, false)
	require.NoError(t, err)
	assert.Len(t, mn.EventItems(), 1)
	got, ok := m.MonitoredItem(99)
	require.True(t, ok)
	assert.Same(t, item, got)

	_, err = m.SubscribeToEvents(ctx, server, item, true)
	require.NoError(t, err)
	assert.Empty(t, m.MonitoredNodes())
	assert.Nil(t, server.reportEvent)
}

func TestSubscribeToEventsRejectsTakenID(t *testing.T) {
	for _, kind := range []Kind{KindMonitoredNode, KindSamplingGroup} {
		t.Run(string(kind), func(t *testing.T) {
			server := &fakeNode{id: ua.ObjectIDServer, class: ua.NodeClassObject, eventNotifier: ua.EventNotifierSubscribeToEvents}
			variable := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 1.0}
			m := newManager(t, kind, newFakeNodes(server, variable))
			ctx := newContext()

			data, err := m.CreateMonitoredItem(ctx, variable, valueParams(variable, ua.MonitoringModeReporting))
			require.NoError(t, err)
			m.ApplyChanges()

			clash := monitoreditem.New(monitoreditem.Params{
				ID:             data.ID(),
				TypeMask:       model.ItemTypeEvents,
				ItemToMonitor:  ua.ReadValueID{NodeID: server.id, AttributeID: ua.AttributeIDEventNotifier},
				MonitoringMode: ua.MonitoringModeReporting,
				QueueSize:      10,
				Filter:         ua.EventFilter{},
			})
			_, err = m.SubscribeToEvents(ctx, server, clash, false)
			assert.Equal(t, ua.BadUnexpectedError, err)
			assert.Nil(t, server.reportEvent)

			got, ok := m.MonitoredItem(data.ID())
			require.True(t, ok)
			assert.Same(t, data, got)
			require.NoError(t, m.DeleteMonitoredItem(ctx, data))
			m.ApplyChanges()
			assert.Empty(t, m.MonitoredNodes())
		})
	}
}

func TestSubscribeToEventsAgainKeepsItem(t *testing.T) {
	server := &fakeNode{id: ua.ObjectIDServer, class: ua.NodeClassObject, eventNotifier: ua.EventNotifierSubscribeToEvents}
	m := newManager(t, KindMonitoredNode, newFakeNodes(server))
	ctx := newContext()

	item := monitoreditem.New(monitoreditem.Params{
		ID:             42,
		TypeMask:       model.ItemTypeEvents,
		ItemToMonitor:  ua.ReadValueID{NodeID: server.id, AttributeID: ua.AttributeIDEventNotifier},
		MonitoringMode: ua.MonitoringModeReporting,
		QueueSize:      10,
		Filter:         ua.EventFilter{},
	})
	_, err := m.SubscribeToEvents(ctx, server, item, false)
	require.NoError(t, err)
	mn, err := m.SubscribeToEvents(ctx, server, item, false)
	require.NoError(t, err)
	assert.Len(t, mn.EventItems(), 1)
}

func TestRestoreObservesIDs(t *testing.T) {
	for _, kind := range []Kind{KindMonitoredNode, KindSamplingGroup} {
		t.Run(string(kind), func(t *testing.T) {
			node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 1.0}
			m := newManager(t, kind, newFakeNodes(node))

			p := valueParams(node, ua.MonitoringModeReporting)
			p.ID = 500
			st := monitoreditem.New(p).ToStored()
			st.IsDurable = true
			st.QueueSize = 5000
			restored, err := m.RestoreMonitoredItem(st, nil, node)
			require.NoError(t, err)
			assert.Equal(t, uint32(100), restored.QueueSize())

			item, err := m.CreateMonitoredItem(newContext(), node, valueParams(node, ua.MonitoringModeReporting))
			require.NoError(t, err)
			assert.Greater(t, item.ID(), uint32(500))
		})
	}
}

func TestTransferMovesItemToSession(t *testing.T) {
	for _, kind := range []Kind{KindMonitoredNode, KindSamplingGroup} {
		t.Run(string(kind), func(t *testing.T) {
			node := &fakeNode{id: ua.NewNodeIDNumeric(2, 1), class: ua.NodeClassVariable, value: 42.0}
			m := newManager(t, kind, newFakeNodes(node))
			from, to := newContext(), newContext()

			item, err := m.CreateMonitoredItem(from, node, valueParams(node, ua.MonitoringModeReporting))
			require.NoError(t, err)
			m.ApplyChanges()

			require.NoError(t, m.TransferMonitoredItem(to, item, true))
			m.ApplyChanges()
			assert.Same(t, to.Session, item.Session())
			data, _, _ := item.Publish(100)
			require.NotEmpty(t, data)
			assert.Equal(t, 42.0, data[len(data)-1].Value.Value)

			if pm, ok := m.(*pollingManager); ok {
				groups := pm.Groups()
				require.Len(t, groups, 1)
				assert.Equal(t, 1, groups[0].Len())
			}

			detach := model.NewOwnerContext(item.Owner(), 0)
			require.NoError(t, m.TransferMonitoredItem(detach, item, false))
			assert.Nil(t, item.Session())

			require.NoError(t, m.DeleteMonitoredItem(to, item))
			assert.Equal(t, ua.BadMonitoredItemIDInvalid, m.TransferMonitoredItem(to, item, false))
		})
	}
}

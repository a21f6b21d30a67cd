package engine

import (
	"context"
	"testing"
	"time"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/config"
	"github.com/amine-amaach/uacore/internal/metrics"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/session"
	"github.com/amine-amaach/uacore/internal/simulators"
	"github.com/amine-amaach/uacore/internal/store"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	constantID = ua.NewNodeIDString(simulators.Namespace, "Constant")
	boilerID   = ua.NewNodeIDString(simulators.Namespace, "Boiler")

	messageClause = ua.SimpleAttributeOperand{TypeDefinitionID: ua.ObjectTypeIDBaseEventType, BrowsePath: ua.ParseBrowsePath("Message"), AttributeID: ua.AttributeIDValue}
)

func testConfig() config.Cfg {
	return config.Cfg{
		Sessions: component.Sessions{
			MinSessionTimeout: 10000,
			MaxSessionTimeout: 120000,
			MaxSessions:       10,
			Users:             []component.User{{UserName: "root", Password: "secret", Roles: []string{"operator"}}},
		},
		Subscriptions: component.Subscriptions{
			MaxNotificationQueueSize:        100,
			MaxDurableNotificationQueueSize: 1000,
			MaxEventQueueSize:               100,
			MaxDurableEventQueueSize:        1000,
			MinPublishingInterval:           100,
			MaxNotificationsPerPublish:      1000,
		},
		Monitoring: component.Monitoring{
			Strategy:             "sampling_group",
			ContextCacheLifetime: time.Minute,
			Workers:              2,
			SamplingRates:        []component.SamplingRate{{Start: 100, Increment: 100, Count: 5}},
		},
		Store: component.Store{Kind: store.KindMemory},
	}
}

func newAddressSpace(t *testing.T) *simulators.AddressSpace {
	space := simulators.NewAddressSpace(zaptest.NewLogger(t).Sugar(), nil)
	space.AddVariable(constantID, "Constant", 42.0)
	space.AddObject(boilerID, "Boiler", ua.EventNotifierSubscribeToEvents)
	return space
}

func newTestServer(t *testing.T, cfg config.Cfg, space *simulators.AddressSpace, opts ...Option) *Server {
	srv, err := New(cfg, space, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	space.OnEvent(func(ctx *model.OperationContext, evt ua.Event) { srv.ReportEvent(ctx, evt) })
	srv.Startup()
	t.Cleanup(func() { require.NoError(t, srv.Shutdown(context.Background())) })
	return srv
}

// client plays the part of one connected session.
type client struct {
	t       *testing.T
	srv     *Server
	channel model.ChannelBinding
	header  model.RequestHeader
	timeout float64
}

func connect(t *testing.T, srv *Server, identity ua.Variant) *client {
	c := &client{t: t, srv: srv, channel: model.ChannelBinding{ChannelID: 1, SecurityMode: ua.MessageSecurityModeNone}}
	res, err := srv.CreateSession(model.RequestHeader{}, c.channel, session.CreateRequest{RequestedTimeout: 60000})
	require.NoError(t, err)
	c.header = model.RequestHeader{AuthenticationToken: res.AuthenticationToken}
	c.timeout = res.RevisedSessionTimeout
	_, err = srv.ActivateSession(c.header, c.channel, identity, nil)
	require.NoError(t, err)
	return c
}

func (c *client) subscribe(interval float64) uint32 {
	id, _, err := c.srv.CreateSubscription(c.header, c.channel, interval)
	require.NoError(c.t, err)
	return id
}

func (c *client) monitorValue(subID uint32, nodeID ua.NodeID, mode ua.MonitoringMode, interval float64) ua.MonitoredItemCreateResult {
	results, err := c.srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{
		valueRequest(nodeID, mode, interval),
	})
	require.NoError(c.t, err)
	require.Len(c.t, results, 1)
	return results[0]
}

func valueRequest(nodeID ua.NodeID, mode ua.MonitoringMode, interval float64) ua.MonitoredItemCreateRequest {
	return ua.MonitoredItemCreateRequest{
		ItemToMonitor:  ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
		MonitoringMode: mode,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:     1,
			SamplingInterval: interval,
			QueueSize:        10,
			DiscardOldest:    true,
		},
	}
}

func eventRequest(nodeID ua.NodeID) ua.MonitoredItemCreateRequest {
	return ua.MonitoredItemCreateRequest{
		ItemToMonitor:  ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDEventNotifier},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:     2,
			SamplingInterval: -1,
			QueueSize:        10,
			Filter:           ua.EventFilter{SelectClauses: []ua.SimpleAttributeOperand{messageClause}},
		},
	}
}

func (c *client) publish(subID uint32) model.NotificationBatch {
	batch, err := c.srv.Publish(c.header, c.channel, subID, 0)
	require.NoError(c.t, err)
	return batch
}

func TestEndToEnd(t *testing.T) {
	srv := newTestServer(t, testConfig(), newAddressSpace(t))
	c := connect(t, srv, ua.AnonymousIdentity{})
	assert.Equal(t, 60000.0, c.timeout)

	subID := c.subscribe(1000)
	res := c.monitorValue(subID, constantID, ua.MonitoringModeReporting, 50)
	require.Equal(t, ua.Good, res.StatusCode)
	assert.Equal(t, 100.0, res.RevisedSamplingInterval)
	assert.Equal(t, uint32(10), res.RevisedQueueSize)
	assert.Equal(t, 1, srv.Diagnostics().SamplingGroups)

	statuses, err := srv.SetMonitoringMode(c.header, c.channel, subID, ua.MonitoringModeDisabled, []uint32{res.MonitoredItemID})
	require.NoError(t, err)
	assert.Equal(t, []ua.StatusCode{ua.Good}, statuses)
	assert.Equal(t, 0, c.publish(subID).Len())

	statuses, err = srv.SetMonitoringMode(c.header, c.channel, subID, ua.MonitoringModeReporting, []uint32{res.MonitoredItemID})
	require.NoError(t, err)
	assert.Equal(t, []ua.StatusCode{ua.Good}, statuses)

	// the value does not change, later samples are filtered
	time.Sleep(300 * time.Millisecond)
	batch := c.publish(subID)
	require.Len(t, batch.DataChanges, 1)
	assert.Equal(t, uint32(1), batch.DataChanges[0].ClientHandle)
	assert.Equal(t, 42.0, batch.DataChanges[0].Value.Value)
	assert.False(t, batch.MoreNotifications)

	statuses, err = srv.DeleteMonitoredItems(c.header, c.channel, subID, []uint32{res.MonitoredItemID})
	require.NoError(t, err)
	assert.Equal(t, []ua.StatusCode{ua.Good}, statuses)
	statuses, err = srv.DeleteMonitoredItems(c.header, c.channel, subID, []uint32{res.MonitoredItemID})
	require.NoError(t, err)
	assert.Equal(t, []ua.StatusCode{ua.BadMonitoredItemIDInvalid}, statuses)
	assert.Equal(t, 0, srv.Diagnostics().DataItems)
}

func TestDirectStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.Strategy = "monitored_node"
	space := newAddressSpace(t)
	srv := newTestServer(t, cfg, space)
	c := connect(t, srv, nil)
	subID := c.subscribe(1000)

	res := c.monitorValue(subID, constantID, ua.MonitoringModeReporting, 50)
	require.Equal(t, ua.Good, res.StatusCode)
	assert.Equal(t, 50.0, res.RevisedSamplingInterval)
	assert.Equal(t, 0, srv.Diagnostics().SamplingGroups)

	node, ok := space.Node(constantID)
	require.True(t, ok)
	node.Write(43.0, ua.Good)

	batch := c.publish(subID)
	require.Len(t, batch.DataChanges, 2)
	assert.Equal(t, 42.0, batch.DataChanges[0].Value.Value)
	assert.Equal(t, 43.0, batch.DataChanges[1].Value.Value)
}

func TestCreateMonitoredItemsErrors(t *testing.T) {
	srv := newTestServer(t, testConfig(), newAddressSpace(t))
	c := connect(t, srv, nil)
	subID := c.subscribe(0)

	_, err := srv.CreateMonitoredItems(c.header, c.channel, subID+1, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{valueRequest(constantID, ua.MonitoringModeReporting, 100)})
	assert.Equal(t, ua.BadSubscriptionIDInvalid, err)
	_, err = srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, nil)
	assert.Equal(t, ua.BadNothingToDo, err)
	_, err = srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturn(9), []ua.MonitoredItemCreateRequest{valueRequest(constantID, ua.MonitoringModeReporting, 100)})
	assert.Equal(t, ua.BadTimestampsToReturnInvalid, err)

	withEventFilter := valueRequest(constantID, ua.MonitoringModeReporting, 100)
	withEventFilter.RequestedParameters.Filter = ua.EventFilter{}
	withDataFilter := eventRequest(boilerID)
	withDataFilter.RequestedParameters.Filter = ua.DataChangeFilter{Trigger: ua.DataChangeTriggerStatus}

	results, err := srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{
		valueRequest(ua.NewNodeIDNumeric(simulators.Namespace, 404), ua.MonitoringModeReporting, 100),
		withEventFilter,
		withDataFilter,
		eventRequest(constantID),
		valueRequest(constantID, ua.MonitoringModeSampling, -1),
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, ua.BadNodeIDUnknown, results[0].StatusCode)
	assert.Equal(t, ua.BadFilterNotAllowed, results[1].StatusCode)
	assert.Equal(t, ua.BadFilterNotAllowed, results[2].StatusCode)
	assert.Equal(t, ua.BadNotSupported, results[3].StatusCode, "variables raise no events")
	assert.Equal(t, ua.Good, results[4].StatusCode)
	assert.Equal(t, 100.0, results[4].RevisedSamplingInterval, "negative interval uses the publishing interval")

	other := connect(t, srv, nil)
	_, err = srv.CreateMonitoredItems(other.header, other.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{valueRequest(constantID, ua.MonitoringModeReporting, 100)})
	assert.Equal(t, ua.BadSubscriptionIDInvalid, err, "subscriptions belong to their session")
}

func TestWhereClauseOperandsMustPointForward(t *testing.T) {
	srv := newTestServer(t, testConfig(), newAddressSpace(t))
	c := connect(t, srv, nil)
	subID := c.subscribe(0)

	cyclic := ua.EventFilter{
		SelectClauses: []ua.SimpleAttributeOperand{messageClause},
		WhereClause: ua.ContentFilter{Elements: []ua.ContentFilterElement{
			{FilterOperator: ua.FilterOperatorNot, FilterOperands: []ua.ExtensionObject{ua.ElementOperand{Index: 0}}},
		}},
	}
	outOfRange := ua.EventFilter{
		SelectClauses: []ua.SimpleAttributeOperand{messageClause},
		WhereClause: ua.ContentFilter{Elements: []ua.ContentFilterElement{
			{FilterOperator: ua.FilterOperatorNot, FilterOperands: []ua.ExtensionObject{ua.ElementOperand{Index: 3}}},
		}},
	}
	onServer := eventRequest(ua.ObjectIDServer)
	onServer.RequestedParameters.Filter = cyclic
	onBoiler := eventRequest(boilerID)
	onBoiler.RequestedParameters.Filter = outOfRange

	results, err := srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{
		onServer,
		onBoiler,
		eventRequest(ua.ObjectIDServer),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ua.BadFilterOperandInvalid, results[0].StatusCode)
	assert.Equal(t, ua.BadFilterOperandInvalid, results[1].StatusCode)
	require.Equal(t, ua.Good, results[2].StatusCode)
	assert.Equal(t, 1, srv.Diagnostics().EventItems)

	modified, err := srv.ModifyMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemModifyRequest{
		{MonitoredItemID: results[2].MonitoredItemID, RequestedParameters: ua.MonitoringParameters{ClientHandle: 2, SamplingInterval: -1, QueueSize: 10, Filter: cyclic}},
	})
	require.NoError(t, err)
	require.Len(t, modified, 1)
	assert.Equal(t, ua.BadFilterOperandInvalid, modified[0].StatusCode)
}

func TestModifyMonitoredItems(t *testing.T) {
	srv := newTestServer(t, testConfig(), newAddressSpace(t))
	c := connect(t, srv, nil)
	subID := c.subscribe(500)
	res := c.monitorValue(subID, constantID, ua.MonitoringModeReporting, 100)

	results, err := srv.ModifyMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnServer, []ua.MonitoredItemModifyRequest{
		{MonitoredItemID: res.MonitoredItemID, RequestedParameters: ua.MonitoringParameters{ClientHandle: 9, SamplingInterval: 330, QueueSize: 1000}},
		{MonitoredItemID: 999, RequestedParameters: ua.MonitoringParameters{}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ua.Good, results[0].StatusCode)
	assert.Equal(t, 400.0, results[0].RevisedSamplingInterval)
	assert.Equal(t, uint32(100), results[0].RevisedQueueSize)
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, results[1].StatusCode)
}

func TestServerEvents(t *testing.T) {
	space := newAddressSpace(t)
	srv := newTestServer(t, testConfig(), space)
	c := connect(t, srv, nil)
	subID := c.subscribe(250)

	results, err := srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{
		eventRequest(ua.ObjectIDServer),
		eventRequest(boilerID),
	})
	require.NoError(t, err)
	require.Equal(t, ua.Good, results[0].StatusCode)
	require.Equal(t, ua.Good, results[1].StatusCode)
	assert.Equal(t, 250.0, results[0].RevisedSamplingInterval)
	assert.Equal(t, 2, srv.Diagnostics().EventItems)

	boiler, ok := space.Node(boilerID)
	require.True(t, ok)
	space.RaiseEvent(boiler, 500, "Boiler overheating")
	space.RaiseEvent(space.Server(), 100, "Server restarted")

	batch := c.publish(subID)
	require.Len(t, batch.Events, 3, "the server sees every event, the boiler only its own")
	assert.Equal(t, ua.LocalizedText{Text: "Boiler overheating"}, batch.Events[0].Fields[0])
	assert.Equal(t, ua.LocalizedText{Text: "Server restarted"}, batch.Events[1].Fields[0])
	assert.Equal(t, ua.LocalizedText{Text: "Boiler overheating"}, batch.Events[2].Fields[0])

	statuses, err := srv.DeleteMonitoredItems(c.header, c.channel, subID, []uint32{results[0].MonitoredItemID, results[1].MonitoredItemID})
	require.NoError(t, err)
	assert.Equal(t, []ua.StatusCode{ua.Good, ua.Good}, statuses)
	assert.Equal(t, 0, srv.Diagnostics().EventItems)
	assert.Equal(t, 0, srv.Diagnostics().MonitoredNodes)
}

func TestPublishLimit(t *testing.T) {
	space := newAddressSpace(t)
	srv := newTestServer(t, testConfig(), space)
	c := connect(t, srv, nil)
	subID := c.subscribe(100)

	results, err := srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{eventRequest(boilerID)})
	require.NoError(t, err)
	require.Equal(t, ua.Good, results[0].StatusCode)
	boiler, _ := space.Node(boilerID)
	for i := 0; i < 3; i++ {
		space.RaiseEvent(boiler, 100, "tick")
	}

	batch, err := srv.Publish(c.header, c.channel, subID, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 2)
	assert.True(t, batch.MoreNotifications)
	batch, err = srv.Publish(c.header, c.channel, subID, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 1)
	assert.False(t, batch.MoreNotifications)
}

func TestCloseSessionCascades(t *testing.T) {
	srv := newTestServer(t, testConfig(), newAddressSpace(t))
	c := connect(t, srv, nil)
	subID := c.subscribe(100)
	results, err := srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{
		valueRequest(constantID, ua.MonitoringModeReporting, 100),
		eventRequest(ua.ObjectIDServer),
		eventRequest(boilerID),
	})
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, ua.Good, r.StatusCode)
	}

	require.NoError(t, srv.CloseSession(c.header, c.channel, true))
	d := srv.Diagnostics()
	assert.Equal(t, 0, d.Sessions)
	assert.Equal(t, 0, d.Subscriptions)
	assert.Equal(t, 0, d.DataItems)
	assert.Equal(t, 0, d.EventItems)
	assert.Empty(t, srv.items.MonitoredItems())

	_, err = srv.Publish(c.header, c.channel, subID, 0)
	assert.Equal(t, ua.BadSessionIDInvalid, err)
}

func TestSetDurableNeedsEmptySubscription(t *testing.T) {
	srv := newTestServer(t, testConfig(), newAddressSpace(t))
	c := connect(t, srv, nil)
	subID := c.subscribe(100)
	c.monitorValue(subID, constantID, ua.MonitoringModeReporting, 100)

	assert.Equal(t, ua.BadInvalidState, srv.SetDurable(c.header, c.channel, subID))
	assert.Equal(t, ua.BadSubscriptionIDInvalid, srv.SetDurable(c.header, c.channel, subID+1))
}

// keepOpen shares one store between servers of a test.
type keepOpen struct {
	ports.SubscriptionStore
}

func (keepOpen) Close(context.Context) error { return nil }

func TestDurableSubscriptionSurvivesRestart(t *testing.T) {
	mem := store.NewMemory(zaptest.NewLogger(t).Sugar())
	space := newAddressSpace(t)

	first := newTestServer(t, testConfig(), space, WithStore(keepOpen{mem}))
	c := connect(t, first, nil)
	subID := c.subscribe(100)
	require.NoError(t, first.SetDurable(c.header, c.channel, subID))
	res := c.monitorValue(subID, constantID, ua.MonitoringModeReporting, 100)
	require.Equal(t, ua.Good, res.StatusCode)
	assert.Equal(t, uint32(10), res.RevisedQueueSize)

	require.NoError(t, first.CloseSession(c.header, c.channel, false))
	item, ok := first.items.MonitoredItem(res.MonitoredItemID)
	require.True(t, ok, "durable items outlive their session")
	assert.Nil(t, item.Session())
	assert.Equal(t, 1, first.Diagnostics().Subscriptions)
	require.NoError(t, first.StoreSubscriptions(context.Background()))

	second := newTestServer(t, testConfig(), space, WithStore(keepOpen{mem}))
	n, err := second.RestoreSubscriptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok = second.items.MonitoredItem(res.MonitoredItemID)
	require.True(t, ok)

	stranger := connect(t, second, ua.UserNameIdentity{UserName: "root", Password: "secret"})
	_, err = second.TransferMonitoredItems(stranger.header, stranger.channel, subID, true, []uint32{res.MonitoredItemID})
	assert.Equal(t, ua.BadUserAccessDenied, err)

	owner := connect(t, second, nil)
	statuses, err := second.TransferMonitoredItems(owner.header, owner.channel, subID, true, []uint32{res.MonitoredItemID, 999})
	require.NoError(t, err)
	assert.Equal(t, []ua.StatusCode{ua.Good, ua.BadMonitoredItemIDInvalid}, statuses)

	batch := owner.publish(subID)
	require.NotEmpty(t, batch.DataChanges)
	assert.Equal(t, 42.0, batch.DataChanges[len(batch.DataChanges)-1].Value.Value)

	next := owner.subscribe(100)
	assert.Greater(t, next, subID, "restored ids are not handed out again")

	require.NoError(t, second.DeleteSubscription(owner.header, owner.channel, subID))
	stored, err := mem.RestoreSubscriptions(context.Background())
	require.NoError(t, err)
	for _, st := range stored {
		assert.NotEqual(t, subID, st.ID)
	}
}

func TestCancel(t *testing.T) {
	srv := newTestServer(t, testConfig(), newAddressSpace(t))
	c := connect(t, srv, nil)

	n, err := srv.Cancel(c.header, c.channel, 77)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)

	_, err = srv.Cancel(model.RequestHeader{AuthenticationToken: ua.NewNodeIDNumeric(0, 1)}, c.channel, 77)
	assert.Equal(t, ua.BadSessionIDInvalid, err)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	space := newAddressSpace(t)
	srv := newTestServer(t, testConfig(), space, WithMetrics(m))
	c := connect(t, srv, nil)
	subID := c.subscribe(100)

	results, err := srv.CreateMonitoredItems(c.header, c.channel, subID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{
		valueRequest(constantID, ua.MonitoringModeReporting, 100),
		eventRequest(ua.ObjectIDServer),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MonitoredItems.WithLabelValues("data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MonitoredItems.WithLabelValues("event")))

	space.RaiseEvent(space.Server(), 100, "ping")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportedEvents))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SamplingCycles.WithLabelValues("100ms")) > 0
	}, 2*time.Second, 20*time.Millisecond)

	batch := c.publish(subID)
	assert.Equal(t, float64(len(batch.Events)), testutil.ToFloat64(m.Notifications.WithLabelValues("event")))
}

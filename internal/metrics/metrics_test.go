package metrics

import (
	"testing"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/session"
	"github.com/awcullen/opcua/ua"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSession(session.Event{Kind: session.EventCreated})
	m.ObserveSession(session.Event{Kind: session.EventCreated})
	m.ObserveSession(session.Event{Kind: session.EventActivated})
	m.ObserveSession(session.Event{Kind: session.EventClosing})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionEvents.WithLabelValues("Created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionEvents.WithLabelValues("Closing")))
}

func TestCancelledAndNotifications(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ctx := model.NewOperationContext(model.RequestHeader{}, model.RequestTypeRead, nil, model.ChannelBinding{})

	m.ObserveCancelled(ctx, ua.BadTimeout)
	m.ObserveCancelled(ctx, ua.BadTimeout)
	m.AddNotifications(3, 0)
	m.AddNotifications(1, 2)
	m.SetMonitoredItems("data", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CancelledReqs.WithLabelValues(ctx.RequestType.String(), ua.BadTimeout.Error())))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Notifications.WithLabelValues("data")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Notifications.WithLabelValues("event")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MonitoredItems.WithLabelValues("data")))
}

func TestCycleObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCycle(100, 3, 2*time.Millisecond)
	m.ObserveCycle(100, 3, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SamplingCycles.WithLabelValues("100ms")))
	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "uacore_sampling_cycle_seconds")
}

func TestNilRegisterer(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil).ObserveSession(session.Event{Kind: session.EventCreated})
	})
}

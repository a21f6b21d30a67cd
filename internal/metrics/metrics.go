// Package metrics exposes engine activity as prometheus collectors.
package metrics

import (
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/session"
	"github.com/awcullen/opcua/ua"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uacore"

type Metrics struct {
	Sessions         prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	CancelledReqs    *prometheus.CounterVec
	MonitoredItems   *prometheus.GaugeVec
	Notifications    *prometheus.CounterVec
	SamplingCycles   *prometheus.CounterVec
	SamplingDuration *prometheus.HistogramVec
	ReportedEvents   prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of live sessions.",
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by kind.",
		}, []string{"kind"}),
		CancelledReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_cancelled_total",
			Help:      "Requests cancelled by the client or timed out.",
		}, []string{"request_type", "status"}),
		MonitoredItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_items",
			Help:      "Number of monitored items by kind.",
		}, []string{"kind"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Notifications drained by publish requests.",
		}, []string{"kind"}),
		SamplingCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sampling_cycles_total",
			Help:      "Poll cycles run by the sampling groups.",
		}, []string{"interval"}),
		SamplingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sampling_cycle_seconds",
			Help:      "Time spent sampling the items of one group.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"interval"}),
		ReportedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_reported_total",
			Help:      "Events reported to the server object.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Sessions,
			m.SessionEvents,
			m.CancelledReqs,
			m.MonitoredItems,
			m.Notifications,
			m.SamplingCycles,
			m.SamplingDuration,
			m.ReportedEvents,
		)
	}
	return m
}

// ObserveSession is a session.Observer.
func (m *Metrics) ObserveSession(evt session.Event) {
	m.SessionEvents.WithLabelValues(evt.Kind.String()).Inc()
	switch evt.Kind {
	case session.EventCreated:
		m.Sessions.Inc()
	case session.EventClosing:
		m.Sessions.Dec()
	}
}

// ObserveCancelled is a request.CancelledFunc.
func (m *Metrics) ObserveCancelled(ctx *model.OperationContext, status ua.StatusCode) {
	m.CancelledReqs.WithLabelValues(ctx.RequestType.String(), status.Error()).Inc()
}

// ObserveCycle is a sampling.CycleFunc.
func (m *Metrics) ObserveCycle(interval float64, items int, elapsed time.Duration) {
	label := time.Duration(interval * float64(time.Millisecond)).String()
	m.SamplingCycles.WithLabelValues(label).Inc()
	m.SamplingDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// SetMonitoredItems records the item count of one kind ("data" or "event").
func (m *Metrics) SetMonitoredItems(kind string, n int) {
	m.MonitoredItems.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) AddNotifications(dataChanges, events int) {
	if dataChanges > 0 {
		m.Notifications.WithLabelValues("data").Add(float64(dataChanges))
	}
	if events > 0 {
		m.Notifications.WithLabelValues("event").Add(float64(events))
	}
}

package engine

import (
	"github.com/amine-amaach/uacore/internal/sampling"
	"github.com/awcullen/opcua/ua"
)

// Diagnostics is a snapshot of what the engine holds.
type Diagnostics struct {
	Sessions        int
	SessionTimeouts uint32
	PendingRequests int
	Subscriptions   int
	DataItems       int
	EventItems      int
	MonitoredNodes  int
	SamplingGroups  int
	// ModeCounts counts the items per monitoring mode.
	ModeCounts map[ua.MonitoringMode]int
}

func (s *Server) Diagnostics() Diagnostics {
	d := Diagnostics{
		Sessions:        s.sessions.Count(),
		SessionTimeouts: s.sessions.TimeoutCount(),
		PendingRequests: s.requests.Pending(),
		MonitoredNodes:  len(s.items.MonitoredNodes()),
		ModeCounts:      map[ua.MonitoringMode]int{},
	}
	s.subsMu.RLock()
	d.Subscriptions = len(s.subs)
	s.subsMu.RUnlock()

	for _, item := range s.items.MonitoredItems() {
		if item.IsDataChange() {
			d.DataItems++
		} else {
			d.EventItems++
		}
		d.ModeCounts[item.MonitoringMode()]++
	}
	for _, item := range s.events.MonitoredItems() {
		d.EventItems++
		d.ModeCounts[item.MonitoringMode()]++
	}
	if g, ok := s.items.(interface{ Groups() []*sampling.Group }); ok {
		d.SamplingGroups = len(g.Groups())
	}
	return d
}

func (s *Server) updateItemMetrics() {
	if s.metrics == nil {
		return
	}
	d := s.Diagnostics()
	s.metrics.SetMonitoredItems("data", d.DataItems)
	s.metrics.SetMonitoredItems("event", d.EventItems)
}

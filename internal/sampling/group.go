package sampling

import (
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CycleFunc observes every completed poll cycle.
type CycleFunc func(interval float64, items int, elapsed time.Duration)

// Group polls the items that share one effective sampling interval, one
// session (or saved owner) and one diagnostics mask.
//
// Items are staged by StartMonitoring/ModifyMonitoring/StopMonitoring and
// only reach the live set in ApplyChanges, so the poll loop never sees the
// set change under its feet.
type Group struct {
	sync.Mutex
	logger           *zap.SugaredLogger
	nodes            ports.NodeAccess
	rates            RateTable
	pool             *workerpool.WorkerPool
	onCycle          CycleFunc
	session          model.SessionRef
	owner            *model.Identity
	diagnosticsMask  model.DiagnosticsMasks
	samplingInterval float64
	itemsToAdd       []*monitoreditem.MonitoredItem
	itemsToRemove    []*monitoreditem.MonitoredItem
	items            map[uint32]*monitoreditem.MonitoredItem
	shutdown         chan struct{}
	done             chan struct{}
}

// NewGroup creates an idle group. Either ctx carries a session or owner
// must be set.
func NewGroup(logger *zap.SugaredLogger, nodes ports.NodeAccess, rates RateTable, pool *workerpool.WorkerPool, ctx *model.OperationContext, samplingInterval float64, owner *model.Identity) (*Group, error) {
	g := &Group{
		logger:          logger,
		nodes:           nodes,
		rates:           rates,
		pool:            pool,
		diagnosticsMask: ctx.DiagnosticsMask.Operation(),
		items:           map[uint32]*monitoreditem.MonitoredItem{},
	}
	g.session = ctx.Session
	if g.session == nil {
		if owner == nil {
			return nil, errors.New("sampling group needs a session or an owner identity")
		}
		g.owner = owner
	}
	g.samplingInterval = rates.AdjustSamplingInterval(samplingInterval)
	return g, nil
}

// Interval returns the effective sampling interval in ms.
func (g *Group) Interval() float64 {
	return g.samplingInterval
}

// Len returns the number of live items.
func (g *Group) Len() int {
	g.Lock()
	defer g.Unlock()
	return len(g.items)
}

// Running reports whether the poll loop is active.
func (g *Group) Running() bool {
	g.Lock()
	defer g.Unlock()
	return g.shutdown != nil
}

// StartMonitoring stages the item when it meets the group criteria.
func (g *Group) StartMonitoring(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, owner *model.Identity) bool {
	g.Lock()
	defer g.Unlock()
	if !g.meetsGroupCriteria(ctx, item, owner) {
		return false
	}
	g.itemsToAdd = append(g.itemsToAdd, item)
	item.SetSamplingInterval(g.samplingInterval)
	return true
}

// ModifyMonitoring keeps the item when it still fits, otherwise stages its
// removal and returns false so the caller can place it elsewhere.
func (g *Group) ModifyMonitoring(ctx *model.OperationContext, item *monitoreditem.MonitoredItem) bool {
	g.Lock()
	defer g.Unlock()
	if !g.contains(item) {
		return false
	}
	if g.meetsGroupCriteria(ctx, item, item.Owner()) {
		item.SetSamplingInterval(g.samplingInterval)
		return true
	}
	g.remove(item)
	return false
}

// StopMonitoring stages the removal of the item.
func (g *Group) StopMonitoring(item *monitoreditem.MonitoredItem) bool {
	g.Lock()
	defer g.Unlock()
	if !g.contains(item) {
		return false
	}
	g.remove(item)
	return true
}

func (g *Group) contains(item *monitoreditem.MonitoredItem) bool {
	if existing, ok := g.items[item.ID()]; ok && existing == item {
		return true
	}
	for _, pending := range g.itemsToAdd {
		if pending == item {
			return true
		}
	}
	return false
}

func (g *Group) remove(item *monitoreditem.MonitoredItem) {
	for i, pending := range g.itemsToAdd {
		if pending == item {
			g.itemsToAdd = append(g.itemsToAdd[:i], g.itemsToAdd[i+1:]...)
			return
		}
	}
	g.itemsToRemove = append(g.itemsToRemove, item)
}

// ApplyChanges moves staged items into the live set, takes a first sample
// of the new enabled items and starts or stops the poll loop. It returns
// true when the group is empty.
func (g *Group) ApplyChanges() bool {
	g.Lock()
	defer g.Unlock()

	itemsToSample := make([]*monitoreditem.MonitoredItem, 0, len(g.itemsToAdd))
	for _, item := range g.itemsToAdd {
		id := item.ID()
		if _, ok := g.items[id]; ok || id == 0 {
			continue
		}
		g.items[id] = item
		if item.MonitoringMode() != ua.MonitoringModeDisabled {
			itemsToSample = append(itemsToSample, item)
		}
	}
	g.itemsToAdd = nil

	if len(itemsToSample) > 0 {
		g.submit(func() { g.doSample(itemsToSample) })
	}

	for _, item := range g.itemsToRemove {
		if existing, ok := g.items[item.ID()]; ok && existing == item {
			delete(g.items, item.ID())
			continue
		}
		// deleted items already lost their id
		for id, existing := range g.items {
			if existing == item {
				delete(g.items, id)
			}
		}
	}
	g.itemsToRemove = nil

	if g.shutdown == nil && len(g.items) > 0 {
		g.startup()
	} else if len(g.items) == 0 {
		g.stop()
	}
	return len(g.items) == 0
}

func (g *Group) submit(fn func()) {
	if g.pool != nil {
		g.pool.Submit(fn)
		return
	}
	go fn()
}

func (g *Group) startup() {
	g.shutdown = make(chan struct{})
	g.done = make(chan struct{})
	go g.run(g.shutdown, g.done)
	g.logger.Debugf("Sampling group %vms started ⌛", g.samplingInterval)
}

// stop signals the poll loop and returns its done channel.
func (g *Group) stop() chan struct{} {
	done := g.done
	if g.shutdown != nil {
		close(g.shutdown)
		g.logger.Debugf("Sampling group %vms stopped", g.samplingInterval)
	}
	g.shutdown = nil
	g.done = nil
	return done
}

// Shutdown stops the poll loop, drops every item and waits for the loop to
// exit.
func (g *Group) Shutdown() {
	g.Lock()
	done := g.stop()
	g.items = map[uint32]*monitoreditem.MonitoredItem{}
	g.itemsToAdd = nil
	g.itemsToRemove = nil
	g.Unlock()
	if done != nil {
		<-done
	}
}

func (g *Group) meetsGroupCriteria(ctx *model.OperationContext, item *monitoreditem.MonitoredItem, owner *model.Identity) bool {
	if !item.IsDataChange() {
		return false
	}
	if item.MonitoringMode() == ua.MonitoringModeDisabled {
		return false
	}
	if g.rates.AdjustSamplingInterval(item.SamplingInterval()) != g.samplingInterval {
		return false
	}
	if g.session == nil && ctx.SessionID() == nil {
		if owner == nil {
			owner = item.Owner()
		}
		if !g.owner.Equal(owner) {
			return false
		}
	} else if ctx.SessionID() != g.sessionID() {
		return false
	}
	return g.diagnosticsMask == ctx.DiagnosticsMask.Operation()
}

func (g *Group) sessionID() ua.NodeID {
	if g.session == nil {
		return nil
	}
	return g.session.ID()
}

func (g *Group) run(shutdown, done chan struct{}) {
	defer close(done)
	cycle := time.Duration(g.samplingInterval * float64(time.Millisecond))
	if cycle <= 0 {
		cycle = time.Millisecond
	}
	timeToWait := cycle
	timer := time.NewTimer(timeToWait)
	defer timer.Stop()
	for {
		start := time.Now()
		select {
		case <-shutdown:
			return
		case <-timer.C:
		}

		g.Lock()
		items := make([]*monitoreditem.MonitoredItem, 0, len(g.items))
		for _, item := range g.items {
			if item.MonitoringMode() == ua.MonitoringModeDisabled {
				continue
			}
			items = append(items, item)
		}
		g.Unlock()

		g.doSample(items)

		delay := time.Since(start)
		timeToWait = cycle
		if delay > cycle {
			timeToWait = 2*cycle - delay
			if timeToWait < 0 {
				g.logger.Warnf("Sampling group cannot sample fast enough ⛔ TimeToSample=%v, SamplingInterval=%v", delay, cycle)
				timeToWait = cycle
			}
		}
		if g.onCycle != nil {
			g.onCycle(g.samplingInterval, len(items), delay)
		}
		timer.Reset(timeToWait)
	}
}

// doSample reads every item and queues the result. A read that produced
// nothing is reported as BadInternalError.
func (g *Group) doSample(items []*monitoreditem.MonitoredItem) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorf("Unexpected error sampling values: %v", r)
		}
	}()
	if len(items) == 0 {
		return
	}

	var ctx *model.OperationContext
	if g.session != nil {
		ctx = model.NewItemContext(g.session, nil, g.diagnosticsMask)
	} else {
		first := items[0]
		ctx = model.NewItemContext(first.Session(), first.EffectiveIdentity(), g.diagnosticsMask)
	}
	defer ctx.Done()

	for _, item := range items {
		if !item.Created() {
			continue
		}
		value, err := g.nodes.ReadAttribute(ctx, item.ItemToMonitor())
		if value == nil {
			now := time.Now()
			if err == nil {
				err = ua.BadInternalError
			}
			value = &ua.DataValue{StatusCode: ua.BadInternalError, ServerTimestamp: now}
		}
		item.QueueValue(*value, err)
	}
}

// Package simulators provides an address space whose variables are fed by
// simulated IoT sensors.
package simulators

import (
	"context"
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Namespace holds the simulated nodes.
const Namespace = 2

// EventFunc receives the events raised by the simulation. The engine
// installs one to route Server object events to its event items.
type EventFunc func(ctx *model.OperationContext, evt ua.Event)

type AddressSpace struct {
	sync.RWMutex
	logger      *zap.SugaredLogger
	permissions ports.PermissionValidator
	background  *model.OperationContext
	nodes       map[ua.NodeID]*Node
	sensors     []*IoTSensorSim
	server      *Node
	onEvent     EventFunc
	wg          sync.WaitGroup
}

// Option configures an AddressSpace.
type Option func(*AddressSpace)

func WithPermissions(p ports.PermissionValidator) Option {
	return func(a *AddressSpace) { a.permissions = p }
}

// NewAddressSpace creates the Server object and one Double variable per
// sensor, identified by a string node id in Namespace.
func NewAddressSpace(logger *zap.SugaredLogger, sensors []component.IoTSensor, opts ...Option) *AddressSpace {
	a := &AddressSpace{
		logger:      logger,
		permissions: ports.AllowAll,
		background:  model.NewOwnerContext(model.Anonymous(), 0),
		nodes:       make(map[ua.NodeID]*Node),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.server = a.AddObject(ua.ObjectIDServer, "Server", ua.EventNotifierSubscribeToEvents)
	for _, cfg := range sensors {
		node := a.AddVariable(ua.NewNodeIDString(Namespace, cfg.SensorId), cfg.SensorId, nil)
		node.value = ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, 0, time.Now(), 0)
		a.sensors = append(a.sensors, NewIoTSensorSim(cfg, node))
	}
	return a
}

func (a *AddressSpace) newNode(id ua.NodeID, class ua.NodeClass, name string) *Node {
	return &Node{
		id:          id,
		class:       class,
		browseName:  ua.QualifiedName{NamespaceIndex: Namespace, Name: name},
		permissions: a.permissions,
		background:  a.background,
	}
}

// AddObject adds an object node. An object with the SubscribeToEvents
// notifier bit can be monitored for events.
func (a *AddressSpace) AddObject(id ua.NodeID, name string, eventNotifier byte) *Node {
	n := a.newNode(id, ua.NodeClassObject, name)
	n.eventNotifier = eventNotifier
	a.Lock()
	a.nodes[id] = n
	a.Unlock()
	return n
}

// AddVariable adds a variable node holding value.
func (a *AddressSpace) AddVariable(id ua.NodeID, name string, value ua.Variant) *Node {
	n := a.newNode(id, ua.NodeClassVariable, name)
	now := time.Now()
	n.value = ua.NewDataValue(value, ua.Good, now, 0, now, 0)
	a.Lock()
	a.nodes[id] = n
	a.Unlock()
	return n
}

// Node returns the concrete node.
func (a *AddressSpace) Node(id ua.NodeID) (*Node, bool) {
	a.RLock()
	defer a.RUnlock()
	n, ok := a.nodes[id]
	return n, ok
}

func (a *AddressSpace) FindNode(id ua.NodeID) (ports.MonitorableNode, bool) {
	n, ok := a.Node(id)
	if !ok {
		return nil, false
	}
	return n, true
}

func (a *AddressSpace) ReadAttribute(ctx *model.OperationContext, id ua.ReadValueID) (*ua.DataValue, error) {
	n, ok := a.Node(id.NodeID)
	if !ok {
		return nil, ua.BadNodeIDUnknown
	}
	return n.ReadAttribute(ctx, id.AttributeID, id.IndexRange, id.DataEncoding)
}

// Server returns the Server object.
func (a *AddressSpace) Server() *Node {
	return a.server
}

func (a *AddressSpace) Sensors() []*IoTSensorSim {
	return a.sensors
}

// OnEvent installs the receiver of simulation events.
func (a *AddressSpace) OnEvent(fn EventFunc) {
	a.Lock()
	defer a.Unlock()
	a.onEvent = fn
}

// RaiseEvent reports a BaseEvent with source as its source node.
func (a *AddressSpace) RaiseEvent(source *Node, severity uint16, message string) *ua.BaseEvent {
	id := uuid.New()
	now := time.Now()
	evt := &ua.BaseEvent{
		EventID:     ua.ByteString(id[:]),
		EventType:   ua.ObjectTypeIDBaseEventType,
		SourceNode:  source.NodeID(),
		SourceName:  source.BrowseName().Name,
		Time:        now,
		ReceiveTime: now,
		Message:     ua.LocalizedText{Text: message},
		Severity:    severity,
	}
	source.ReportEvent(a.background, evt)
	a.RLock()
	fn := a.onEvent
	a.RUnlock()
	if fn != nil {
		fn(a.background, evt)
	}
	return evt
}

// Run starts every sensor; they stop when ctx is done. Wait blocks until
// they have.
func (a *AddressSpace) Run(ctx context.Context) {
	for _, s := range a.sensors {
		a.wg.Add(1)
		go func(s *IoTSensorSim) {
			defer a.wg.Done()
			s.Run(ctx, a, a.logger)
		}(s)
	}
	a.logger.Infof("Simulating %d sensor(s) 🔔", len(a.sensors))
}

func (a *AddressSpace) Wait() {
	a.wg.Wait()
}

package request

import (
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSweepInterval is the period of the deadline sweep.
const DefaultSweepInterval = time.Second

// CancelledFunc observes requests that were cancelled or timed out.
type CancelledFunc func(ctx *model.OperationContext, status ua.StatusCode)

// Manager tracks the requests in flight so they can be cancelled by the
// client or time out.
type Manager struct {
	sync.Mutex
	logger    *zap.SugaredLogger
	audit     ports.AuditSink
	sweep     time.Duration
	requests  map[uint32]*model.OperationContext
	observers []CancelledFunc
	stop      chan struct{}
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAudit receives an audit event per cancelled request.
func WithAudit(sink ports.AuditSink) Option {
	return func(m *Manager) { m.audit = sink }
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweep = d
		}
	}
}

func NewManager(logger *zap.SugaredLogger, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger,
		audit:    ports.NopAudit,
		sweep:    DefaultSweepInterval,
		requests: map[uint32]*model.OperationContext{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn for every cancelled or timed out request.
func (m *Manager) Subscribe(fn CancelledFunc) {
	m.Lock()
	defer m.Unlock()
	m.observers = append(m.observers, fn)
}

// RequestReceived starts tracking ctx. The sweep starts with the first
// request that carries a deadline.
func (m *Manager) RequestReceived(ctx *model.OperationContext) {
	m.Lock()
	defer m.Unlock()
	m.requests[ctx.RequestID] = ctx
	if ctx.HasDeadline() && m.stop == nil {
		m.stop = make(chan struct{})
		go m.run(m.stop)
	}
}

// RequestCompleted stops tracking ctx.
func (m *Manager) RequestCompleted(ctx *model.OperationContext) {
	m.Lock()
	defer m.Unlock()
	delete(m.requests, ctx.RequestID)
}

// Pending returns the number of requests in flight.
func (m *Manager) Pending() int {
	m.Lock()
	defer m.Unlock()
	return len(m.requests)
}

// Sweeping reports whether the deadline sweep is running.
func (m *Manager) Sweeping() bool {
	m.Lock()
	defer m.Unlock()
	return m.stop != nil
}

// CancelRequests flags every request with the client handle as cancelled
// and returns how many there were.
func (m *Manager) CancelRequests(requestHandle uint32) uint32 {
	var cancelled []*model.OperationContext
	m.Lock()
	for _, ctx := range m.requests {
		if ctx.ClientHandle != requestHandle {
			continue
		}
		ctx.SetOperationStatus(ua.BadRequestCancelledByRequest)
		cancelled = append(cancelled, ctx)
	}
	observers := m.observers
	audit := m.audit
	m.Unlock()

	for _, ctx := range cancelled {
		audit.Audit(&model.AuditEvent{
			ID:            uuid.NewString(),
			Kind:          model.AuditCancel,
			Time:          m.now(),
			SessionID:     ctx.SessionID(),
			AuditEntryID:  ctx.AuditEntryID,
			RequestHandle: requestHandle,
			Status:        ua.Good,
			Message:       "Request cancelled",
		})
	}
	m.notify(observers, cancelled, ua.BadRequestCancelledByRequest)
	return uint32(len(cancelled))
}

// Shutdown flags every request in flight as closed and stops the sweep.
func (m *Manager) Shutdown() {
	m.Lock()
	requests := m.requests
	m.requests = map[uint32]*model.OperationContext{}
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.Unlock()

	for _, ctx := range requests {
		ctx.SetOperationStatus(ua.BadSessionClosed)
	}
}

func (m *Manager) run(stop chan struct{}) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.expire(stop) {
				return
			}
		}
	}
}

// expire times out the requests past their deadline. It returns false and
// releases the sweep once no request carries a deadline anymore.
func (m *Manager) expire(stop chan struct{}) bool {
	now := m.now()
	var expired []*model.OperationContext
	deadlineExists := false

	m.Lock()
	for _, ctx := range m.requests {
		switch {
		case ctx.Expired(now):
			if ctx.SetOperationStatus(ua.BadTimeout) {
				expired = append(expired, ctx)
			}
		case ctx.HasDeadline():
			deadlineExists = true
		}
	}
	keepRunning := deadlineExists
	if !keepRunning && m.stop == stop {
		m.stop = nil
	}
	observers := m.observers
	m.Unlock()

	if len(expired) > 0 {
		m.logger.Debugf("%d request(s) timed out", len(expired))
	}
	m.notify(observers, expired, ua.BadTimeout)
	return keepRunning
}

func (m *Manager) notify(observers []CancelledFunc, requests []*model.OperationContext, status ua.StatusCode) {
	for _, ctx := range requests {
		for _, fn := range observers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Errorf("Unexpected error reporting cancelled request %d: %v", ctx.RequestID, r)
					}
				}()
				fn(ctx, status)
			}()
		}
	}
}

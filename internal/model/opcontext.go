package model

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awcullen/opcua/ua"
)

// SessionRef is the view of a session that monitored items and sampling
// groups need. It is implemented by session.Session.
type SessionRef interface {
	ID() ua.NodeID
	Identity() *Identity
	EffectiveIdentity() *Identity
	Channel() ChannelBinding
}

// RequestHeader carries the common request parameters.
type RequestHeader struct {
	AuthenticationToken ua.NodeID
	Timestamp           time.Time
	RequestHandle       uint32
	ReturnDiagnostics   DiagnosticsMasks
	AuditEntryID        string
	// TimeoutHint in ms, 0 means no deadline.
	TimeoutHint uint32
}

var requestID uint32

// OperationContext follows one request through the engine. Its status is
// flipped by the request manager on cancel or timeout; long running work
// checks it at its next safe point.
type OperationContext struct {
	RequestID       uint32
	RequestType     RequestType
	ClientHandle    uint32
	Session         SessionRef
	DiagnosticsMask DiagnosticsMasks
	AuditEntryID    string
	Channel         ChannelBinding
	// Deadline is zero when the request never times out.
	Deadline time.Time

	identity *Identity
	status   uint32
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

// NewOperationContext builds the context for a request.
func NewOperationContext(header RequestHeader, rt RequestType, session SessionRef, channel ChannelBinding) *OperationContext {
	ctx, cancel := context.WithCancel(context.Background())
	oc := &OperationContext{
		RequestID:       atomic.AddUint32(&requestID, 1),
		RequestType:     rt,
		ClientHandle:    header.RequestHandle,
		Session:         session,
		DiagnosticsMask: header.ReturnDiagnostics,
		AuditEntryID:    header.AuditEntryID,
		Channel:         channel,
		ctx:             ctx,
		cancel:          cancel,
	}
	if header.TimeoutHint > 0 {
		oc.Deadline = time.Now().Add(time.Duration(header.TimeoutHint) * time.Millisecond)
	}
	return oc
}

// NewOwnerContext builds a context for work done on behalf of an owner
// identity without a session, e.g. a restored durable subscription.
func NewOwnerContext(owner *Identity, masks DiagnosticsMasks) *OperationContext {
	oc := NewOperationContext(RequestHeader{ReturnDiagnostics: masks}, RequestTypeUnknown, nil, ChannelBinding{})
	oc.identity = owner
	return oc
}

// NewItemContext builds a context for background work on behalf of a
// monitored item's owner.
func NewItemContext(session SessionRef, owner *Identity, masks DiagnosticsMasks) *OperationContext {
	var channel ChannelBinding
	if session != nil {
		channel = session.Channel()
	}
	oc := NewOperationContext(RequestHeader{ReturnDiagnostics: masks}, RequestTypeUnknown, session, channel)
	oc.identity = owner
	return oc
}

// SessionID returns nil for session-less contexts.
func (oc *OperationContext) SessionID() ua.NodeID {
	if oc == nil || oc.Session == nil {
		return nil
	}
	return oc.Session.ID()
}

// UserIdentity returns the effective identity of the caller.
func (oc *OperationContext) UserIdentity() *Identity {
	if oc == nil {
		return nil
	}
	if oc.Session != nil {
		if id := oc.Session.EffectiveIdentity(); id != nil {
			return id
		}
	}
	return oc.identity
}

// SetUserIdentity overrides the identity of a session-less context.
func (oc *OperationContext) SetUserIdentity(id *Identity) {
	oc.identity = id
}

// Context is cancelled as soon as the operation status turns bad.
func (oc *OperationContext) Context() context.Context {
	return oc.ctx
}

func (oc *OperationContext) OperationStatus() ua.StatusCode {
	return ua.StatusCode(atomic.LoadUint32(&oc.status))
}

// SetOperationStatus records the outcome of cancel/timeout. The first bad
// status wins.
func (oc *OperationContext) SetOperationStatus(code ua.StatusCode) bool {
	if !atomic.CompareAndSwapUint32(&oc.status, uint32(ua.Good), uint32(code)) {
		return false
	}
	if code.IsBad() {
		oc.once.Do(oc.cancel)
	}
	return true
}

// Err returns the recorded status when it is bad.
func (oc *OperationContext) Err() error {
	if code := oc.OperationStatus(); code.IsBad() {
		return code
	}
	return nil
}

// HasDeadline reports whether the request carries a finite deadline.
func (oc *OperationContext) HasDeadline() bool {
	return !oc.Deadline.IsZero()
}

// Expired reports whether the deadline has passed at now.
func (oc *OperationContext) Expired(now time.Time) bool {
	return oc.HasDeadline() && now.After(oc.Deadline)
}

// Done releases the context resources.
func (oc *OperationContext) Done() {
	oc.once.Do(oc.cancel)
}

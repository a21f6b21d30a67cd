package session

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const nonceLength = 32

// ImpersonateFunc lets the application validate an activation. It may
// replace the identity and the effective identity, or reject the
// activation with an error.
type ImpersonateFunc func(s *Session, identity *model.Identity, channel model.ChannelBinding) (*model.Identity, *model.Identity, error)

// SessionLessFunc validates requests that carry no known session token and
// returns the identity they run as.
type SessionLessFunc func(token ua.NodeID, rt model.RequestType) (*model.Identity, error)

// CreateRequest holds the client parameters of CreateSession.
type CreateRequest struct {
	SessionName      string
	ClientNonce      []byte
	EndpointURL      string
	RequestedTimeout float64 // ms
}

// Manager owns the sessions of a server.
type Manager struct {
	sync.Mutex // serializes create and activate
	logger       *zap.SugaredLogger
	cfg          component.Sessions
	users        users
	audit        ports.AuditSink
	impersonate  ImpersonateFunc
	sessionLess  SessionLessFunc
	sessions     sync.Map // authentication token -> *Session
	count        int32
	lastToken    uint32
	timeoutCount uint32

	observersMu sync.RWMutex
	observers   []Observer

	shutdown chan struct{}
	done     chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

func WithAudit(sink ports.AuditSink) Option {
	return func(m *Manager) { m.audit = sink }
}

func WithImpersonation(fn ImpersonateFunc) Option {
	return func(m *Manager) { m.impersonate = fn }
}

func WithSessionLessRequests(fn SessionLessFunc) Option {
	return func(m *Manager) { m.sessionLess = fn }
}

// NewManager hashes the configured user passwords and returns a stopped
// manager; call Startup to run the liveness monitor.
func NewManager(cfg component.Sessions, logger *zap.SugaredLogger, opts ...Option) (*Manager, error) {
	u, err := newUsers(cfg.Users)
	if err != nil {
		return nil, errors.Wrap(err, "hash user passwords")
	}
	m := &Manager{
		logger: logger,
		cfg:    cfg,
		users:  u,
		audit:  ports.NopAudit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Startup starts the liveness monitor.
func (m *Manager) Startup() {
	m.Lock()
	defer m.Unlock()
	if m.shutdown != nil {
		return
	}
	m.shutdown = make(chan struct{})
	m.done = make(chan struct{})
	go m.monitor(m.shutdown, m.done, m.cfg.Sweep())
}

// Shutdown stops the liveness monitor and closes every session.
func (m *Manager) Shutdown() {
	m.Lock()
	shutdown, done := m.shutdown, m.done
	m.shutdown, m.done = nil, nil
	m.Unlock()
	if shutdown != nil {
		close(shutdown)
		<-done
	}
	for _, s := range m.Sessions() {
		m.CloseSession(s.ID(), false)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return int(atomic.LoadInt32(&m.count))
}

// TimeoutCount returns the number of sessions closed by the liveness monitor.
func (m *Manager) TimeoutCount() uint32 {
	return atomic.LoadUint32(&m.timeoutCount)
}

// Sessions returns a snapshot of the live sessions.
func (m *Manager) Sessions() []*Session {
	var sessions []*Session
	m.sessions.Range(func(_, v any) bool {
		sessions = append(sessions, v.(*Session))
		return true
	})
	return sessions
}

// Session looks a session up by its id.
func (m *Manager) Session(sessionID ua.NodeID) (*Session, bool) {
	var found *Session
	m.sessions.Range(func(_, v any) bool {
		if s := v.(*Session); s.ID() == sessionID {
			found = s
			return false
		}
		return true
	})
	return found, found != nil
}

// CreateSession creates an inactive session bound to the request channel.
func (m *Manager) CreateSession(ctx *model.OperationContext, req CreateRequest) (s *Session, sessionID ua.NodeID, token ua.NodeID, serverNonce []byte, revisedTimeout float64, err error) {
	m.Lock()
	defer m.Unlock()

	if m.cfg.MaxSessions > 0 && m.Count() >= m.cfg.MaxSessions {
		return nil, nil, nil, nil, 0, ua.BadTooManySessions
	}
	if len(req.ClientNonce) > 0 {
		duplicate := false
		m.sessions.Range(func(_, v any) bool {
			duplicate = bytes.Equal(v.(*Session).ClientNonce(), req.ClientNonce)
			return !duplicate
		})
		if duplicate {
			return nil, nil, nil, nil, 0, ua.BadNonceInvalid
		}
	}

	token, err = m.newAuthenticationToken(ctx.Channel)
	if err != nil {
		return nil, nil, nil, nil, 0, errors.Wrap(err, "create authentication token")
	}
	revisedTimeout = m.reviseTimeout(req.RequestedTimeout)
	if serverNonce, err = newNonce(); err != nil {
		return nil, nil, nil, nil, 0, errors.Wrap(err, "create server nonce")
	}
	sessionID = ua.NewNodeIDGUID(1, uuid.New())
	name := req.SessionName
	if name == "" {
		id, err := nanoid.New()
		if err != nil {
			return nil, nil, nil, nil, 0, errors.Wrap(err, "create session name")
		}
		name = fmt.Sprintf("Session %s", id)
	}

	s = newSession(sessionID, token, name, ctx.Channel, revisedTimeout, req.ClientNonce, serverNonce, req.EndpointURL)
	if _, loaded := m.sessions.LoadOrStore(token, s); loaded {
		return nil, nil, nil, nil, 0, ua.BadTooManySessions
	}
	atomic.AddInt32(&m.count, 1)
	m.logger.Infof("Session %q created, timeout %vms", name, revisedTimeout)
	m.audit.Audit(m.auditEvent(model.AuditCreateSession, s, ctx, ua.Good, "Session created"))

	m.notify(Event{Kind: EventCreated, Session: s})
	return s, sessionID, token, serverNonce, revisedTimeout, nil
}

// newAuthenticationToken returns a numeric token on secured channels and a
// random one otherwise.
func (m *Manager) newAuthenticationToken(channel model.ChannelBinding) (ua.NodeID, error) {
	if channel.ChannelID != 0 && channel.Secured() {
		return ua.NewNodeIDNumeric(0, atomic.AddUint32(&m.lastToken, 1)), nil
	}
	b, err := newNonce()
	if err != nil {
		return nil, err
	}
	return ua.NewNodeIDOpaque(0, ua.ByteString(b)), nil
}

func (m *Manager) reviseTimeout(requested float64) float64 {
	revised := requested
	if m.cfg.MaxSessionTimeout > 0 && requested > m.cfg.MaxSessionTimeout {
		revised = m.cfg.MaxSessionTimeout
	}
	if requested < m.cfg.MinSessionTimeout {
		revised = m.cfg.MinSessionTimeout
	}
	return revised
}

func newNonce() ([]byte, error) {
	b := make([]byte, nonceLength)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ActivateSession binds an identity to the session. It returns whether the
// identity changed and the next server nonce.
func (m *Manager) ActivateSession(ctx *model.OperationContext, token ua.NodeID, identityToken ua.Variant, localeIDs []string) (bool, []byte, error) {
	v, ok := m.sessions.Load(token)
	if !ok {
		return false, nil, ua.BadSessionIDInvalid
	}
	s := v.(*Session)

	m.Lock()
	if s.HasExpired(time.Now()) {
		m.Unlock()
		m.audit.Audit(m.auditEvent(model.AuditSessionTimeout, s, ctx, ua.BadSessionClosed, "Session/Timeout"))
		m.CloseSession(s.ID(), false)
		return false, nil, ua.BadSessionClosed
	}
	if s.Channel().ChannelID != ctx.Channel.ChannelID {
		m.Unlock()
		return false, nil, ua.BadSecureChannelIDInvalid
	}
	serverNonce, err := newNonce()
	if err != nil {
		m.Unlock()
		return false, nil, errors.Wrap(err, "create server nonce")
	}
	identity, err := m.users.authenticate(identityToken)
	m.Unlock()
	if err != nil {
		m.audit.Audit(m.auditEvent(model.AuditActivateSession, s, ctx, model.StatusOf(err), "Session activation rejected"))
		return false, nil, err
	}

	effective := identity
	if m.impersonate != nil {
		identity, effective, err = m.impersonateUser(s, identity, ctx.Channel)
		if err != nil {
			m.audit.Audit(m.auditEvent(model.AuditActivateSession, s, ctx, model.StatusOf(err), "Session activation rejected"))
			return false, nil, err
		}
	}

	changed := s.activate(identity, effective, localeIDs, serverNonce)
	m.audit.Audit(m.auditEvent(model.AuditActivateSession, s, ctx, ua.Good, "Session activated"))
	if changed {
		m.notify(Event{Kind: EventActivated, Session: s})
	}
	return changed, serverNonce, nil
}

// impersonateUser runs the application hook. Anything but a status code
// coming out of it rejects the identity token.
func (m *Manager) impersonateUser(s *Session, identity *model.Identity, channel model.ChannelBinding) (id, effective *model.Identity, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Impersonation of %q raised: %v", identity.DisplayName, r)
			id, effective, err = nil, nil, ua.BadIdentityTokenInvalid
		}
	}()
	id, effective, err = m.impersonate(s, identity, channel)
	if err != nil {
		if _, ok := errors.Cause(err).(ua.StatusCode); !ok {
			return nil, nil, ua.BadIdentityTokenInvalid
		}
		return nil, nil, err
	}
	if id == nil {
		id = identity
	}
	if effective == nil {
		effective = id
	}
	return id, effective, nil
}

// CloseSession removes the session. Closing an unknown or already closed
// session is a no-op.
func (m *Manager) CloseSession(sessionID ua.NodeID, deleteSubscriptions bool) {
	s, ok := m.Session(sessionID)
	if !ok {
		return
	}
	if _, loaded := m.sessions.LoadAndDelete(s.AuthenticationToken()); !loaded {
		return
	}
	atomic.AddInt32(&m.count, -1)

	m.notify(Event{Kind: EventClosing, Session: s, DeleteSubscriptions: deleteSubscriptions})
	s.close()
	m.logger.Infof("Session %q closed", s.Name())
}

// ValidateRequest finds the session of a request and builds its context.
func (m *Manager) ValidateRequest(header model.RequestHeader, channel model.ChannelBinding, rt model.RequestType) (*model.OperationContext, error) {
	header.TimeoutHint = m.reviseTimeoutHint(header.TimeoutHint)
	if rt.CreatesSession() {
		return model.NewOperationContext(header, rt, nil, channel), nil
	}

	v, ok := m.sessions.Load(header.AuthenticationToken)
	if !ok {
		if m.sessionLess == nil {
			return nil, ua.BadSessionIDInvalid
		}
		identity, err := m.sessionLess(header.AuthenticationToken, rt)
		if err != nil {
			return nil, err
		}
		ctx := model.NewOperationContext(header, rt, nil, channel)
		ctx.SetUserIdentity(identity)
		return ctx, nil
	}

	s := v.(*Session)
	if err := s.ValidateRequest(header, channel, rt); err != nil {
		if err == ua.BadSessionNotActivated {
			m.CloseSession(s.ID(), true)
		}
		return nil, err
	}
	return model.NewOperationContext(header, rt, s, channel), nil
}

// reviseTimeoutHint caps request deadlines at the configured request age.
func (m *Manager) reviseTimeoutHint(hint uint32) uint32 {
	if m.cfg.MaxRequestAge > 0 && float64(hint) > m.cfg.MaxRequestAge {
		return uint32(m.cfg.MaxRequestAge)
	}
	return hint
}

func (m *Manager) monitor(shutdown, done chan struct{}, period time.Duration) {
	defer close(done)
	m.logger.Infoln("Session monitor started")
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			m.logger.Debugln("Session monitor exited")
			return
		case <-ticker.C:
			m.checkSessions(time.Now())
		}
	}
}

// checkSessions closes expired sessions and keeps the channels of idle
// ones alive.
func (m *Manager) checkSessions(now time.Time) {
	idle := time.Duration(m.cfg.MinSessionTimeout * float64(time.Millisecond))
	for _, s := range m.Sessions() {
		switch {
		case s.HasExpired(now):
			atomic.AddUint32(&m.timeoutCount, 1)
			m.logger.Warnf("⛔ Session %q timed out", s.Name())
			m.audit.Audit(m.auditEvent(model.AuditSessionTimeout, s, nil, ua.Good, "Session/Timeout"))
			m.CloseSession(s.ID(), false)
		case now.Sub(s.LastContact()) >= idle:
			m.notify(Event{Kind: EventChannelKeepAlive, Session: s})
		}
	}
}

func (m *Manager) auditEvent(kind model.AuditKind, s *Session, ctx *model.OperationContext, status ua.StatusCode, message string) *model.AuditEvent {
	evt := &model.AuditEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		Time:         time.Now(),
		SessionID:    s.ID(),
		ClientUserID: s.Identity().DisplayName,
		Status:       status,
		Message:      message,
	}
	if ctx != nil {
		evt.AuditEntryID = ctx.AuditEntryID
		evt.RequestHandle = ctx.ClientHandle
	}
	return evt
}

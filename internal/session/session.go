package session

import (
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/awcullen/opcua/ua"
)

// Counter counts the requests of one type and how many of them failed.
type Counter struct {
	Total  uint32
	Errors uint32
}

type Session struct {
	sync.RWMutex
	sessionID           ua.NodeID
	sessionName         string
	authenticationToken ua.NodeID
	channel             model.ChannelBinding
	timeout             float64 // ms
	identity            *model.Identity
	effectiveIdentity   *model.Identity
	clientNonce         []byte
	serverNonce         []byte
	endpointURL         string
	localeIDs           []string
	timeCreated         time.Time
	lastContact         time.Time
	activated           bool
	closed              bool
	counters            map[model.RequestType]*Counter
}

func newSession(sessionID, token ua.NodeID, name string, channel model.ChannelBinding, timeout float64, clientNonce, serverNonce []byte, endpointURL string) *Session {
	now := time.Now()
	anonymous := model.Anonymous()
	return &Session{
		sessionID:           sessionID,
		sessionName:         name,
		authenticationToken: token,
		channel:             channel,
		timeout:             timeout,
		identity:            anonymous,
		effectiveIdentity:   anonymous,
		clientNonce:         clientNonce,
		serverNonce:         serverNonce,
		endpointURL:         endpointURL,
		localeIDs:           []string{"en-US"},
		timeCreated:         now,
		lastContact:         now,
		counters:            map[model.RequestType]*Counter{},
	}
}

func (s *Session) ID() ua.NodeID {
	return s.sessionID
}

func (s *Session) Name() string {
	return s.sessionName
}

// AuthenticationToken is the secret the client presents with every request.
func (s *Session) AuthenticationToken() ua.NodeID {
	return s.authenticationToken
}

func (s *Session) Channel() model.ChannelBinding {
	s.RLock()
	defer s.RUnlock()
	return s.channel
}

func (s *Session) Identity() *model.Identity {
	s.RLock()
	defer s.RUnlock()
	return s.identity
}

// EffectiveIdentity is the identity permissions are checked against. It
// differs from Identity when the application impersonates the user.
func (s *Session) EffectiveIdentity() *model.Identity {
	s.RLock()
	defer s.RUnlock()
	return s.effectiveIdentity
}

// Timeout is the revised session timeout in ms.
func (s *Session) Timeout() float64 {
	return s.timeout
}

func (s *Session) ClientNonce() []byte {
	return s.clientNonce
}

func (s *Session) ServerNonce() []byte {
	s.RLock()
	defer s.RUnlock()
	return s.serverNonce
}

func (s *Session) LocaleIDs() []string {
	s.RLock()
	defer s.RUnlock()
	return s.localeIDs
}

func (s *Session) LastContact() time.Time {
	s.RLock()
	defer s.RUnlock()
	return s.lastContact
}

func (s *Session) Activated() bool {
	s.RLock()
	defer s.RUnlock()
	return s.activated
}

func (s *Session) Closed() bool {
	s.RLock()
	defer s.RUnlock()
	return s.closed
}

// HasExpired reports whether the client stayed silent for longer than the
// session timeout.
func (s *Session) HasExpired(now time.Time) bool {
	s.RLock()
	defer s.RUnlock()
	return now.Sub(s.lastContact) > time.Duration(s.timeout*float64(time.Millisecond))
}

// Counters returns a snapshot of the request counters.
func (s *Session) Counters() map[model.RequestType]Counter {
	s.RLock()
	defer s.RUnlock()
	counters := make(map[model.RequestType]Counter, len(s.counters))
	for t, c := range s.counters {
		counters[t] = *c
	}
	return counters
}

// ValidateRequest checks that the request may run on this session and
// counts it.
func (s *Session) ValidateRequest(header model.RequestHeader, channel model.ChannelBinding, rt model.RequestType) error {
	s.Lock()
	defer s.Unlock()
	err := s.validateRequest(channel, rt)
	s.count(rt, err)
	if err == nil {
		s.lastContact = time.Now()
	}
	return err
}

func (s *Session) validateRequest(channel model.ChannelBinding, rt model.RequestType) error {
	if s.closed {
		return ua.BadSessionClosed
	}
	if s.channel.ChannelID != channel.ChannelID {
		return ua.BadSecureChannelIDInvalid
	}
	if !s.activated && rt != model.RequestTypeCloseSession {
		return ua.BadSessionNotActivated
	}
	return nil
}

// RecordResult counts a request that failed after validation.
func (s *Session) RecordResult(rt model.RequestType, err error) {
	if err == nil {
		return
	}
	s.Lock()
	defer s.Unlock()
	s.counter(rt).Errors++
}

func (s *Session) count(rt model.RequestType, err error) {
	c := s.counter(rt)
	c.Total++
	if err != nil {
		c.Errors++
	}
}

func (s *Session) counter(rt model.RequestType) *Counter {
	c, ok := s.counters[rt]
	if !ok {
		c = &Counter{}
		s.counters[rt] = c
	}
	return c
}

// activate binds the identities. It returns true when the identity of the
// session changed, which includes the first activation.
func (s *Session) activate(identity, effective *model.Identity, localeIDs []string, serverNonce []byte) bool {
	s.Lock()
	defer s.Unlock()
	changed := !s.activated || !s.identity.Equal(identity) || !s.effectiveIdentity.Equal(effective)
	s.identity = identity
	s.effectiveIdentity = effective
	if len(localeIDs) > 0 {
		s.localeIDs = localeIDs
	}
	s.serverNonce = serverNonce
	s.activated = true
	s.lastContact = time.Now()
	s.count(model.RequestTypeActivateSession, nil)
	return changed
}

func (s *Session) close() {
	s.Lock()
	s.closed = true
	s.Unlock()
}

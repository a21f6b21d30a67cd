package engine

import (
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/session"
	"github.com/awcullen/opcua/ua"
)

type CreateSessionResult struct {
	SessionID             ua.NodeID
	AuthenticationToken   ua.NodeID
	ServerNonce           []byte
	RevisedSessionTimeout float64
}

func (s *Server) CreateSession(header model.RequestHeader, channel model.ChannelBinding, req session.CreateRequest) (res CreateSessionResult, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeCreateSession)
	if err != nil {
		return res, err
	}
	defer func() { s.end(ctx, err) }()

	_, id, token, nonce, timeout, err := s.sessions.CreateSession(ctx, req)
	if err != nil {
		return res, err
	}
	return CreateSessionResult{
		SessionID:             id,
		AuthenticationToken:   token,
		ServerNonce:           nonce,
		RevisedSessionTimeout: timeout,
	}, nil
}

// ActivateSession returns the next server nonce.
func (s *Server) ActivateSession(header model.RequestHeader, channel model.ChannelBinding, identityToken ua.Variant, localeIDs []string) (nonce []byte, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeActivateSession)
	if err != nil {
		return nil, err
	}
	defer func() { s.end(ctx, err) }()

	changed, nonce, err := s.sessions.ActivateSession(ctx, header.AuthenticationToken, identityToken, localeIDs)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Debugln("Session identity changed")
	}
	return nonce, nil
}

// CloseSession closes the session of header. Subscriptions are deleted
// with it unless they are durable and deleteSubscriptions is false.
func (s *Server) CloseSession(header model.RequestHeader, channel model.ChannelBinding, deleteSubscriptions bool) (err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeCloseSession)
	if err != nil {
		return err
	}
	defer func() { s.end(ctx, err) }()

	if ctx.Session == nil {
		return ua.BadSessionIDInvalid
	}
	s.sessions.CloseSession(ctx.Session.ID(), deleteSubscriptions)
	return nil
}

// Cancel flags the requests in flight with requestHandle and returns how
// many were cancelled.
func (s *Server) Cancel(header model.RequestHeader, channel model.ChannelBinding, requestHandle uint32) (n uint32, err error) {
	ctx, err := s.begin(header, channel, model.RequestTypeCancel)
	if err != nil {
		return 0, err
	}
	defer func() { s.end(ctx, err) }()

	return s.requests.CancelRequests(requestHandle), nil
}

// closeSessionSubscriptions runs when a session closes. Durable
// subscriptions outlive their session unless the client asked otherwise.
func (s *Server) closeSessionSubscriptions(sess *session.Session, deleteAll bool) {
	for _, sub := range s.subscriptionsOf(sess) {
		if sub.durable && !deleteAll {
			s.detach(sub)
			continue
		}
		s.removeSubscription(sub)
	}
	s.items.ApplyChanges()
	s.updateItemMetrics()
}

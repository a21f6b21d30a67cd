// Package engine puts sessions, requests, subscriptions and monitored items
// behind the service operations of a server.
package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/amine-amaach/uacore/internal/config"
	"github.com/amine-amaach/uacore/internal/events"
	"github.com/amine-amaach/uacore/internal/itemmanager"
	"github.com/amine-amaach/uacore/internal/metrics"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/monitoreditem"
	"github.com/amine-amaach/uacore/internal/request"
	"github.com/amine-amaach/uacore/internal/sampling"
	"github.com/amine-amaach/uacore/internal/session"
	"github.com/amine-amaach/uacore/internal/store"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultMaxNotificationsPerPublish = 1000

type Server struct {
	logger      *zap.SugaredLogger
	cfg         config.Cfg
	nodes       ports.NodeManager
	permissions ports.PermissionValidator
	audit       ports.AuditSink
	store       ports.SubscriptionStore
	metrics     *metrics.Metrics
	sessionOpts []session.Option
	auditing    atomic.Bool

	pool     *workerpool.WorkerPool
	ids      *monitoreditem.IDFactory
	sessions *session.Manager
	requests *request.Manager
	items    itemmanager.Manager
	events   *events.Manager

	subsMu    sync.RWMutex
	subs      map[uint32]*subscription
	lastSubID uint32
}

type Option func(*Server)

func WithPermissions(p ports.PermissionValidator) Option {
	return func(s *Server) { s.permissions = p }
}

func WithAudit(sink ports.AuditSink) Option {
	return func(s *Server) { s.audit = sink }
}

// WithStore replaces the subscription store picked from the config.
func WithStore(st ports.SubscriptionStore) Option {
	return func(s *Server) { s.store = st }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSessionOptions forwards options to the session manager, e.g. the
// impersonation and session-less hooks.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Server) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// New wires the managers together. The liveness monitor does not run
// until Startup.
func New(cfg config.Cfg, nodes ports.NodeManager, logger *zap.SugaredLogger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		logger:      logger,
		cfg:         cfg,
		nodes:       nodes,
		permissions: ports.AllowAll,
		audit:       ports.NopAudit,
		subs:        map[uint32]*subscription{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.auditing.Store(cfg.Monitoring.Auditing)

	if s.store == nil {
		st, err := store.New(context.Background(), cfg.Store, logger)
		if err != nil {
			return nil, errors.Wrap(err, "subscription store")
		}
		s.store = st
	}

	workers := cfg.Monitoring.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s.pool = workerpool.New(workers)
	s.ids = monitoreditem.NewIDFactory(0)

	sessions, err := session.NewManager(cfg.Sessions, logger, append([]session.Option{session.WithAudit(s.audit)}, s.sessionOpts...)...)
	if err != nil {
		s.pool.Stop()
		return nil, errors.Wrap(err, "session manager")
	}
	s.sessions = sessions
	s.requests = request.NewManager(logger, request.WithAudit(s.audit))

	deps := itemmanager.Deps{
		Logger:          logger,
		Nodes:           nodes,
		Permissions:     s.permissions,
		Rates:           sampling.NewRateTable(cfg.Monitoring.SamplingRates),
		Limits:          s.dataLimits(),
		IDs:             s.ids,
		Pool:            s.pool,
		Auditing:        s.Auditing,
		ContextLifetime: cfg.Monitoring.ContextCacheLifetime,
	}
	if s.metrics != nil {
		deps.OnCycle = s.metrics.ObserveCycle
	}
	items, err := itemmanager.New(itemmanager.Kind(cfg.Monitoring.Strategy), deps)
	if err != nil {
		s.pool.Stop()
		return nil, err
	}
	s.items = items
	s.events = events.NewManager(logger, s.eventLimits(),
		events.WithIDs(s.ids),
		events.WithPermissions(s.permissions),
		events.WithAuditing(s.Auditing),
	)

	s.sessions.Subscribe(s.onSessionEvent)
	s.requests.Subscribe(s.onRequestCancelled)
	if s.metrics != nil {
		s.sessions.Subscribe(s.metrics.ObserveSession)
		s.requests.Subscribe(s.metrics.ObserveCancelled)
	}
	return s, nil
}

func (s *Server) dataLimits() monitoreditem.Limits {
	return monitoreditem.Limits{
		MaxQueueSize:        s.cfg.Subscriptions.MaxNotificationQueueSize,
		MaxDurableQueueSize: s.cfg.Subscriptions.MaxDurableNotificationQueueSize,
	}
}

func (s *Server) eventLimits() monitoreditem.Limits {
	return monitoreditem.Limits{
		MaxQueueSize:        s.cfg.Subscriptions.MaxEventQueueSize,
		MaxDurableQueueSize: s.cfg.Subscriptions.MaxDurableEventQueueSize,
	}
}

// Auditing reports whether audit events are delivered to event items.
func (s *Server) Auditing() bool {
	return s.auditing.Load()
}

func (s *Server) SetAuditing(enabled bool) {
	s.auditing.Store(enabled)
}

// Startup starts the session liveness monitor.
func (s *Server) Startup() {
	s.sessions.Startup()
	s.logger.Infof("Engine started with %s monitored item manager", s.strategy())
}

func (s *Server) strategy() itemmanager.Kind {
	if s.cfg.Monitoring.Strategy == "" {
		return itemmanager.KindSamplingGroup
	}
	return itemmanager.Kind(s.cfg.Monitoring.Strategy)
}

// Shutdown persists the durable subscriptions, closes every session and
// stops the background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var result error
	if err := s.StoreSubscriptions(ctx); err != nil {
		s.logger.Errorf("Unable to store durable subscriptions ⛔: %v", err)
		result = err
	}
	s.requests.Shutdown()
	s.sessions.Shutdown()
	s.items.Close()
	s.pool.StopWait()
	if err := s.store.Close(ctx); err != nil && result == nil {
		result = errors.Wrap(err, "close subscription store")
	}
	s.logger.Infoln("Engine stopped")
	return result
}

// begin validates a request against its session and registers it with the
// request manager.
func (s *Server) begin(header model.RequestHeader, channel model.ChannelBinding, rt model.RequestType) (*model.OperationContext, error) {
	ctx, err := s.sessions.ValidateRequest(header, channel, rt)
	if err != nil {
		return nil, err
	}
	s.requests.RequestReceived(ctx)
	return ctx, nil
}

func (s *Server) end(ctx *model.OperationContext, err error) {
	s.requests.RequestCompleted(ctx)
	if sess, ok := ctx.Session.(*session.Session); ok {
		sess.RecordResult(ctx.RequestType, err)
	}
	ctx.Done()
}

func (s *Server) onSessionEvent(evt session.Event) {
	switch evt.Kind {
	case session.EventClosing:
		s.closeSessionSubscriptions(evt.Session, evt.DeleteSubscriptions)
	case session.EventChannelKeepAlive:
		s.logger.Debugf("Session %q kept alive by its channel", evt.Session.Name())
	default:
		s.logger.Debugf("Session %q: %s", evt.Session.Name(), evt.Kind)
	}
}

func (s *Server) onRequestCancelled(ctx *model.OperationContext, status ua.StatusCode) {
	s.logger.Debugf("Request %d (%s) ended with %s", ctx.RequestID, ctx.RequestType, status.Error())
}

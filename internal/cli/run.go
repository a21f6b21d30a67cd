package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amine-amaach/uacore/internal/bridge"
	"github.com/amine-amaach/uacore/internal/config"
	"github.com/amine-amaach/uacore/internal/engine"
	"github.com/amine-amaach/uacore/internal/log"
	"github.com/amine-amaach/uacore/internal/metrics"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/amine-amaach/uacore/internal/session"
	"github.com/amine-amaach/uacore/internal/simulators"
	"github.com/amine-amaach/uacore/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Run serves the simulated sensors through the engine until SIGINT or
// SIGTERM.
func Run() error {

	// Get configs from file
	cfg := config.GetConfigs()

	logger := log.NewLogger(cfg.LoggerConfig.Level, cfg.LoggerConfig.Format)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	space := simulators.NewAddressSpace(logger, cfg.Sensors)

	var opts []engine.Option
	if cfg.Metrics.Enabled {
		opts = append(opts, engine.WithMetrics(metrics.New(prometheus.DefaultRegisterer)))
	}
	server, err := engine.New(cfg, space, logger, opts...)
	if err != nil {
		logger.Errorln("⛔ Failed to instantiate the engine, exiting.. ⛔")
		return err
	}
	space.OnEvent(func(ctx *model.OperationContext, evt ua.Event) { server.ReportEvent(ctx, evt) })
	server.Startup()

	if n, err := server.RestoreSubscriptions(ctx); err != nil {
		logger.Warnf("Unable to restore durable subscriptions: %v", err)
	} else if n > 0 {
		logger.Infof("%d durable subscription(s) waiting for their clients", n)
	}

	space.Run(ctx)

	watcher, err := newWatcher(server, space, logger)
	if err != nil {
		logger.Errorln("⛔ Failed to subscribe to the sensors ⛔")
		return err
	}
	if cfg.MQTT.Enabled {
		broker, err := bridge.Connect(ctx, cfg.MQTT, logger)
		if err != nil {
			logger.Errorln("⛔ Failed to connect to the MQTT broker ⛔")
			return err
		}
		defer broker.Close(context.Background())
		watcher.forwardTo(broker, cfg.MQTT.TopicPrefix)
	}
	go watcher.run(ctx, time.Second)

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics endpoint stopped ⛔: %v", err)
			}
		}()
		logger.Infof("Serving metrics on %s/metrics", cfg.Metrics.Address)
	}

	// Wait for a signal before exiting
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	<-sig
	logger.Warn(log.Colorize("Signal caught ❌ Exiting...", log.Magenta))

	cancel()
	space.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	logger.Info("Shutdown complete ✅")
	return nil
}

var sessionRequest = session.CreateRequest{SessionName: "watcher", RequestedTimeout: 60000}

// watcher is an in-process client that subscribes to every sensor and the
// Server events and logs what it receives.
type watcher struct {
	server  *engine.Server
	logger  *zap.SugaredLogger
	channel model.ChannelBinding
	header  model.RequestHeader
	subID   uint32
	names   map[uint32]string
	items   map[uint32]bridge.Item

	publisher ports.NotificationPublisher
	builder   *bridge.Builder
}

func newWatcher(server *engine.Server, space *simulators.AddressSpace, logger *zap.SugaredLogger) (*watcher, error) {
	w := &watcher{
		server:  server,
		logger:  logger,
		channel: model.ChannelBinding{ChannelID: 1, SecurityMode: ua.MessageSecurityModeNone},
		names:   map[uint32]string{},
		items:   map[uint32]bridge.Item{},
	}
	res, err := server.CreateSession(model.RequestHeader{}, w.channel, sessionRequest)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	w.header = model.RequestHeader{AuthenticationToken: res.AuthenticationToken}
	if _, err := server.ActivateSession(w.header, w.channel, ua.AnonymousIdentity{}, nil); err != nil {
		return nil, errors.Wrap(err, "activate session")
	}
	if w.subID, _, err = server.CreateSubscription(w.header, w.channel, 1000); err != nil {
		return nil, errors.Wrap(err, "create subscription")
	}

	var requests []ua.MonitoredItemCreateRequest
	for i, sensor := range space.Sensors() {
		requests = append(requests, ua.MonitoredItemCreateRequest{
			ItemToMonitor:  ua.ReadValueID{NodeID: sensor.Node().NodeID(), AttributeID: ua.AttributeIDValue},
			MonitoringMode: ua.MonitoringModeReporting,
			RequestedParameters: ua.MonitoringParameters{
				ClientHandle:     uint32(i + 1),
				SamplingInterval: 500,
				QueueSize:        10,
				DiscardOldest:    true,
			},
		})
		w.names[uint32(i+1)] = sensor.SensorId
		w.items[uint32(i+1)] = bridge.Item{ID: model.FormatNodeID(sensor.Node().NodeID()), Name: sensor.SensorId}
	}
	eventHandle := uint32(len(requests) + 1)
	requests = append(requests, ua.MonitoredItemCreateRequest{
		ItemToMonitor:  ua.ReadValueID{NodeID: ua.ObjectIDServer, AttributeID: ua.AttributeIDEventNotifier},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:     eventHandle,
			SamplingInterval: -1,
			QueueSize:        100,
			Filter:           ua.EventFilter{SelectClauses: ua.BaseEventSelectClauses},
		},
	})
	w.names[eventHandle] = "Server"
	w.items[eventHandle] = bridge.Item{ID: model.FormatNodeID(ua.ObjectIDServer), Name: "Server"}

	results, err := server.CreateMonitoredItems(w.header, w.channel, w.subID, ua.TimestampsToReturnBoth, requests)
	if err != nil {
		return nil, errors.Wrap(err, "create monitored items")
	}
	for i, r := range results {
		if r.StatusCode != ua.Good {
			logger.Warnf("Monitored item %d rejected: %s", i+1, r.StatusCode.Error())
		}
	}
	return w, nil
}

// forwardTo makes the watcher hand every batch to p.
func (w *watcher) forwardTo(p ports.NotificationPublisher, topicPrefix string) {
	w.publisher = p
	w.builder = bridge.NewBuilder(topicPrefix, w.items)
}

func (w *watcher) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := w.server.Publish(w.header, w.channel, w.subID, 0)
			if err != nil {
				w.logger.Warnf("Publish failed: %v", err)
				return
			}
			for _, dc := range batch.DataChanges {
				w.logger.Debugf("%s = %v (%s)", w.names[dc.ClientHandle], dc.Value.Value, dc.Value.StatusCode.Error())
			}
			for _, evt := range batch.Events {
				w.logger.Infof("🔔 %s event: %v", w.names[evt.ClientHandle], evt.Fields)
			}
			w.forward(ctx, batch)
		}
	}
}

func (w *watcher) forward(ctx context.Context, batch model.NotificationBatch) {
	if w.publisher == nil || batch.Len() == 0 {
		return
	}
	payloads, err := w.builder.Build(batch)
	if err != nil {
		w.logger.Warnf("Unable to encode notifications: %v", err)
		return
	}
	if err := w.publisher.Publish(ctx, payloads); err != nil {
		w.logger.Warnf("Unable to forward notifications: %v", err)
	}
}

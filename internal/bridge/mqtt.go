package bridge

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// MQTT publishes notification payloads to a broker.
type MQTT struct {
	cfg    component.MQTT
	logger *zap.SugaredLogger
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
}

// Connect starts the connection manager. It returns as soon as the
// connection process is initiated; Publish waits for the connection.
func Connect(ctx context.Context, cfg component.MQTT, logger *zap.SugaredLogger) (*MQTT, error) {
	srvURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		logger.Errorf("Unable to parse server URL [%s] ⛔", cfg.ServerURL)
		return nil, errors.Wrap(err, "broker url")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		id, err := nanoid.New()
		if err != nil {
			logger.Errorln("Unable to auto-generate client id ⛔")
			return nil, err
		}
		clientID = "uacore::" + id
	}

	retry := time.Duration(cfg.ConnectRetry) * time.Second
	if retry <= 0 {
		retry = 5 * time.Second
	}

	cliCfg := autopaho.ClientConfig{
		BrokerUrls:        []*url.URL{srvURL},
		KeepAlive:         cfg.KeepAlive,
		ConnectRetryDelay: retry,
		ConnectTimeout:    connectTimeout,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			logger.Info(log.Colorize("MQTT connection up ✅", log.Green))
		},
		OnConnectError: func(err error) {
			logger.Errorf("Error whilst attempting connection ⛔ %s", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:      clientID,
			OnClientError: func(err error) { logger.Errorf("Server requested disconnect ⛔ %s", err) },
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					logger.Warnf("Server requested disconnect ✖️ %s", d.Properties.ReasonString)
				} else {
					logger.Warnf("Server requested disconnect ✖️ reason code: %d", d.ReasonCode)
				}
			},
		},
	}
	if cfg.User != "" {
		cliCfg.SetUsernamePassword(cfg.User, []byte(cfg.Password))
	}

	ctx, cancel := context.WithCancel(ctx)
	logger.Infof("Trying to establish an MQTT session to %v 🔔", cliCfg.BrokerUrls)
	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "mqtt connection")
	}
	return &MQTT{cfg: cfg, logger: logger, cm: cm, cancel: cancel}, nil
}

// Publish sends every payload to its topic. It stops at the first failure.
func (m *MQTT) Publish(ctx context.Context, payloads map[string]json.RawMessage) error {
	if err := m.cm.AwaitConnection(ctx); err != nil {
		return errors.Wrap(err, "await mqtt connection")
	}
	for topic, payload := range payloads {
		if _, err := m.cm.Publish(ctx, &paho.Publish{
			QoS:     m.cfg.QoS,
			Topic:   topic,
			Retain:  m.cfg.Retain,
			Payload: payload,
		}); err != nil {
			m.logger.Errorf("MQTT publish error ⛔ [%s]", err)
			return errors.Wrapf(err, "publish %s", topic)
		}
		m.logger.Debugf("Published to %s", topic)
	}
	return nil
}

func (m *MQTT) Close(ctx context.Context) error {
	defer m.cancel()
	if err := m.cm.Disconnect(ctx); err != nil {
		return err
	}
	m.logger.Info(log.Colorize("MQTT connection closed ✖️", log.Magenta))
	return nil
}

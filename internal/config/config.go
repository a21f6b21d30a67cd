package config

import (
	"bytes"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/log"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Cfg struct {
	Sessions      component.Sessions      `mapstructure:"sessions"`
	Subscriptions component.Subscriptions `mapstructure:"subscriptions"`
	Monitoring    component.Monitoring    `mapstructure:"monitoring"`
	Store         component.Store         `mapstructure:"store"`
	LoggerConfig  component.Logger        `mapstructure:"logger"`
	Metrics       component.Metrics       `mapstructure:"metrics"`
	MQTT          component.MQTT          `mapstructure:"mqtt"`
	Sensors       []component.IoTSensor   `mapstructure:"sensors"`
}

var defaultConfig = []byte(`
{
	"sessions": {
		"min_session_timeout": 10000,
		"max_session_timeout": 3600000,
		"max_sessions": 100,
		"sweep_interval": "0s",
		"max_request_age": 600000,
		"users": [
			{
				"username": "root",
				"password": "secret",
				"roles": ["operator"]
			}
		]
	},

	"subscriptions": {
		"max_notification_queue_size": 100,
		"max_durable_notification_queue_size": 200000,
		"max_event_queue_size": 10000,
		"max_durable_event_queue_size": 200000,
		"min_publishing_interval": 100,
		"max_notifications_per_publish": 1000
	},

	"monitoring": {
		"strategy": "sampling_group",
		"auditing": false,
		"context_cache_lifetime": "5m",
		"workers": 8,
		"sampling_rates": [
			{ "start": 5,     "increment": 5,    "count": 20 },
			{ "start": 100,   "increment": 100,  "count": 4 },
			{ "start": 500,   "increment": 250,  "count": 2 },
			{ "start": 1000,  "increment": 500,  "count": 20 }
		]
	},

	"store": {
		"kind": "memory",
		"uri": "mongodb://localhost:27017",
		"database": "uacore",
		"timeout": "5s"
	},

	"logger": {
		"level": "INFO",
		"format": "TEXT"
	},

	"metrics": {
		"enabled": true,
		"address": ":8080"
	},

	"mqtt": {
		"enabled": false,
		"server_url": "tcp://broker.emqx.io:1883",
		"user": "",
		"password": "",
		"client_id": "",
		"qos": 1,
		"retain": false,
		"keep_alive": 30,
		"connect_retry": 5,
		"topic_prefix": "uacore"
	},

	"sensors": [
		{
			"sensor_id": "Temperature",
			"mean": 20.0,
			"standard_deviation": 5.0,
			"delay_min": 500,
			"delay_max": 1500,
			"randomize": true
		},
		{
			"sensor_id": "Pressure",
			"mean": 80.0,
			"standard_deviation": 7.0,
			"delay_min": 1000,
			"delay_max": 1000,
			"randomize": false
		}
	]
}
`)

// GetConfigs reads config.json from the usual locations and falls back to
// the built-in defaults when no file is found. It panics on a malformed file.
func GetConfigs() Cfg {
	logger := log.NewLogger("INFO", "TEXT")
	defer logger.Sync()

	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	v.AddConfigPath("./configs/")
	v.AddConfigPath("/configs/")

	cfg, err := Load(v, logger)
	if err != nil {
		logger.Errorln("Unable to load configs ⛔")
		panic(err)
	}
	return cfg
}

// Load merges the defaults with whatever v can read and unmarshals the result.
func Load(v *viper.Viper, logger *zap.SugaredLogger) (Cfg, error) {
	var cfg Cfg

	if err := v.MergeConfig(bytes.NewReader(defaultConfig)); err != nil {
		return cfg, errors.Wrap(err, "default configs")
	}

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Warnln("⛔ Config file not found! using default configs ⛔")
		} else {
			return cfg, errors.Wrap(err, "config file was found but another error was produced")
		}
	} else {
		logger.Infoln("Config file found")
	}

	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "unable to unmarshal configs")
	}
	return cfg, nil
}

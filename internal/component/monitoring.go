package component

import "time"

// SamplingRate is one bucket of supported sampling intervals: Start,
// Start+Increment, ... Start+Increment*Count (ms).
type SamplingRate struct {
	Start     float64 `mapstructure:"start"`
	Increment float64 `mapstructure:"increment"`
	Count     uint32  `mapstructure:"count"`
}

type Subscriptions struct {
	MaxNotificationQueueSize        uint32  `mapstructure:"max_notification_queue_size"`
	MaxDurableNotificationQueueSize uint32  `mapstructure:"max_durable_notification_queue_size"`
	MaxEventQueueSize               uint32  `mapstructure:"max_event_queue_size"`
	MaxDurableEventQueueSize        uint32  `mapstructure:"max_durable_event_queue_size"`
	MinPublishingInterval           float64 `mapstructure:"min_publishing_interval"`
	MaxNotificationsPerPublish      int     `mapstructure:"max_notifications_per_publish"`
}

type Monitoring struct {
	// Strategy is either "monitored_node" or "sampling_group".
	Strategy             string         `mapstructure:"strategy"`
	Auditing             bool           `mapstructure:"auditing"`
	ContextCacheLifetime time.Duration  `mapstructure:"context_cache_lifetime"`
	Workers              int            `mapstructure:"workers"`
	SamplingRates        []SamplingRate `mapstructure:"sampling_rates"`
}

type Store struct {
	// Kind is either "memory" or "mongo".
	Kind     string        `mapstructure:"kind"`
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

package component

type MQTT struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServerURL string `mapstructure:"server_url"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	// ClientID is generated when empty.
	ClientID  string `mapstructure:"client_id"`
	QoS       uint8  `mapstructure:"qos"`
	Retain    bool   `mapstructure:"retain"`
	KeepAlive uint16 `mapstructure:"keep_alive"`
	// How long to wait between connection attempts, in seconds.
	ConnectRetry int64  `mapstructure:"connect_retry"`
	TopicPrefix  string `mapstructure:"topic_prefix"`
}

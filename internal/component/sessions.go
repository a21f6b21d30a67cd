package component

import "time"

type User struct {
	UserName string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Roles    []string `mapstructure:"roles"`
}

type Sessions struct {
	MinSessionTimeout float64       `mapstructure:"min_session_timeout"` // ms
	MaxSessionTimeout float64       `mapstructure:"max_session_timeout"` // ms
	MaxSessions       int           `mapstructure:"max_sessions"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	MaxRequestAge     float64       `mapstructure:"max_request_age"` // ms
	Users             []User        `mapstructure:"users"`
}

// Sweep returns the liveness monitor period. It defaults to the minimum
// session timeout.
func (s Sessions) Sweep() time.Duration {
	if s.SweepInterval > 0 {
		return s.SweepInterval
	}
	d := time.Duration(s.MinSessionTimeout) * time.Millisecond
	if d < time.Second {
		d = time.Second
	}
	return d
}

package ports

import (
	"context"
	"encoding/json"
)

// NotificationPublisher forwards notification payloads, keyed by topic, to
// a message broker.
type NotificationPublisher interface {
	Publish(ctx context.Context, payloads map[string]json.RawMessage) error
	Close(ctx context.Context) error
}

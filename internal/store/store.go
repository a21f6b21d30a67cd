// Package store persists durable subscriptions.
package store

import (
	"context"
	"time"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/ports"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	KindMemory = "memory"
	KindMongo  = "mongo"

	defaultTimeout = 5 * time.Second
)

var errClosed = errors.New("subscription store closed")

// New opens the store selected by cfg.Kind. An empty kind selects the
// memory store.
func New(ctx context.Context, cfg component.Store, logger *zap.SugaredLogger) (ports.SubscriptionStore, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemory(logger), nil
	case KindMongo:
		return NewMongo(ctx, cfg, logger)
	}
	return nil, errors.Errorf("unknown subscription store %q", cfg.Kind)
}

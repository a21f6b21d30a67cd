package ports

import (
	"context"

	"github.com/amine-amaach/uacore/internal/model"
)

// SubscriptionStore persists durable subscriptions across restarts.
type SubscriptionStore interface {
	StoreSubscriptions(ctx context.Context, subs []model.StoredSubscription) error

	// RestoreSubscriptions returns every stored subscription. Restored
	// entries are removed from the store once OnSubscriptionRestoreComplete
	// is called.
	RestoreSubscriptions(ctx context.Context) ([]model.StoredSubscription, error)

	OnSubscriptionRestoreComplete(ctx context.Context, restored []uint32) error

	DeleteSubscription(ctx context.Context, id uint32) error

	Close(ctx context.Context) error
}

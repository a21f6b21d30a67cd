package store

import (
	"context"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultDatabase         = "uacore"
	subscriptionsCollection = "durable_subscriptions"
)

// Mongo stores one document per durable subscription, keyed by the
// subscription id.
type Mongo struct {
	logger *zap.SugaredLogger
	cfg    component.Store
	client *mongo.Client
	subs   *mongo.Collection
}

// NewMongo connects to cfg.URI and pings the server before returning.
func NewMongo(ctx context.Context, cfg component.Store, logger *zap.SugaredLogger) (*Mongo, error) {
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	clientOptions := options.Client().ApplyURI(cfg.URI).SetAppName("uacore").SetConnectTimeout(cfg.Timeout)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "connect to subscription store")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping subscription store")
	}
	logger.Infof("Connected to subscription store %s/%s", cfg.URI, cfg.Database)
	return &Mongo{
		logger: logger,
		cfg:    cfg,
		client: client,
		subs:   client.Database(cfg.Database).Collection(subscriptionsCollection),
	}, nil
}

func (m *Mongo) StoreSubscriptions(ctx context.Context, subs []model.StoredSubscription) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	for i := range subs {
		filter := bson.D{{Key: "_id", Value: subs[i].ID}}
		result, err := m.subs.ReplaceOne(ctx, filter, subs[i], opts)
		if err != nil {
			return errors.Wrapf(err, "store subscription %d", subs[i].ID)
		}
		m.logger.Debugf("Subscription %d stored: matched=%d, modified=%d, upserted=%v",
			subs[i].ID, result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	}
	return nil
}

func (m *Mongo) RestoreSubscriptions(ctx context.Context) ([]model.StoredSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	cursor, err := m.subs.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "query durable subscriptions")
	}
	var subs []model.StoredSubscription
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, errors.Wrap(err, "decode durable subscriptions")
	}
	return subs, nil
}

func (m *Mongo) OnSubscriptionRestoreComplete(ctx context.Context, restored []uint32) error {
	if len(restored) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: restored}}}}
	result, err := m.subs.DeleteMany(ctx, filter)
	if err != nil {
		return errors.Wrap(err, "remove restored subscriptions")
	}
	m.logger.Debugf("Removed %d restored subscription(s) from the store", result.DeletedCount)
	return nil
}

func (m *Mongo) DeleteSubscription(ctx context.Context, id uint32) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if _, err := m.subs.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return errors.Wrapf(err, "delete subscription %d", id)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	m.logger.Infoln("Closing subscription store connection")
	return m.client.Disconnect(ctx)
}

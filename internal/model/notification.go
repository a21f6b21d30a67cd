package model

import "github.com/awcullen/opcua/ua"

type DataChangeNotification struct {
	ClientHandle uint32
	Value        ua.DataValue
}

type EventNotification struct {
	ClientHandle uint32
	Fields       []ua.Variant
}

// NotificationBatch is what one publish cycle drained from a subscription.
type NotificationBatch struct {
	SubscriptionID    uint32
	DataChanges       []DataChangeNotification
	Events            []EventNotification
	MoreNotifications bool
}

// Len returns the number of notifications in the batch.
func (b NotificationBatch) Len() int {
	return len(b.DataChanges) + len(b.Events)
}

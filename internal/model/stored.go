package model

import (
	"time"

	"github.com/awcullen/opcua/ua"
)

// StoredMonitoredItem is the persisted form of a monitored item of a
// durable subscription.
type StoredMonitoredItem struct {
	SubscriptionID         uint32                  `bson:"subscription_id"`
	ID                     uint32                  `bson:"id"`
	TypeMask               ItemTypeMask            `bson:"type_mask"`
	NodeID                 string                  `bson:"node_id"`
	AttributeID            uint32                  `bson:"attribute_id"`
	IndexRange             string                  `bson:"index_range"`
	Encoding               string                  `bson:"encoding"`
	DiagnosticsMasks       DiagnosticsMasks        `bson:"diagnostics_masks"`
	TimestampsToReturn     ua.TimestampsToReturn   `bson:"timestamps_to_return"`
	ClientHandle           uint32                  `bson:"client_handle"`
	MonitoringMode         ua.MonitoringMode       `bson:"monitoring_mode"`
	OriginalFilter         *StoredDataChangeFilter `bson:"original_filter,omitempty"`
	FilterToUse            *StoredDataChangeFilter `bson:"filter_to_use,omitempty"`
	EventFields            []string                `bson:"event_fields,omitempty"`
	Range                  *Range                  `bson:"range,omitempty"`
	SamplingInterval       float64                 `bson:"sampling_interval"`
	QueueSize              uint32                  `bson:"queue_size"`
	DiscardOldest          bool                    `bson:"discard_oldest"`
	SourceSamplingInterval float64                 `bson:"source_sampling_interval"`
	AlwaysReportUpdates    bool                    `bson:"always_report_updates"`
	IsDurable              bool                    `bson:"is_durable"`
	LastValue              *StoredValue            `bson:"last_value,omitempty"`
	LastError              ua.StatusCode           `bson:"last_error"`
	Owner                  string                  `bson:"owner"`
	StoredAt               time.Time               `bson:"stored_at"`
}

type StoredDataChangeFilter struct {
	Trigger       uint32  `bson:"trigger"`
	DeadbandType  uint32  `bson:"deadband_type"`
	DeadbandValue float64 `bson:"deadband_value"`
}

// Range is the engineering units range used by percent deadbands.
type Range struct {
	Low  float64 `bson:"low"`
	High float64 `bson:"high"`
}

type StoredValue struct {
	Value           interface{}   `bson:"value"`
	StatusCode      ua.StatusCode `bson:"status_code"`
	SourceTimestamp time.Time     `bson:"source_timestamp"`
	ServerTimestamp time.Time     `bson:"server_timestamp"`
}

// ToDataValue rebuilds the value.
func (v *StoredValue) ToDataValue() ua.DataValue {
	if v == nil {
		return ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, 0, time.Time{}, 0)
	}
	return ua.NewDataValue(v.Value, v.StatusCode, v.SourceTimestamp, 0, v.ServerTimestamp, 0)
}

func NewStoredValue(dv ua.DataValue) *StoredValue {
	return &StoredValue{
		Value:           dv.Value,
		StatusCode:      dv.StatusCode,
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: dv.ServerTimestamp,
	}
}

// StoredSubscription groups the items of one durable subscription.
type StoredSubscription struct {
	ID                 uint32                `bson:"_id"`
	PublishingInterval float64               `bson:"publishing_interval"`
	Owner              string                `bson:"owner"`
	OwnerKind          IdentityKind          `bson:"owner_kind"`
	MonitoredItems     []StoredMonitoredItem `bson:"monitored_items"`
}

// Package bridge forwards subscription notifications to an MQTT broker.
package bridge

import (
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/awcullen/opcua/ua"
)

// Message is the payload of one data change.
type Message struct {
	ItemTopic         string      `json:"ItemTopic"`
	ItemId            string      `json:"ItemId"`
	ItemName          string      `json:"ItemName"`
	ItemValue         interface{} `json:"ItemValue"`
	ItemOldValue      interface{} `json:"ItemOldValue"`
	ItemDataType      string      `json:"ItemDataType"`
	ItemStatus        string      `json:"ItemStatus"`
	ChangedTimestamp  string      `json:"ChangedTimestamp"`
	PreviousTimestamp string      `json:"PreviousTimestamp"`
}

// EventMessage is the payload of one event notification.
type EventMessage struct {
	ItemTopic string        `json:"ItemTopic"`
	ItemName  string        `json:"ItemName"`
	Fields    []interface{} `json:"Fields"`
}

// Item names the monitored item behind a client handle.
type Item struct {
	ID   string
	Name string
}

// Builder turns notification batches into topic payloads. It remembers the
// last value of every item to fill in the old value.
type Builder struct {
	sync.Mutex
	prefix   string
	items    map[uint32]Item
	previous map[uint32]ua.DataValue
}

func NewBuilder(prefix string, items map[uint32]Item) *Builder {
	if prefix == "" {
		prefix = "uacore"
	}
	return &Builder{prefix: prefix, items: items, previous: map[uint32]ua.DataValue{}}
}

// Build returns one payload per topic. When an item changed more than once
// in the batch only its latest change is kept.
func (b *Builder) Build(batch model.NotificationBatch) (map[string]json.RawMessage, error) {
	b.Lock()
	defer b.Unlock()

	payloads := map[string]json.RawMessage{}
	for _, dc := range batch.DataChanges {
		item := b.item(dc.ClientHandle)
		topic := path.Join(b.prefix, item.Name)
		msg := Message{
			ItemTopic:        topic,
			ItemId:           item.ID,
			ItemName:         item.Name,
			ItemValue:        dc.Value.Value,
			ItemDataType:     fmt.Sprintf("%T", dc.Value.Value),
			ItemStatus:       dc.Value.StatusCode.Error(),
			ChangedTimestamp: timestamp(dc.Value.SourceTimestamp),
		}
		if prev, ok := b.previous[dc.ClientHandle]; ok {
			msg.ItemOldValue = prev.Value
			msg.PreviousTimestamp = timestamp(prev.SourceTimestamp)
		}
		b.previous[dc.ClientHandle] = dc.Value

		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		payloads[topic] = payload
	}

	events := map[string][]EventMessage{}
	for _, evt := range batch.Events {
		item := b.item(evt.ClientHandle)
		topic := path.Join(b.prefix, "events", item.Name)
		fields := make([]interface{}, len(evt.Fields))
		for i, f := range evt.Fields {
			fields[i] = eventField(f)
		}
		events[topic] = append(events[topic], EventMessage{ItemTopic: topic, ItemName: item.Name, Fields: fields})
	}
	for topic, msgs := range events {
		payload, err := json.Marshal(msgs)
		if err != nil {
			return nil, err
		}
		payloads[topic] = payload
	}
	return payloads, nil
}

func (b *Builder) item(handle uint32) Item {
	if item, ok := b.items[handle]; ok {
		return item
	}
	return Item{ID: fmt.Sprint(handle), Name: fmt.Sprintf("item%d", handle)}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// eventField makes event fields JSON friendly.
func eventField(v ua.Variant) interface{} {
	switch f := v.(type) {
	case ua.LocalizedText:
		return f.Text
	case ua.ByteString:
		return fmt.Sprintf("%x", string(f))
	case ua.NodeID:
		return model.FormatNodeID(f)
	case time.Time:
		return timestamp(f)
	}
	return v
}

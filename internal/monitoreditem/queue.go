package monitoreditem

import (
	"sync/atomic"
)

// Limits are the queue size ceilings of a server.
type Limits struct {
	MaxQueueSize        uint32
	MaxDurableQueueSize uint32
}

// ReviseQueueSize clamps a requested queue size to the ceiling that applies
// to the subscription. Durable subscriptions get their own, larger ceiling.
// A zero ceiling means unlimited.
func ReviseQueueSize(requested uint32, durable bool, lim Limits) uint32 {
	if !durable && lim.MaxQueueSize > 0 && requested > lim.MaxQueueSize {
		return lim.MaxQueueSize
	}
	if durable && lim.MaxDurableQueueSize > 0 && requested > lim.MaxDurableQueueSize {
		return lim.MaxDurableQueueSize
	}
	return requested
}

// IDFactory hands out monitored item ids. Zero is never returned.
type IDFactory struct {
	last uint32
}

// NewIDFactory starts counting after start, e.g. the highest restored id.
func NewIDFactory(start uint32) *IDFactory {
	return &IDFactory{last: start}
}

func (f *IDFactory) Next() uint32 {
	for {
		if id := atomic.AddUint32(&f.last, 1); id != 0 {
			return id
		}
	}
}

// Observe moves the counter past id so restored ids are not handed out again.
func (f *IDFactory) Observe(id uint32) {
	for {
		last := atomic.LoadUint32(&f.last)
		if id <= last || atomic.CompareAndSwapUint32(&f.last, last, id) {
			return
		}
	}
}

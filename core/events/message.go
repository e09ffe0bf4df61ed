// Package events defines the envelope and topic types carried through the bus.
package events

import (
	"sync/atomic"
	"time"
)

// AllocClass identifies which fixed-block pool owns an envelope. AllocNone
// marks a statically allocated envelope whose lifetime the caller manages.
type AllocClass uint8

const (
	// AllocNone marks a caller-managed envelope; the refcount is ignored.
	AllocNone AllocClass = iota
	// AllocSmall marks an envelope drawn from the small pool.
	AllocSmall
	// AllocMedium marks an envelope drawn from the medium pool.
	AllocMedium
	// AllocLarge marks an envelope drawn from the large pool.
	AllocLarge
)

func (c AllocClass) String() string {
	switch c {
	case AllocNone:
		return "none"
	case AllocSmall:
		return "small"
	case AllocMedium:
		return "medium"
	case AllocLarge:
		return "large"
	default:
		return "unknown"
	}
}

// publisherIDMask keeps provenance inside its 12-bit wire field.
const publisherIDMask = 0x0fff

// Message is the envelope delivered to subscribers: a topic id, optional
// publisher provenance, and the payload bytes. Pooled envelopes additionally
// carry a consumer reference count and the identity of their owning pool.
//
// The alloc class, pool index, publication state, and reference count are
// owned by the bus and the allocator; user code reads them through the
// accessor methods and mutates them only via the bus API.
type Message struct {
	Topic       Topic
	PublisherID uint16
	Payload     []byte

	alloc       AllocClass
	poolIndex   int32
	published   bool
	publishTime time.Time
	refs        atomic.Int32
}

// NewMessage builds a statically allocated envelope. The caller owns its
// lifetime; the bus never frees it.
func NewMessage(topic Topic, payload []byte) *Message {
	m := new(Message)
	m.Topic = topic
	m.PublisherID = 0
	m.Payload = payload
	m.alloc = AllocNone
	m.poolIndex = -1
	return m
}

// SetPublisherID records 12-bit provenance; zero means unspecified.
func (m *Message) SetPublisherID(id uint16) {
	m.PublisherID = id & publisherIDMask
}

// Class returns the pool class that owns this envelope.
func (m *Message) Class() AllocClass { return m.alloc }

// Static reports whether the envelope is caller-managed.
func (m *Message) Static() bool { return m.alloc == AllocNone }

// Published reports whether the dispatcher has published this envelope at
// least once.
func (m *Message) Published() bool { return m.published }

// PublishTime returns the monotonic timestamp stamped at publication.
func (m *Message) PublishTime() time.Time { return m.publishTime }

// Refs returns the number of consumers still holding this envelope. Only
// meaningful for pooled envelopes.
func (m *Message) Refs() int32 { return m.refs.Load() }

// AddRef atomically adjusts the consumer reference count and returns the new
// value. Reserved for the bus and the allocator.
func (m *Message) AddRef(delta int32) int32 { return m.refs.Add(delta) }

// SetRefs overwrites the reference count. Reserved for the allocator.
func (m *Message) SetRefs(n int32) { m.refs.Store(n) }

// MarkPublished stamps the publication time and sets the published flag.
// Reserved for the dispatcher.
func (m *Message) MarkPublished(at time.Time) {
	m.published = true
	m.publishTime = at
}

// BindPool tags the envelope with its owning pool class and block index.
// Reserved for the allocator.
func (m *Message) BindPool(class AllocClass, index int32) {
	m.alloc = class
	m.poolIndex = index
}

// PoolIndex returns the block index inside the owning pool, or -1 for static
// envelopes.
func (m *Message) PoolIndex() int32 { return m.poolIndex }

// Reset clears per-publication state so a pooled envelope can be reused. The
// payload slice is retained at full capacity for the next allocation.
func (m *Message) Reset() {
	m.Topic = 0
	m.PublisherID = 0
	m.Payload = m.Payload[:0]
	m.published = false
	m.publishTime = time.Time{}
	m.refs.Store(0)
}

package mempool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelworks/embus/config"
	"github.com/kestrelworks/embus/core/events"
	"github.com/kestrelworks/embus/internal/telemetry"
)

// Set owns the small, medium, and large pools and implements the allocator
// façade: pool selection by size, reference-count initialization, and
// release-on-last-ref. All pool mutation runs under one mutex, the moral
// equivalent of the scheduler-suspend critical section the allocator needs
// when invoked outside the dispatcher.
type Set struct {
	mu     sync.Mutex
	small  *pool
	medium *pool
	large  *pool

	allocCounter   metric.Int64Counter
	releaseCounter metric.Int64Counter
	inUseGauge     metric.Int64UpDownCounter
	borrowDuration metric.Float64Histogram
}

// NewSet carves the three pools from the provided specs.
func NewSet(specs config.PoolSpecs) (*Set, error) {
	s := new(Set)

	var err error
	if s.small, err = newPool("small", events.AllocSmall, specs.Small.BlockSize, specs.Small.BlockCount); err != nil {
		return nil, err
	}
	if s.medium, err = newPool("medium", events.AllocMedium, specs.Medium.BlockSize, specs.Medium.BlockCount); err != nil {
		return nil, err
	}
	if s.large, err = newPool("large", events.AllocLarge, specs.Large.BlockSize, specs.Large.BlockCount); err != nil {
		return nil, err
	}

	meter := otel.Meter("embus/mempool")
	s.allocCounter, _ = meter.Int64Counter("pool.alloc",
		metric.WithDescription("Number of envelope allocations"),
		metric.WithUnit("{block}"))
	s.releaseCounter, _ = meter.Int64Counter("pool.release",
		metric.WithDescription("Number of envelope blocks returned"),
		metric.WithUnit("{block}"))
	s.inUseGauge, _ = meter.Int64UpDownCounter("pool.in_use",
		metric.WithDescription("Envelope blocks currently allocated"),
		metric.WithUnit("{block}"))
	s.borrowDuration, _ = meter.Float64Histogram("pool.borrow.duration",
		metric.WithDescription("Latency of envelope allocation"),
		metric.WithUnit("ms"))

	return s, nil
}

// Alloc selects the smallest pool able to hold size payload bytes plus the
// envelope header and returns an envelope with a zero reference count, or nil
// when every fitting pool is exhausted. A size no pool can hold is a contract
// violation and panics.
func (s *Set) Alloc(size int, topic events.Topic, publisherID uint16) *events.Message {
	return s.alloc(size, topic, publisherID, 0)
}

// AllocOwned is Alloc with the reference count initialized to one, so the
// allocating task keeps ownership until it releases explicitly. This keeps the
// zero-subscriber publish path from reclaiming the envelope while the
// publisher still holds it.
func (s *Set) AllocOwned(size int, topic events.Topic, publisherID uint16) *events.Message {
	return s.alloc(size, topic, publisherID, 1)
}

func (s *Set) alloc(size int, topic events.Topic, publisherID uint16, refs int32) *events.Message {
	if size < 0 {
		panic(fmt.Sprintf("mempool: negative allocation size %d", size))
	}
	if size > s.large.payloadCap {
		panic(fmt.Sprintf("mempool: allocation of %d bytes exceeds largest pool payload %d", size, s.large.payloadCap))
	}

	start := time.Now()
	s.mu.Lock()
	var msg *events.Message
	var class events.AllocClass
	for _, p := range []*pool{s.small, s.medium, s.large} {
		if size > p.payloadCap {
			continue
		}
		if msg = p.alloc(); msg != nil {
			class = p.class
			break
		}
	}
	s.mu.Unlock()

	if msg == nil {
		return nil
	}

	msg.Payload = msg.Payload[:size]
	msg.Topic = topic
	msg.SetPublisherID(publisherID)
	msg.SetRefs(refs)

	attrs := metric.WithAttributes(telemetry.PoolAttributes(class.String())...)
	if s.allocCounter != nil {
		s.allocCounter.Add(context.Background(), 1, attrs)
	}
	if s.inUseGauge != nil {
		s.inUseGauge.Add(context.Background(), 1, attrs)
	}
	if s.borrowDuration != nil {
		s.borrowDuration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000.0, attrs)
	}
	return msg
}

// Release drops one reference from a pooled envelope and returns the block to
// its owning pool when the count reaches zero. Releasing a static envelope is
// a no-op; dropping below zero is a double release and panics.
func (s *Set) Release(msg *events.Message) bool {
	if msg == nil || msg.Static() {
		return false
	}

	refs := msg.AddRef(-1)
	if refs < 0 {
		panic(fmt.Sprintf("mempool: double release of %s block %d", msg.Class(), msg.PoolIndex()))
	}
	if refs > 0 {
		return false
	}

	s.freeBlock(msg)
	return true
}

// FreeUnreferenced returns a pooled envelope whose reference count is already
// zero straight to its pool. The dispatcher uses it when a publication found
// no queue-sink takers.
func (s *Set) FreeUnreferenced(msg *events.Message) {
	if msg == nil || msg.Static() {
		return
	}
	if refs := msg.Refs(); refs != 0 {
		panic(fmt.Sprintf("mempool: free of %s block %d with %d outstanding refs", msg.Class(), msg.PoolIndex(), refs))
	}
	s.freeBlock(msg)
}

func (s *Set) freeBlock(msg *events.Message) {
	class := msg.Class()
	p := s.poolFor(class)

	s.mu.Lock()
	p.free(msg)
	s.mu.Unlock()

	attrs := metric.WithAttributes(telemetry.PoolAttributes(class.String())...)
	if s.releaseCounter != nil {
		s.releaseCounter.Add(context.Background(), 1, attrs)
	}
	if s.inUseGauge != nil {
		s.inUseGauge.Add(context.Background(), -1, attrs)
	}
}

func (s *Set) poolFor(class events.AllocClass) *pool {
	switch class {
	case events.AllocSmall:
		return s.small
	case events.AllocMedium:
		return s.medium
	case events.AllocLarge:
		return s.large
	default:
		panic(fmt.Sprintf("mempool: no pool for alloc class %v", class))
	}
}

// Integrity verifies all three pools and returns per-pool accounting. The
// boolean is true only when every pool passes.
func (s *Set) Integrity() (bool, []IntegrityInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]IntegrityInfo, 3)
	ok := true
	for i, p := range []*pool{s.small, s.medium, s.large} {
		if !p.integrity(&infos[i]) {
			ok = false
		}
	}
	return ok, infos
}

// Stats snapshots per-pool usage for introspection.
func (s *Set) Stats() []IntegrityInfo {
	_, infos := s.Integrity()
	return infos
}

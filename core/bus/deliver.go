package bus

import (
	"fmt"
	"time"

	"github.com/kestrelworks/embus/core/events"
	"github.com/kestrelworks/embus/internal/observability"
)

// topicLatency tracks the min/max fan-out latency observed per topic.
type topicLatency struct {
	count uint64
	min   time.Duration
	max   time.Duration
}

func (tl *topicLatency) observe(d time.Duration) {
	if tl.count == 0 || d < tl.min {
		tl.min = d
	}
	if d > tl.max {
		tl.max = d
	}
	tl.count++
}

// publish stamps the envelope, updates the retained slot, and walks the
// registry in insertion order delivering to every listener whose mask carries
// the topic bit. Listeners attached earlier see the publication strictly
// before listeners attached later.
func (b *Bus) publish(msg *events.Message, retain bool) {
	b.checkTopic(msg.Topic)

	start := time.Now()
	msg.MarkPublished(start)

	if retain {
		if !msg.Static() {
			panic(fmt.Sprintf("bus: retained envelope on topic %d must be statically allocated, got %s pool",
				msg.Topic, msg.Class()))
		}
		b.retained[msg.Topic] = msg
	} else {
		b.retained[msg.Topic] = nil
	}

	matched := 0
	taken := 0
	for l := b.first; l != nil; l = l.next {
		if !l.mask.Has(msg.Topic) {
			continue
		}
		matched++
		if b.deliver(l, msg) {
			taken++
		}
	}

	elapsed := time.Since(start)
	b.latency[msg.Topic].observe(elapsed)
	b.metrics.observePublish(uint32(msg.Topic), matched)

	// No queue-sink subscriber took a reference: a pooled envelope with no
	// outstanding owner goes straight back to its pool.
	if !msg.Static() && taken == 0 && msg.Refs() == 0 {
		b.pools.FreeUnreferenced(msg)
	}
}

// deliver dispatches one envelope through the listener's sink. The return
// value reports whether the delivery took a reference on a pooled envelope.
// A full queue drops only this delivery: the sticky errFull flag is set and
// the fan-out continues with the next listener.
func (b *Bus) deliver(l *Listener, msg *events.Message) bool {
	switch l.kind {
	case SinkCallback:
		l.callback(msg)
		return false

	case SinkQueue:
		pooled := !msg.Static()
		// Bump before the push: the consumer may drain and release ahead of
		// the dispatcher resuming, and the count must never dip through zero
		// while the reference is live.
		if pooled {
			msg.AddRef(1)
			l.refs.Add(1)
		}
		select {
		case l.queue <- msg:
			return pooled
		default:
			if pooled {
				msg.AddRef(-1)
				l.refs.Add(-1)
			}
			l.errFull.Store(true)
			b.metrics.deliveryDropped(uint32(msg.Topic), l.name)
			b.fullLog.Do(func() {
				observability.Log().Error("bus: queue full, delivery dropped",
					observability.Field{Key: "listener", Value: l.name},
					observability.Field{Key: "topic", Value: uint32(msg.Topic)},
				)
			})
			return false
		}

	case SinkWake:
		// Notifications coalesce; a waiter with one pending signal needs no
		// second.
		select {
		case l.wake <- struct{}{}:
		default:
		}
		return false

	default:
		panic(fmt.Sprintf("bus: listener %s has no sink", l.name))
	}
}

package bus

import (
	"time"

	"github.com/kestrelworks/embus/core/events"
)

// WaitFor blocks the calling goroutine until an event is published on the
// topic or the timeout elapses. It attaches a transient wake-sink listener,
// subscribes it, and tears it down afterwards; a retained event on the topic
// satisfies the wait immediately.
func (b *Bus) WaitFor(topic events.Topic, timeout time.Duration) bool {
	l := NewWakeListener("")
	if err := b.Attach(l); err != nil {
		return false
	}
	if err := b.SubscribeOne(l, topic); err != nil {
		_ = b.Detach(l)
		return false
	}

	woke := false
	timer := time.NewTimer(timeout)
	select {
	case <-l.wake:
		woke = true
	case <-timer.C:
	}
	timer.Stop()

	_ = b.Detach(l)

	// A delivery can land between the wake (or timeout) and the detach ack;
	// swallow it so the one-shot semantics hold, and count it as success.
	select {
	case <-l.wake:
		woke = true
	default:
	}

	return woke
}

package bus

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/kestrelworks/embus/core/events"
)

// run is the single-owner dispatcher: the only execution stream allowed to
// mutate the registry, the subscription masks, and the retained cache. It
// alternates between Idle (blocked on the inbox) and Serving (one command).
func (b *Bus) run() {
	b.dispatcherGoid.Store(goid())

	for {
		select {
		case <-b.ctx.Done():
			return
		case cmd := <-b.inbox:
			start := time.Now()
			b.serve(cmd)
			b.metrics.observeCommand(cmd.kind, time.Since(start), len(b.inbox))
			if cmd.reply != nil {
				cmd.reply <- nil
			}
		}
	}
}

func (b *Bus) serve(cmd command) {
	switch cmd.kind {
	case cmdAttach:
		b.attachListener(cmd.listener)
	case cmdDetach:
		b.detachListener(cmd.listener)
	case cmdSubscribeOne:
		b.subscribeOne(cmd.listener, cmd.topic)
	case cmdSubscribeMany:
		b.subscribeMany(cmd.listener, cmd.topics)
	case cmdUnsubscribeOne:
		b.unsubscribeOne(cmd.listener, cmd.topic)
	case cmdPublish:
		b.publish(cmd.msg, cmd.retain)
	case cmdInvalidate:
		b.invalidate(cmd.msg)
	case cmdSnapshot:
		cmd.snapshot <- b.buildSnapshot()
	default:
		panic(fmt.Sprintf("bus: unknown command kind %d", cmd.kind))
	}
}

// attachListener appends to the registry tail. Re-attach and queue-sink
// priority violations are contract violations.
func (b *Bus) attachListener(l *Listener) {
	if l.attached.Load() {
		panic(fmt.Sprintf("bus: listener %s already attached", l.name))
	}
	if l.kind == SinkQueue && l.priority >= b.cfg.DispatcherPriority {
		panic(fmt.Sprintf("bus: queue listener %s priority %d must be below dispatcher priority %d",
			l.name, l.priority, b.cfg.DispatcherPriority))
	}

	l.mask = events.NewMask(b.cfg.TopicCount)
	l.prev = b.last
	l.next = nil
	if b.last != nil {
		b.last.next = l
	} else {
		b.first = l
	}
	b.last = l
	l.attached.Store(true)
	b.metrics.listenerDelta(1)
}

// detachListener unlinks in constant time via the listener's own links.
func (b *Bus) detachListener(l *Listener) {
	if !l.attached.Load() {
		panic(fmt.Sprintf("bus: detach of unattached listener %s", l.name))
	}

	if l.prev != nil {
		l.prev.next = l.next
	} else {
		b.first = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	} else {
		b.last = l.prev
	}
	l.prev = nil
	l.next = nil
	l.mask = nil
	l.attached.Store(false)
	b.metrics.listenerDelta(-1)
}

// subscribeOne sets the mask bit and replays the retained event for the
// topic, when one exists, through the listener's own sink.
func (b *Bus) subscribeOne(l *Listener, topic events.Topic) {
	if !l.attached.Load() {
		panic(fmt.Sprintf("bus: subscribe of unattached listener %s", l.name))
	}
	b.checkTopic(topic)

	l.mask.Set(topic)
	if held := b.retained[topic]; held != nil {
		b.deliver(l, held)
	}
}

// subscribeMany walks the topic slice up to the first terminator.
func (b *Bus) subscribeMany(l *Listener, topics []events.Topic) {
	for _, topic := range topics {
		if topic == events.TopicListEnd || uint32(topic) >= b.cfg.TopicCount {
			return
		}
		b.subscribeOne(l, topic)
	}
}

func (b *Bus) unsubscribeOne(l *Listener, topic events.Topic) {
	if !l.attached.Load() {
		panic(fmt.Sprintf("bus: unsubscribe of unattached listener %s", l.name))
	}
	b.checkTopic(topic)
	l.mask.Clear(topic)
}

// invalidate clears the retained slot for the envelope's topic,
// unconditionally and idempotently.
func (b *Bus) invalidate(msg *events.Message) {
	b.checkTopic(msg.Topic)
	b.retained[msg.Topic] = nil
}

// goid extracts the current goroutine id from the runtime stack header. The
// dispatcher records its own id so the client façade can detect re-entry from
// a callback, which would otherwise deadlock on the inbox.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// First line reads "goroutine <id> [running]:".
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

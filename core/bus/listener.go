package bus

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kestrelworks/embus/core/events"
)

// Callback is the synchronous delivery handler. It runs on the dispatcher
// goroutine: it must not block and must not call back into the bus, and it may
// only retain the envelope past return when the envelope is statically
// allocated.
type Callback func(*events.Message)

// SinkKind identifies a listener's delivery mode.
type SinkKind uint8

const (
	// SinkCallback delivers synchronously on the dispatcher goroutine.
	SinkCallback SinkKind = iota + 1
	// SinkQueue delivers envelope references into a bounded queue.
	SinkQueue
	// SinkWake signals a one-shot waiter without handing over the envelope.
	SinkWake
)

func (k SinkKind) String() string {
	switch k {
	case SinkCallback:
		return "callback"
	case SinkQueue:
		return "queue"
	case SinkWake:
		return "wake"
	default:
		return "unknown"
	}
}

// Listener is a registered consumer: a topic bitmask plus exactly one delivery
// sink. Construction fixes the sink; the registry links and the mask belong to
// the dispatcher once the listener is attached.
type Listener struct {
	name     string
	priority int

	kind     SinkKind
	callback Callback
	queue    chan *events.Message
	wake     chan struct{}

	mask    events.Mask
	errFull atomic.Bool
	refs    atomic.Int32

	prev, next *Listener
	attached   atomic.Bool
}

func newListener(name string, kind SinkKind, priority int) *Listener {
	if name == "" {
		name = uuid.NewString()
	}
	l := new(Listener)
	l.name = name
	l.kind = kind
	l.priority = priority
	return l
}

// NewCallbackListener builds a listener whose deliveries invoke fn on the
// dispatcher goroutine.
func NewCallbackListener(name string, fn Callback) *Listener {
	if fn == nil {
		panic("bus: callback listener requires a handler")
	}
	l := newListener(name, SinkCallback, 0)
	l.callback = fn
	return l
}

// NewQueueListener builds a listener backed by a bounded queue of depth
// entries. The declared priority must be strictly below the dispatcher's;
// attach enforces it.
func NewQueueListener(name string, depth, priority int) *Listener {
	if depth <= 0 {
		panic(fmt.Sprintf("bus: queue listener depth %d must be positive", depth))
	}
	l := newListener(name, SinkQueue, priority)
	l.queue = make(chan *events.Message, depth)
	return l
}

// NewWakeListener builds a one-shot waiter listener. Deliveries coalesce into
// a single pending notification.
func NewWakeListener(name string) *Listener {
	l := newListener(name, SinkWake, 0)
	l.wake = make(chan struct{}, 1)
	return l
}

// Name returns the diagnostic name.
func (l *Listener) Name() string { return l.name }

// Sink returns the listener's delivery mode.
func (l *Listener) Sink() SinkKind { return l.kind }

// Priority returns the declared scheduling priority.
func (l *Listener) Priority() int { return l.priority }

// Queue exposes the receive side of a queue-sink listener, nil otherwise.
func (l *Listener) Queue() <-chan *events.Message { return l.queue }

// Wake exposes the notification channel of a wake-sink listener, nil
// otherwise.
func (l *Listener) Wake() <-chan struct{} { return l.wake }

// ErrFull reports the sticky queue-full flag.
func (l *Listener) ErrFull() bool { return l.errFull.Load() }

// ClearErrFull resets the sticky queue-full flag.
func (l *Listener) ClearErrFull() { l.errFull.Store(false) }

// Refs returns the number of pooled envelopes queued into this listener and
// not yet released through it.
func (l *Listener) Refs() int32 { return l.refs.Load() }

// Package bus implements the topic-filtered in-process publish/subscribe bus:
// a single-owner dispatcher serializing topology changes and publications,
// three-mode delivery fan-out, last-value retention, and pooled envelopes with
// multi-consumer reference counting.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/kestrelworks/embus/config"
	"github.com/kestrelworks/embus/core/events"
	"github.com/kestrelworks/embus/errs"
	"github.com/kestrelworks/embus/internal/mempool"
)

// Retain and NoRetain name the retain-flag values accepted by the publish
// calls.
const (
	Retain   = true
	NoRetain = false
)

// Bus owns all process-wide bus state: the dispatcher, its inbox, the listener
// registry, the retained cache, and the envelope pools. Multiple independent
// instances may coexist; nothing here is package-global.
type Bus struct {
	cfg   config.Settings
	pools *mempool.Set

	inbox  chan command
	ctx    context.Context
	cancel context.CancelFunc

	lifecycle conc.WaitGroup
	closeOnce sync.Once

	// Dispatcher-owned state; touched only on the dispatcher goroutine.
	first    *Listener
	last     *Listener
	retained []*events.Message
	latency  []topicLatency

	dispatcherGoid atomic.Uint64
	metrics        *busMetrics
	fullLog        rate.Sometimes
}

// New validates the settings, carves the pools, and starts the dispatcher.
func New(cfg config.Settings) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.New("bus/new", errs.CodeInvalid, errs.WithCause(err))
	}

	pools, err := mempool.NewSet(cfg.Pools)
	if err != nil {
		return nil, errs.New("bus/new", errs.CodeInvalid, errs.WithCause(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := new(Bus)
	b.cfg = cfg
	b.pools = pools
	b.inbox = make(chan command, cfg.InboxDepth)
	b.ctx = ctx
	b.cancel = cancel
	b.retained = make([]*events.Message, cfg.TopicCount)
	b.latency = make([]topicLatency, cfg.TopicCount)
	b.metrics = newBusMetrics()
	b.fullLog = rate.Sometimes{First: 1, Interval: time.Second}

	b.lifecycle.Go(b.run)
	return b, nil
}

// Close stops the dispatcher and waits for it to exit or for ctx to expire.
// Pending commands are abandoned; their callers unblock with a closed error.
func (b *Bus) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		done := make(chan struct{})
		go func() {
			b.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("bus shutdown: %w", ctx.Err())
		}
	})
	return err
}

// send pushes a command and blocks for the dispatcher acknowledgement. The
// push itself blocks while the inbox is full, preserving strict FIFO admission
// for task-context callers.
func (b *Bus) send(cmd command) error {
	if goid() == b.dispatcherGoid.Load() {
		panic("bus: re-entered from a dispatcher callback")
	}

	cmd.reply = make(chan error, 1)
	select {
	case <-b.ctx.Done():
		return errs.New("bus/send", errs.CodeClosed, errs.WithMessage("bus closed"))
	case b.inbox <- cmd:
	}

	select {
	case <-b.ctx.Done():
		return errs.New("bus/send", errs.CodeClosed, errs.WithMessage("bus closed"))
	case err := <-cmd.reply:
		return err
	}
}

// Attach appends the listener to the registry. A queue-sink listener whose
// declared priority is not strictly below the dispatcher's is a contract
// violation.
func (b *Bus) Attach(l *Listener) error {
	if l == nil {
		panic("bus: attach of nil listener")
	}
	if l.attached.Load() {
		panic(fmt.Sprintf("bus: listener %s already attached", l.name))
	}
	if l.kind == SinkQueue && l.priority >= b.cfg.DispatcherPriority {
		panic(fmt.Sprintf("bus: queue listener %s priority %d must be below dispatcher priority %d",
			l.name, l.priority, b.cfg.DispatcherPriority))
	}
	return b.send(command{kind: cmdAttach, listener: l})
}

// Detach removes the listener from the registry. After the acknowledgement no
// further publication reaches it.
func (b *Bus) Detach(l *Listener) error {
	if l == nil {
		panic("bus: detach of nil listener")
	}
	if !l.attached.Load() {
		panic(fmt.Sprintf("bus: detach of unattached listener %s", l.name))
	}
	return b.send(command{kind: cmdDetach, listener: l})
}

// SubscribeOne sets the topic bit and replays the retained event for that
// topic, when one exists, before any later publication.
func (b *Bus) SubscribeOne(l *Listener, topic events.Topic) error {
	if l == nil {
		panic("bus: subscribe of nil listener")
	}
	b.checkTopic(topic)
	return b.send(command{kind: cmdSubscribeOne, listener: l, topic: topic})
}

// SubscribeMany applies SubscribeOne for each entry up to the first
// terminator (events.TopicListEnd or any value at or past the topic count).
func (b *Bus) SubscribeMany(l *Listener, topics []events.Topic) error {
	if l == nil {
		panic("bus: subscribe of nil listener")
	}
	return b.send(command{kind: cmdSubscribeMany, listener: l, topics: topics})
}

// UnsubscribeOne clears the topic bit.
func (b *Bus) UnsubscribeOne(l *Listener, topic events.Topic) error {
	if l == nil {
		panic("bus: unsubscribe of nil listener")
	}
	b.checkTopic(topic)
	return b.send(command{kind: cmdUnsubscribeOne, listener: l, topic: topic})
}

// Publish enqueues the envelope for fan-out and blocks until the dispatcher
// has processed it. With retain set, the envelope becomes the topic's retained
// value and must be statically allocated; without it, any retained value for
// the topic is cleared.
func (b *Bus) Publish(msg *events.Message, retain bool) error {
	b.checkPublishable(msg, retain)
	return b.send(command{kind: cmdPublish, msg: msg, retain: retain})
}

// TryPublish is the interrupt-context publish path: a non-blocking inbox push
// with no acknowledgement. It reports whether the command was admitted; on
// false the caller decides recovery.
func (b *Bus) TryPublish(msg *events.Message, retain bool) bool {
	b.checkPublishable(msg, retain)
	if b.ctx.Err() != nil {
		return false
	}
	select {
	case b.inbox <- command{kind: cmdPublish, msg: msg, retain: retain}:
		return true
	default:
		return false
	}
}

// PublishWithRetry wraps TryPublish in exponential backoff until the inbox
// accepts the publication, ctx is cancelled, or maxElapsed passes. It packages
// the recovery loop callers of the non-blocking path otherwise hand-roll.
func (b *Bus) PublishWithRetry(ctx context.Context, msg *events.Message, retain bool, maxElapsed time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	op := func() (struct{}, error) {
		if b.TryPublish(msg, retain) {
			return struct{}{}, nil
		}
		return struct{}{}, errs.New("bus/publish_retry", errs.CodeUnavailable, errs.WithMessage("inbox full"))
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	if err != nil {
		return errs.New("bus/publish_retry", errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

// PublishDirect bypasses the dispatcher and pushes the envelope straight into
// a queue-sink listener, with the same reference-count bookkeeping as
// dispatcher delivery. A non-queue sink is a contract violation. A zero
// timeout makes the push non-blocking.
func (b *Bus) PublishDirect(l *Listener, msg *events.Message, timeout time.Duration) bool {
	if l == nil {
		panic("bus: direct publish to nil listener")
	}
	if l.kind != SinkQueue {
		panic(fmt.Sprintf("bus: direct publish to %s-sink listener %s", l.kind, l.name))
	}
	if msg == nil {
		panic("bus: publish of nil envelope")
	}

	pooled := !msg.Static()
	if pooled {
		msg.AddRef(1)
		l.refs.Add(1)
	}

	if timeout <= 0 {
		select {
		case l.queue <- msg:
			return true
		default:
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case l.queue <- msg:
			return true
		case <-timer.C:
		}
	}

	if pooled {
		msg.AddRef(-1)
		l.refs.Add(-1)
	}
	l.errFull.Store(true)
	return false
}

// Invalidate clears the retained slot for the envelope's topic. Idempotent.
func (b *Bus) Invalidate(msg *events.Message) error {
	if msg == nil {
		panic("bus: invalidate of nil envelope")
	}
	b.checkTopic(msg.Topic)
	return b.send(command{kind: cmdInvalidate, msg: msg})
}

// AllocEvent draws a pooled envelope sized for size payload bytes. The
// reference count starts at zero, so a publication that finds no queue-sink
// subscriber reclaims the envelope immediately. Returns nil when the fitting
// pools are exhausted.
func (b *Bus) AllocEvent(size int, topic events.Topic, publisherID uint16) *events.Message {
	b.checkTopic(topic)
	return b.pools.Alloc(size, topic, publisherID)
}

// AllocEventOwned is AllocEvent with the allocating task holding one
// reference until it releases explicitly.
func (b *Bus) AllocEventOwned(size int, topic events.Topic, publisherID uint16) *events.Message {
	b.checkTopic(topic)
	return b.pools.AllocOwned(size, topic, publisherID)
}

// ReleaseEvent drops one reference from a pooled envelope, crediting the
// listener it was consumed through. Pass a nil listener on the
// publisher-release path. Releasing a static envelope is a no-op.
func (b *Bus) ReleaseEvent(msg *events.Message, l *Listener) {
	if msg == nil || msg.Static() {
		return
	}
	if l != nil {
		if l.kind != SinkQueue {
			panic(fmt.Sprintf("bus: release through %s-sink listener %s", l.kind, l.name))
		}
		l.refs.Add(-1)
	}
	b.pools.Release(msg)
}

// PoolIntegrity verifies the envelope pools' internal accounting.
func (b *Bus) PoolIntegrity() (bool, []mempool.IntegrityInfo) {
	return b.pools.Integrity()
}

// checkPublishable front-runs the fatal publication asserts on the caller's
// goroutine, so a contract violation fails the offending task rather than the
// dispatcher.
func (b *Bus) checkPublishable(msg *events.Message, retain bool) {
	if msg == nil {
		panic("bus: publish of nil envelope")
	}
	b.checkTopic(msg.Topic)
	if retain && !msg.Static() {
		panic(fmt.Sprintf("bus: retained envelope on topic %d must be statically allocated, got %s pool",
			msg.Topic, msg.Class()))
	}
}

func (b *Bus) checkTopic(topic events.Topic) {
	if uint32(topic) >= b.cfg.TopicCount {
		panic(fmt.Sprintf("bus: topic %d out of range [0, %d)", topic, b.cfg.TopicCount))
	}
}

package integration

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/embus/config"
	"github.com/kestrelworks/embus/core/bus"
	"github.com/kestrelworks/embus/core/events"
)

func newBus(t *testing.T, opts ...config.Option) *bus.Bus {
	t.Helper()
	b, err := bus.New(config.Apply(config.Default(), opts...))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, b.Close(ctx))
	})
	return b
}

func word(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// TestLateJoinReplayOrdering verifies the retained value reaches a late
// subscriber strictly before publications admitted after the subscription.
func TestLateJoinReplayOrdering(t *testing.T) {
	b := newBus(t)

	require.NoError(t, b.Publish(events.NewMessage(4, word(0x1111)), true))

	var seen []uint32
	l := bus.NewCallbackListener("late-joiner", func(msg *events.Message) {
		seen = append(seen, binary.BigEndian.Uint32(msg.Payload))
	})
	require.NoError(t, b.Attach(l))
	require.NoError(t, b.SubscribeOne(l, 4))
	require.NoError(t, b.Publish(events.NewMessage(4, word(0x2222)), false))

	require.Equal(t, []uint32{0x1111, 0x2222}, seen)
}

// TestRetainOverwriteKeepsLastValue checks the cache holds only the most
// recent retained publication per topic.
func TestRetainOverwriteKeepsLastValue(t *testing.T) {
	b := newBus(t)

	require.NoError(t, b.Publish(events.NewMessage(6, word(1)), true))
	require.NoError(t, b.Publish(events.NewMessage(6, word(2)), true))

	var seen []uint32
	l := bus.NewCallbackListener("", func(msg *events.Message) {
		seen = append(seen, binary.BigEndian.Uint32(msg.Payload))
	})
	require.NoError(t, b.Attach(l))
	require.NoError(t, b.SubscribeOne(l, 6))

	require.Equal(t, []uint32{2}, seen)
}

// TestUnretainedPublishClearsCache verifies a retain=false publication clears
// the slot for its topic.
func TestUnretainedPublishClearsCache(t *testing.T) {
	b := newBus(t)

	require.NoError(t, b.Publish(events.NewMessage(6, word(1)), true))
	require.NoError(t, b.Publish(events.NewMessage(6, word(2)), false))

	delivered := 0
	l := bus.NewCallbackListener("", func(*events.Message) { delivered++ })
	require.NoError(t, b.Attach(l))
	require.NoError(t, b.SubscribeOne(l, 6))

	assert.Zero(t, delivered, "cache must be empty after an unretained publication")
}

// TestMixedSinksOnOneTopic drives callback, queue, and wake listeners from a
// single publication.
func TestMixedSinksOnOneTopic(t *testing.T) {
	b := newBus(t)

	cbHits := 0
	cb := bus.NewCallbackListener("cb", func(*events.Message) { cbHits++ })
	q := bus.NewQueueListener("q", 4, 0)
	w := bus.NewWakeListener("w")

	for _, l := range []*bus.Listener{cb, q, w} {
		require.NoError(t, b.Attach(l))
		require.NoError(t, b.SubscribeOne(l, 9))
	}

	require.NoError(t, b.Publish(events.NewMessage(9, word(0x77)), false))

	assert.Equal(t, 1, cbHits)

	select {
	case msg := <-q.Queue():
		assert.Equal(t, uint32(0x77), binary.BigEndian.Uint32(msg.Payload))
	default:
		t.Fatal("queue sink missed the publication")
	}

	select {
	case <-w.Wake():
	default:
		t.Fatal("wake sink missed the publication")
	}
}

// TestPooledFanoutLifecycle walks scenario 6 end to end through the public
// API: allocation, two queue consumers, releases, and pool reclamation.
func TestPooledFanoutLifecycle(t *testing.T) {
	b := newBus(t)

	l1 := bus.NewQueueListener("c1", 4, 0)
	l2 := bus.NewQueueListener("c2", 4, 0)
	for _, l := range []*bus.Listener{l1, l2} {
		require.NoError(t, b.Attach(l))
		require.NoError(t, b.SubscribeOne(l, 0))
	}

	msg := b.AllocEvent(4, 0, 0)
	require.NotNil(t, msg)
	copy(msg.Payload, word(0xFEED))
	require.NoError(t, b.Publish(msg, false))

	require.EqualValues(t, 2, msg.Refs())
	require.EqualValues(t, 1, l1.Refs())
	require.EqualValues(t, 1, l2.Refs())

	b.ReleaseEvent(<-l1.Queue(), l1)
	require.EqualValues(t, 1, msg.Refs())

	b.ReleaseEvent(<-l2.Queue(), l2)

	ok, infos := b.PoolIntegrity()
	require.True(t, ok)
	for _, info := range infos {
		assert.Zero(t, info.InUse, "pool %s must be fully reclaimed", info.Name)
	}
}

// TestPoolIntegrityAcrossChurn publishes pooled envelopes with no subscribers
// and expects every block back with integrity intact (scenario 8).
func TestPoolIntegrityAcrossChurn(t *testing.T) {
	b := newBus(t)

	const n = 24
	for i := 0; i < n; i++ {
		msg := b.AllocEvent(16, events.Topic(i%4), 0)
		require.NotNil(t, msg, "allocation %d", i)
		require.NoError(t, b.Publish(msg, false))
	}

	ok, infos := b.PoolIntegrity()
	require.True(t, ok, "integrity after churn")
	for _, info := range infos {
		assert.Zero(t, info.InUse)
		assert.LessOrEqual(t, info.HighWater, n)
	}
}

// TestWaitForAcrossGoroutines exercises the one-shot wait helper against a
// publisher racing it from another goroutine.
func TestWaitForAcrossGoroutines(t *testing.T) {
	b := newBus(t)

	p := concpool.New().WithMaxGoroutines(2)
	p.Go(func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(events.NewMessage(11, nil), false)
	})

	ok := b.WaitFor(11, 2*time.Second)
	p.Wait()
	assert.True(t, ok, "waiter should observe the publication")
}

// TestConcurrentPublishersSingleOrder verifies that two listeners subscribed
// to the same topic observe the same publication order, whatever the inbox
// interleaving of concurrent publishers was.
func TestConcurrentPublishersSingleOrder(t *testing.T) {
	b := newBus(t, config.WithInboxDepth(64))

	var orderA, orderB []uint32
	la := bus.NewCallbackListener("a", func(msg *events.Message) {
		orderA = append(orderA, binary.BigEndian.Uint32(msg.Payload))
	})
	lb := bus.NewCallbackListener("b", func(msg *events.Message) {
		orderB = append(orderB, binary.BigEndian.Uint32(msg.Payload))
	})
	for _, l := range []*bus.Listener{la, lb} {
		require.NoError(t, b.Attach(l))
		require.NoError(t, b.SubscribeOne(l, 0))
	}

	p := concpool.New().WithMaxGoroutines(4)
	for i := 0; i < 32; i++ {
		v := uint32(i)
		p.Go(func() {
			assert.NoError(t, b.Publish(events.NewMessage(0, word(v)), false))
		})
	}
	p.Wait()

	require.Len(t, orderA, 32)
	assert.Equal(t, orderA, orderB, "both listeners must observe the dispatcher's order")
}

// TestDumpStateProducesJSON sanity-checks the introspection surface.
func TestDumpStateProducesJSON(t *testing.T) {
	b := newBus(t)

	l := bus.NewQueueListener("introspect", 4, 0)
	require.NoError(t, b.Attach(l))
	require.NoError(t, b.SubscribeOne(l, 2))
	require.NoError(t, b.Publish(events.NewMessage(2, word(5)), true))

	var buf bytes.Buffer
	require.NoError(t, b.DumpState(&buf))
	out := buf.String()
	assert.Contains(t, out, `"introspect"`)
	assert.Contains(t, out, `"retained_topics"`)
	assert.Contains(t, out, `"pools"`)

	table, err := b.ListenerTable()
	require.NoError(t, err)
	assert.Contains(t, table, "introspect")

	latency, err := b.LatencyTable()
	require.NoError(t, err)
	assert.Contains(t, latency, "TOPIC")
}

// TestPublishWithRetryRecoversFromFullInbox saturates a one-slot inbox and
// relies on the backoff helper to land the publication.
func TestPublishWithRetryRecoversFromFullInbox(t *testing.T) {
	b := newBus(t, config.WithInboxDepth(1))

	hits := 0
	l := bus.NewCallbackListener("slowpath", func(*events.Message) { hits++ })
	require.NoError(t, b.Attach(l))
	require.NoError(t, b.SubscribeOne(l, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := concpool.New().WithMaxGoroutines(4)
	for i := 0; i < 16; i++ {
		p.Go(func() {
			assert.NoError(t, b.PublishWithRetry(ctx, events.NewMessage(0, word(1)), false, 3*time.Second))
		})
	}
	p.Wait()

	require.NoError(t, b.Publish(events.NewMessage(0, word(2)), false))
	assert.Equal(t, 17, hits)
}

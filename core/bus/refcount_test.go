package bus

import (
	"sync/atomic"
	"testing"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/kestrelworks/embus/config"
)

func TestPooledDeliveryRefcounts(t *testing.T) {
	b := newTestBus(t)

	l1 := NewQueueListener("consumer-1", 4, 0)
	l2 := NewQueueListener("consumer-2", 4, 0)
	for _, l := range []*Listener{l1, l2} {
		if err := b.Attach(l); err != nil {
			t.Fatalf("attach: %v", err)
		}
		if err := b.SubscribeOne(l, 0); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	msg := b.AllocEvent(4, 0, 0)
	if msg == nil {
		t.Fatal("alloc failed")
	}
	if err := b.Publish(msg, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if msg.Refs() != 2 {
		t.Fatalf("expected envelope refs 2 after fan-out, got %d", msg.Refs())
	}
	if l1.Refs() != 1 || l2.Refs() != 1 {
		t.Fatalf("expected per-listener refs (1,1), got (%d,%d)", l1.Refs(), l2.Refs())
	}

	got1 := <-l1.Queue()
	b.ReleaseEvent(got1, l1)
	if msg.Refs() != 1 || l1.Refs() != 0 {
		t.Fatalf("after first release expected refs (1,0), got (%d,%d)", msg.Refs(), l1.Refs())
	}

	got2 := <-l2.Queue()
	b.ReleaseEvent(got2, l2)
	if msg.Refs() != 0 || l2.Refs() != 0 {
		t.Fatalf("after second release expected refs (0,0), got (%d,%d)", msg.Refs(), l2.Refs())
	}

	ok, infos := b.PoolIntegrity()
	if !ok {
		t.Fatal("pool integrity broken after release cycle")
	}
	for _, info := range infos {
		if info.InUse != 0 {
			t.Fatalf("expected pool %s fully returned, %d in use", info.Name, info.InUse)
		}
	}
}

func TestZeroSubscriberPublishReclaimsEnvelope(t *testing.T) {
	b := newTestBus(t)

	const n = 8
	for i := 0; i < n; i++ {
		msg := b.AllocEvent(4, 0, 0)
		if msg == nil {
			t.Fatalf("alloc %d failed", i)
		}
		if err := b.Publish(msg, false); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	ok, infos := b.PoolIntegrity()
	if !ok {
		t.Fatal("pool integrity broken after churn")
	}
	for _, info := range infos {
		if info.InUse != 0 {
			t.Fatalf("pool %s: expected everything reclaimed, %d in use", info.Name, info.InUse)
		}
	}
	if infos[0].HighWater > n {
		t.Fatalf("high water %d exceeds allocations %d", infos[0].HighWater, n)
	}
}

func TestOwnedAllocationSurvivesZeroSubscribers(t *testing.T) {
	b := newTestBus(t)

	msg := b.AllocEventOwned(4, 0, 0)
	if msg == nil {
		t.Fatal("alloc failed")
	}
	if err := b.Publish(msg, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The publisher's reference keeps the envelope out of the pool.
	if msg.Refs() != 1 {
		t.Fatalf("expected publisher ref to survive fan-out, got %d", msg.Refs())
	}
	_, infos := b.PoolIntegrity()
	if infos[0].InUse != 1 {
		t.Fatalf("expected one block still in use, got %d", infos[0].InUse)
	}

	b.ReleaseEvent(msg, nil)
	ok, infos := b.PoolIntegrity()
	if !ok || infos[0].InUse != 0 {
		t.Fatal("expected pool reclaimed after publisher release")
	}
}

func TestQueueFullDoesNotLeakReferences(t *testing.T) {
	b := newTestBus(t)

	l := NewQueueListener("tiny", 1, 0)
	if err := b.Attach(l); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := b.SubscribeOne(l, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first := b.AllocEvent(4, 0, 0)
	second := b.AllocEvent(4, 0, 0)
	if err := b.Publish(first, false); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := b.Publish(second, false); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	// The dropped delivery must not bump counts; the second envelope goes
	// straight back to its pool.
	if !l.ErrFull() {
		t.Fatal("expected err_full")
	}
	if l.Refs() != 1 {
		t.Fatalf("expected one queued reference, got %d", l.Refs())
	}

	got := <-l.Queue()
	b.ReleaseEvent(got, l)

	ok, infos := b.PoolIntegrity()
	if !ok {
		t.Fatal("pool integrity broken")
	}
	if infos[0].InUse != 0 {
		t.Fatalf("expected pools drained, %d in use", infos[0].InUse)
	}
}

// TestConcurrentPublishChurn drives publishers and a draining consumer in
// parallel and then checks the quiescent accounting invariants.
func TestConcurrentPublishChurn(t *testing.T) {
	b := newTestBus(t, config.WithInboxDepth(64))

	l := NewQueueListener("drain", 256, 0)
	if err := b.Attach(l); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := b.SubscribeOne(l, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var skipped atomic.Int64
	p := concpool.New().WithMaxGoroutines(4)
	for i := 0; i < 64; i++ {
		p.Go(func() {
			msg := b.AllocEventOwned(8, 0, 0)
			if msg == nil {
				// Pool pressure under concurrency is expected; the quiescent
				// accounting below still holds.
				skipped.Add(1)
				return
			}
			if err := b.Publish(msg, false); err != nil {
				t.Errorf("publish: %v", err)
			}
			b.ReleaseEvent(msg, nil)
		})
	}
	p.Wait()

	// Every Publish was acknowledged, so every surviving delivery already
	// sits in the queue; drain it dry.
	drained := 0
	for {
		select {
		case msg := <-l.Queue():
			b.ReleaseEvent(msg, l)
			drained++
			continue
		default:
		}
		break
	}
	if int64(drained)+skipped.Load() != 64 {
		t.Fatalf("expected 64 outcomes, drained %d with %d skipped", drained, skipped.Load())
	}

	ok, infos := b.PoolIntegrity()
	if !ok {
		t.Fatalf("pool integrity broken after churn: %+v", infos)
	}
	if l.Refs() != 0 {
		t.Fatalf("expected listener refs drained to zero, got %d", l.Refs())
	}
}

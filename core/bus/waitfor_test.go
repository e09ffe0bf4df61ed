package bus

import (
	"testing"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kestrelworks/embus/core/events"
)

func TestWaitForWakesOnPublication(t *testing.T) {
	b := newTestBus(t)

	var wg conc.WaitGroup
	result := make(chan bool, 1)
	wg.Go(func() {
		result <- b.WaitFor(3, 2*time.Second)
	})

	// Publish only once the waiter's subscription is visible.
	deadline := time.After(2 * time.Second)
	for {
		snap, err := b.Snapshot()
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap.Listeners) == 1 && len(snap.Listeners[0].Topics) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("waiter never attached")
		case <-time.After(time.Millisecond):
		}
	}

	if err := b.Publish(events.NewMessage(3, nil), false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("expected WaitFor to report success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor never returned")
	}
	wg.Wait()
}

func TestWaitForTimesOut(t *testing.T) {
	b := newTestBus(t)

	start := time.Now()
	if b.WaitFor(3, 20*time.Millisecond) {
		t.Fatal("expected timeout with no publication")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before the timeout elapsed")
	}
}

func TestWaitForSatisfiedByRetained(t *testing.T) {
	b := newTestBus(t)

	if err := b.Publish(events.NewMessage(9, nil), true); err != nil {
		t.Fatalf("publish retained: %v", err)
	}

	if !b.WaitFor(9, time.Second) {
		t.Fatal("expected retained event to satisfy the wait immediately")
	}
}

func TestWaitForDetachesItsTransientListener(t *testing.T) {
	b := newTestBus(t)

	_ = b.WaitFor(1, 10*time.Millisecond)

	snap, err := b.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Listeners) != 0 {
		t.Fatalf("expected empty registry after WaitFor, got %d rows", len(snap.Listeners))
	}
}

package events

import (
	"testing"
	"time"
)

func TestMaskSetClearHas(t *testing.T) {
	mask := NewMask(128)

	if len(mask) != 4 {
		t.Fatalf("expected 4 words for 128 topics, got %d", len(mask))
	}

	mask.Set(0)
	mask.Set(80)
	mask.Set(127)

	for _, topic := range []Topic{0, 80, 127} {
		if !mask.Has(topic) {
			t.Fatalf("expected topic %d to be set", topic)
		}
	}
	if mask.Has(1) || mask.Has(79) {
		t.Fatal("unexpected bits set")
	}

	mask.Clear(80)
	if mask.Has(80) {
		t.Fatal("expected topic 80 cleared")
	}

	got := mask.Topics()
	if len(got) != 2 || got[0] != 0 || got[1] != 127 {
		t.Fatalf("unexpected topic list: %v", got)
	}
}

func TestMaskOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range topic")
		}
	}()
	mask := NewMask(32)
	mask.Set(32)
}

func TestNewMaskRejectsUnalignedCount(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non multiple of 32")
		}
	}()
	NewMask(33)
}

func TestNewMessageIsStatic(t *testing.T) {
	msg := NewMessage(3, []byte{0xDE, 0xAD})
	if !msg.Static() {
		t.Fatal("expected caller-built message to be static")
	}
	if msg.Class() != AllocNone {
		t.Fatalf("expected AllocNone, got %v", msg.Class())
	}
	if msg.Published() {
		t.Fatal("expected unpublished message")
	}
	if msg.PoolIndex() != -1 {
		t.Fatalf("expected pool index -1, got %d", msg.PoolIndex())
	}
}

func TestPublisherIDTruncatesToTwelveBits(t *testing.T) {
	msg := NewMessage(0, nil)
	msg.SetPublisherID(0xffff)
	if msg.PublisherID != 0x0fff {
		t.Fatalf("expected 12-bit provenance, got %#x", msg.PublisherID)
	}
}

func TestMarkPublishedStampsTime(t *testing.T) {
	msg := NewMessage(1, nil)
	at := time.Now()
	msg.MarkPublished(at)
	if !msg.Published() {
		t.Fatal("expected published flag")
	}
	if !msg.PublishTime().Equal(at) {
		t.Fatalf("expected publish time %v, got %v", at, msg.PublishTime())
	}
}

func TestResetClearsPublicationState(t *testing.T) {
	msg := NewMessage(7, make([]byte, 8, 16))
	msg.SetPublisherID(9)
	msg.MarkPublished(time.Now())
	msg.AddRef(2)

	msg.Reset()

	if msg.Topic != 0 || msg.PublisherID != 0 {
		t.Fatal("expected identity fields cleared")
	}
	if len(msg.Payload) != 0 || cap(msg.Payload) != 16 {
		t.Fatalf("expected payload truncated with capacity kept, len=%d cap=%d", len(msg.Payload), cap(msg.Payload))
	}
	if msg.Published() || msg.Refs() != 0 {
		t.Fatal("expected publication state cleared")
	}
}

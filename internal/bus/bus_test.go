package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	b.Publish(Event{Kind: QueueEnqueued, Payload: "t1"})

	select {
	case evt := <-ch:
		if evt.Kind != QueueEnqueued {
			t.Errorf("got kind %q, want %s", evt.Kind, QueueEnqueued)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp was not filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: QueueSent})
	b.Publish(Event{Kind: ConnEnabled})

	select {
	case evt := <-ch:
		if evt.Kind != ConnEnabled {
			t.Errorf("got kind %q, want %s", evt.Kind, ConnEnabled)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: QueueFailed})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("receipt.", 1)
	defer unsub()

	b.Publish(Event{Kind: ReceiptWritten, Payload: 1})
	// Dropped: buffer is full.
	b.Publish(Event{Kind: ReceiptWritten, Payload: 2})

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: QueueSent})
}

package events

import "testing"

func TestBusPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventNowPlaying)

	b.Publish(EventNowPlaying, Payload{"path": "track.ogg"})

	select {
	case payload := <-sub:
		if payload["path"] != "track.ogg" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	default:
		t.Fatal("expected payload to be delivered")
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventHealth)

	for i := 0; i < 100; i++ {
		b.Publish(EventHealth, Payload{"n": i})
	}
	// Must not deadlock even though sub's buffer (8) is long since full.
	if len(sub) != 8 {
		t.Fatalf("expected subscriber buffer to be full (8), got %d", len(sub))
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventQueueChanged)
	b.Unsubscribe(EventQueueChanged, sub)

	_, ok := <-sub
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBusPublishIgnoresOtherEventTypes(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventSkipIssued)

	b.Publish(EventTrackFailed, Payload{})

	select {
	case payload := <-sub:
		t.Fatalf("unexpected payload delivered: %v", payload)
	default:
	}
}

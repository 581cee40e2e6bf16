package gateway

import (
	"testing"
	"time"

	"github.com/proofofprotocol/proofscan/internal/store"
)

func TestAuditBroadcasterFanout(t *testing.T) {
	b := newAuditBroadcaster()
	ch1, unsub1 := b.subscribe()
	defer unsub1()
	ch2, unsub2 := b.subscribe()
	defer unsub2()

	b.publish(store.GatewayEvent{RequestID: "req-1"})

	for _, ch := range []chan store.GatewayEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.RequestID != "req-1" {
				t.Fatalf("expected req-1, got %q", ev.RequestID)
			}
		case <-time.After(time.Second):
			t.Fatal("expected every subscriber to receive the published event")
		}
	}
}

func TestAuditBroadcasterUnsubscribeStopsDelivery(t *testing.T) {
	b := newAuditBroadcaster()
	ch, unsub := b.subscribe()
	unsub()

	b.publish(store.GatewayEvent{RequestID: "req-2"})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no event after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected the channel to be closed after unsubscribe")
	}
}

func TestAuditBroadcasterDropsWhenSubscriberSlow(t *testing.T) {
	b := newAuditBroadcaster()
	ch, unsub := b.subscribe()
	defer unsub()

	// Fill the subscriber's buffer (capacity 32) past capacity; publish
	// must never block the caller even when a subscriber stops draining.
	for i := 0; i < 64; i++ {
		b.publish(store.GatewayEvent{RequestID: "req-3"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained == 0 {
				t.Fatal("expected at least some buffered events to be delivered")
			}
			return
		}
	}
}

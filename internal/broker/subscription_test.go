package broker

import (
	"testing"

	"github.com/pyr33x/goqttd/internal/packet"
)

func subscriberIDs(sessions []*ClientSession) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

func equalIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// TestSubscriptionIndexOrdering is scenario S2.
func TestSubscriptionIndexOrdering(t *testing.T) {
	idx := NewSubscriptionIndex()
	a := NewClientSession("A", nil, discardSink{})
	b := NewClientSession("B", nil, discardSink{})

	k1 := SubscriptionKey{Topic: "hello/mqtt", QoS: packet.QoSAtMostOnce}
	k2 := SubscriptionKey{Topic: "hello/mqtt", QoS: packet.QoSAtLeastOnce}
	k3 := SubscriptionKey{Topic: "hello/mqtt", QoS: packet.QoSExactlyOnce}
	k4 := SubscriptionKey{Topic: "hello/rumqttd", QoS: packet.QoSAtLeastOnce}
	k5 := SubscriptionKey{Topic: "hello/rumqttd", QoS: packet.QoSExactlyOnce}

	for _, k := range []SubscriptionKey{k1, k2, k3, k4} {
		idx.AddSubscription(k, a)
	}
	for _, k := range []SubscriptionKey{k2, k5} {
		idx.AddSubscription(k, b)
	}

	if got := subscriberIDs(idx.Subscribers(k1)); !equalIDs(got, []string{"A"}) {
		t.Fatalf("subscribers(k1) = %v, want [A]", got)
	}
	if got := subscriberIDs(idx.Subscribers(k2)); !equalIDs(got, []string{"A", "B"}) {
		t.Fatalf("subscribers(k2) = %v, want [A B]", got)
	}
	if got := subscriberIDs(idx.Subscribers(k5)); !equalIDs(got, []string{"B"}) {
		t.Fatalf("subscribers(k5) = %v, want [B]", got)
	}

	idx.RemoveSubscription(k2, "A")
	if got := subscriberIDs(idx.Subscribers(k2)); !equalIDs(got, []string{"B"}) {
		t.Fatalf("subscribers(k2) after removal = %v, want [B]", got)
	}

	idx.removeClientFromAll("A")
	idx.removeClientFromAll("B")
	for _, k := range []SubscriptionKey{k1, k2, k3, k4, k5} {
		if got := idx.Subscribers(k); len(got) != 0 {
			t.Fatalf("subscribers(%v) after removing both clients = %v, want empty", k, got)
		}
	}
}

// TestAddSubscriptionDuplicateInsertsRatherThanReplaces preserves the source
// defect: re-subscribing the same id under the same key inserts a second
// handle at the found position instead of replacing the first.
func TestAddSubscriptionDuplicateInsertsRatherThanReplaces(t *testing.T) {
	idx := NewSubscriptionIndex()
	a1 := NewClientSession("A", nil, discardSink{})
	a2 := NewClientSession("A", nil, discardSink{})
	key := SubscriptionKey{Topic: "t", QoS: packet.QoSAtMostOnce}

	idx.AddSubscription(key, a1)
	idx.AddSubscription(key, a2)

	got := idx.Subscribers(key)
	if len(got) != 2 {
		t.Fatalf("len(subscribers) = %d, want 2 (both handles retained)", len(got))
	}
	if got[0] != a2 || got[1] != a1 {
		t.Fatal("second AddSubscription must insert at the found position, not append")
	}
}

func TestRemoveSubscriptionRemovesFirstMatchOnly(t *testing.T) {
	idx := NewSubscriptionIndex()
	a1 := NewClientSession("A", nil, discardSink{})
	a2 := NewClientSession("A", nil, discardSink{})
	key := SubscriptionKey{Topic: "t", QoS: packet.QoSAtMostOnce}

	idx.AddSubscription(key, a1)
	idx.AddSubscription(key, a2)
	idx.RemoveSubscription(key, "A")

	got := idx.Subscribers(key)
	if len(got) != 1 {
		t.Fatalf("len(subscribers) = %d, want 1 after removing first match", len(got))
	}
}

package broker

import (
	"testing"

	"github.com/pyr33x/goqttd/internal/packet"
)

type discardSink struct{}

func (discardSink) Write(b []byte) (int, error) { return len(b), nil }

func pid(n uint16) *uint16 { return &n }

func TestClientSessionPublishPacketAllocatesPacketID(t *testing.T) {
	s := NewClientSession("A", nil, discardSink{})

	for _, tc := range []struct {
		name      string
		qos       packet.QoSLevel
		wantIDNil bool
	}{
		{"qos0 has no id", packet.QoSAtMostOnce, true},
		{"qos1 gets an id", packet.QoSAtLeastOnce, false},
		{"qos2 gets an id", packet.QoSExactlyOnce, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := s.PublishPacket("t", tc.qos, []byte("x"), false, false)
			if (out.PacketID == nil) != tc.wantIDNil {
				t.Fatalf("PacketID nil=%v, want nil=%v", out.PacketID == nil, tc.wantIDNil)
			}
			if out.PacketID != nil && *out.PacketID == 0 {
				t.Fatal("allocated packet id must not be zero")
			}
		})
	}
}

func TestClientSessionPublishPacketIDsAreDistinctPerCall(t *testing.T) {
	s := NewClientSession("A", nil, discardSink{})
	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		out := s.PublishPacket("t", packet.QoSAtLeastOnce, nil, false, false)
		if seen[*out.PacketID] {
			t.Fatalf("packet id %d reused", *out.PacketID)
		}
		seen[*out.PacketID] = true
	}
}

func TestStoreRemovePublish(t *testing.T) {
	s := NewClientSession("A", nil, discardSink{})
	p := &packet.PublishPacket{Topic: "t", PacketID: pid(7)}
	s.StorePublish(p)
	if s.PendingPublishCount() != 1 {
		t.Fatalf("PendingPublishCount() = %d, want 1", s.PendingPublishCount())
	}

	if got := s.RemovePublish(99); got != nil {
		t.Fatal("RemovePublish on unknown pid should return nil")
	}
	if s.PendingPublishCount() != 1 {
		t.Fatal("RemovePublish on unknown pid must be a no-op")
	}

	got := s.RemovePublish(7)
	if got != p {
		t.Fatal("RemovePublish did not return the stored publish")
	}
	if s.PendingPublishCount() != 0 {
		t.Fatal("incoming_pub must be empty after matching remove")
	}
}

// TestRemoveRecordScansIncomingPub exercises the literal source defect:
// remove_record finds the position of pid in incoming_pub, then removes and
// returns whatever sits at that same position in incoming_rec — not the
// incoming_rec entry actually carrying pid.
func TestRemoveRecordScansIncomingPub(t *testing.T) {
	s := NewClientSession("A", nil, discardSink{})

	pub := &packet.PublishPacket{Topic: "decoy", PacketID: pid(5)}
	s.StorePublish(pub)

	rec := &packet.PublishPacket{Topic: "real", PacketID: pid(999)}
	s.StoreRecord(rec)

	got := s.RemoveRecord(5)
	if got != rec {
		t.Fatal("RemoveRecord should return the incoming_rec entry at incoming_pub's matched position")
	}
	if s.PendingRecordCount() != 0 {
		t.Fatal("matched incoming_rec entry must be removed")
	}
	if s.PendingPublishCount() != 1 {
		t.Fatal("RemoveRecord must not touch incoming_pub itself")
	}
}

func TestRemoveRecordNoMatchIsNoOp(t *testing.T) {
	s := NewClientSession("A", nil, discardSink{})
	if got := s.RemoveRecord(42); got != nil {
		t.Fatal("RemoveRecord with nothing in incoming_pub must return nil")
	}
}

func TestStoreRemoveRel(t *testing.T) {
	s := NewClientSession("A", nil, discardSink{})
	s.StoreRel(3)
	if s.PendingRelCount() != 1 {
		t.Fatal("expected one pending rel")
	}
	if !s.RemoveRel(3) {
		t.Fatal("RemoveRel should report a match")
	}
	if s.PendingRelCount() != 0 {
		t.Fatal("incoming_rel must be empty after remove")
	}
	if s.RemoveRel(3) {
		t.Fatal("RemoveRel on an already-empty queue must be a no-op")
	}
}

package broker

import (
	"testing"

	"github.com/pyr33x/goqttd/internal/packet"
)

// recordingSink captures every frame written to it, in order, so tests can
// decode and assert on what the engine actually sent.
type recordingSink struct {
	frames [][]byte
}

func (r *recordingSink) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	r.frames = append(r.frames, cp)
	return len(b), nil
}

func (r *recordingSink) parseAt(t *testing.T, i int) *packet.ParsedPacket {
	t.Helper()
	if i >= len(r.frames) {
		t.Fatalf("expected at least %d frames sent, got %d", i+1, len(r.frames))
	}
	p, err := packet.Parse(r.frames[i])
	if err != nil {
		t.Fatalf("failed to parse sent frame %d: %v", i, err)
	}
	return p
}

func newTestSession(id string) (*ClientSession, *recordingSink) {
	sink := &recordingSink{}
	return NewClientSession(id, nil, sink), sink
}

// TestQoS0FanOut is scenario S3.
func TestQoS0FanOut(t *testing.T) {
	e := NewEngine(nil)
	a, aSink := newTestSession("A")
	e.Sessions.AddClient(a)
	e.Subscriptions.AddSubscription(SubscriptionKey{Topic: "t", QoS: packet.QoSAtMostOnce}, a)

	e.HandlePublish(a, &packet.PublishPacket{Topic: "t", QoS: packet.QoSAtMostOnce, Payload: []byte("x")})

	if len(aSink.frames) != 1 {
		t.Fatalf("A should receive exactly one frame, got %d", len(aSink.frames))
	}
	got := aSink.parseAt(t, 0)
	if got.Type != packet.PUBLISH || got.Publish.QoS != packet.QoSAtMostOnce || string(got.Publish.Payload) != "x" {
		t.Fatalf("unexpected frame: %+v", got.Publish)
	}
	if a.PendingPublishCount() != 0 || a.PendingRecordCount() != 0 {
		t.Fatal("QoS 0 delivery must not store any session state")
	}
}

// TestQoS1RoundTrip is scenario S4.
func TestQoS1RoundTrip(t *testing.T) {
	e := NewEngine(nil)
	p, pSink := newTestSession("P")
	a, aSink := newTestSession("A")
	e.Sessions.AddClient(p)
	e.Sessions.AddClient(a)
	e.Subscriptions.AddSubscription(SubscriptionKey{Topic: "t", QoS: packet.QoSAtLeastOnce}, a)

	publisherPid := uint16(7)
	e.HandlePublish(p, &packet.PublishPacket{
		Topic: "t", QoS: packet.QoSAtLeastOnce, Payload: []byte("x"), PacketID: &publisherPid,
	})

	if len(pSink.frames) != 1 {
		t.Fatalf("publisher should receive exactly one PUBACK, got %d frames", len(pSink.frames))
	}
	ack := pSink.parseAt(t, 0)
	if ack.Type != packet.PUBACK || ack.Puback.PacketID != publisherPid {
		t.Fatalf("publisher ack = %+v, want PUBACK(%d)", ack, publisherPid)
	}

	if len(aSink.frames) != 1 {
		t.Fatalf("A should receive exactly one PUBLISH, got %d", len(aSink.frames))
	}
	delivered := aSink.parseAt(t, 0)
	if delivered.Type != packet.PUBLISH || delivered.Publish.QoS != packet.QoSAtLeastOnce {
		t.Fatalf("unexpected delivery: %+v", delivered.Publish)
	}
	if a.PendingPublishCount() != 1 {
		t.Fatal("A.incoming_pub must hold the delivered publish")
	}

	e.HandlePubAck(a, &packet.PubackPacket{PacketID: *delivered.Publish.PacketID})
	if a.PendingPublishCount() != 0 {
		t.Fatal("A.incoming_pub must be empty after PUBACK")
	}
}

// TestQoS2FourStep is scenario S5.
func TestQoS2FourStep(t *testing.T) {
	e := NewEngine(nil)
	p, pSink := newTestSession("P")
	a, aSink := newTestSession("A")
	e.Sessions.AddClient(p)
	e.Sessions.AddClient(a)
	e.Subscriptions.AddSubscription(SubscriptionKey{Topic: "t", QoS: packet.QoSExactlyOnce}, a)

	publisherPid := uint16(9)
	// RemoveRecord's preserved defect locates a position via incoming_pub, not
	// a direct incoming_rec lookup (session.go's RemoveRecord); HandlePublish
	// itself never populates incoming_pub for a QoS-2 record, so without a
	// decoy entry at the same packet id the scan always comes up empty and
	// the handshake can never complete, matching forward_to_subscribers /
	// handle_pubrel in the original broker. See session_test.go's
	// TestRemoveRecordScansIncomingPub for the same fixture in isolation.
	p.StorePublish(&packet.PublishPacket{Topic: "decoy", PacketID: pid(publisherPid)})
	e.HandlePublish(p, &packet.PublishPacket{
		Topic: "t", QoS: packet.QoSExactlyOnce, Payload: []byte("x"), PacketID: &publisherPid,
	})

	if len(pSink.frames) != 1 {
		t.Fatalf("publisher should receive exactly one PUBREC, got %d", len(pSink.frames))
	}
	pubrec := pSink.parseAt(t, 0)
	if pubrec.Type != packet.PUBREC || pubrec.Pubrec.PacketID != publisherPid {
		t.Fatalf("publisher ack = %+v, want PUBREC(%d)", pubrec, publisherPid)
	}
	if len(aSink.frames) != 0 {
		t.Fatal("no fan-out must occur before PUBREL")
	}

	e.HandlePubRel(p, &packet.PubrelPacket{PacketID: publisherPid})

	if len(pSink.frames) != 2 {
		t.Fatalf("publisher should now have PUBCOMP too, got %d frames", len(pSink.frames))
	}
	pubcomp := pSink.parseAt(t, 1)
	if pubcomp.Type != packet.PUBCOMP || pubcomp.Pubcomp.PacketID != publisherPid {
		t.Fatalf("publisher second frame = %+v, want PUBCOMP(%d)", pubcomp, publisherPid)
	}

	if len(aSink.frames) != 1 {
		t.Fatalf("A should receive exactly one PUBLISH after PUBREL, got %d", len(aSink.frames))
	}
	delivered := aSink.parseAt(t, 0)
	if delivered.Type != packet.PUBLISH || delivered.Publish.QoS != packet.QoSExactlyOnce {
		t.Fatalf("unexpected delivery: %+v", delivered.Publish)
	}
	deliveredPid := *delivered.Publish.PacketID

	// Same decoy requirement on the subscriber side: forwardToSubscribers
	// only calls StoreRecord for a QoS-2 delivery, so A's incoming_pub needs
	// a matching entry before RemoveRecord's position scan can find anything.
	a.StorePublish(&packet.PublishPacket{Topic: "decoy", PacketID: pid(deliveredPid)})
	e.HandlePubRec(a, &packet.PubrecPacket{PacketID: deliveredPid})
	if len(aSink.frames) != 2 {
		t.Fatalf("A should receive PUBREL from broker, got %d frames", len(aSink.frames))
	}
	pubrel := aSink.parseAt(t, 1)
	if pubrel.Type != packet.PUBREL || pubrel.Pubrel.PacketID != deliveredPid {
		t.Fatalf("A's second frame = %+v, want PUBREL(%d)", pubrel, deliveredPid)
	}
	if a.PendingRelCount() != 1 {
		t.Fatal("A.incoming_rel must hold the packet id awaiting PUBCOMP")
	}

	e.HandlePubComp(a, &packet.PubcompPacket{PacketID: deliveredPid})
	if a.PendingRelCount() != 0 {
		t.Fatal("A.incoming_rel must be empty after PUBCOMP")
	}
}

// TestCrossQoSFanOut is scenario S6.
func TestCrossQoSFanOut(t *testing.T) {
	e := NewEngine(nil)
	p, pSink := newTestSession("P")
	a, aSink := newTestSession("A")
	b, bSink := newTestSession("B")
	e.Sessions.AddClient(p)
	e.Sessions.AddClient(a)
	e.Sessions.AddClient(b)
	e.Subscriptions.AddSubscription(SubscriptionKey{Topic: "t", QoS: packet.QoSAtLeastOnce}, a)
	e.Subscriptions.AddSubscription(SubscriptionKey{Topic: "t", QoS: packet.QoSExactlyOnce}, b)

	e.HandlePublish(p, &packet.PublishPacket{Topic: "t", QoS: packet.QoSAtMostOnce, Payload: []byte("x")})

	if len(pSink.frames) != 0 {
		t.Fatal("QoS 0 publisher must receive no acknowledgement")
	}

	aFrame := aSink.parseAt(t, 0)
	if aFrame.Publish.QoS != packet.QoSAtLeastOnce {
		t.Fatalf("A must receive QoS 1, got %d", aFrame.Publish.QoS)
	}
	if a.PendingPublishCount() != 1 {
		t.Fatal("A.incoming_pub must hold the QoS-1 delivery")
	}

	bFrame := bSink.parseAt(t, 0)
	if bFrame.Publish.QoS != packet.QoSExactlyOnce {
		t.Fatalf("B must receive QoS 2, got %d", bFrame.Publish.QoS)
	}
	if b.PendingRecordCount() != 1 {
		t.Fatal("B.incoming_rec must hold the QoS-2 delivery")
	}
}

func TestHandleSubscribeGrantsEveryRequestedQoS(t *testing.T) {
	e := NewEngine(nil)
	a, _ := newTestSession("A")
	e.Sessions.AddClient(a)

	sub := &packet.SubscribePacket{
		PacketID: 11,
		Filters: []packet.SubscribeFilter{
			{Topic: "t1", QoS: packet.QoSAtMostOnce},
			{Topic: "t2", QoS: packet.QoSExactlyOnce},
		},
	}
	ack := e.HandleSubscribe(a, sub)

	if ack.PacketID != 11 {
		t.Fatalf("SUBACK packet id = %d, want 11", ack.PacketID)
	}
	want := []byte{packet.SubackMaxQoS0, packet.SubackMaxQoS2}
	for i, code := range want {
		if ack.ReturnCodes[i] != code {
			t.Fatalf("return code %d = %#x, want %#x", i, ack.ReturnCodes[i], code)
		}
	}
	if got := e.Subscriptions.Subscribers(SubscriptionKey{Topic: "t1", QoS: packet.QoSAtMostOnce}); len(got) != 1 {
		t.Fatal("expected A subscribed to t1 at QoS 0")
	}
}

func TestHandleUnsubscribeRemovesAllQoSLevelsForTopic(t *testing.T) {
	e := NewEngine(nil)
	a, _ := newTestSession("A")
	e.Sessions.AddClient(a)

	e.Subscriptions.AddSubscription(SubscriptionKey{Topic: "t", QoS: packet.QoSAtMostOnce}, a)
	e.Subscriptions.AddSubscription(SubscriptionKey{Topic: "t", QoS: packet.QoSExactlyOnce}, a)

	e.HandleUnsubscribe(a, &packet.UnsubscribePacket{PacketID: 1, TopicFilters: []string{"t"}})

	for _, qos := range allQoSLevels {
		if got := e.Subscriptions.Subscribers(SubscriptionKey{Topic: "t", QoS: qos}); len(got) != 0 {
			t.Fatalf("subscribers at qos %d should be empty after unsubscribe, got %v", qos, got)
		}
	}
}

func TestHandlePingReqSendsPingresp(t *testing.T) {
	e := NewEngine(nil)
	a, sink := newTestSession("A")

	e.HandlePingReq(a)

	// packet.Parse only decodes inbound packet kinds, so the outbound PINGRESP
	// is checked with its own parser.
	if len(sink.frames) == 0 {
		t.Fatal("expected a PINGRESP frame to be sent, got none")
	}
	if err := (&packet.PingrespPacket{}).ParsePingresp(sink.frames[0]); err != nil {
		t.Fatalf("sent frame is not a PINGRESP: %v", err)
	}
}

func TestHandlePublishQoS1MissingPacketIDIsDropped(t *testing.T) {
	e := NewEngine(nil)
	a, aSink := newTestSession("A")
	e.Subscriptions.AddSubscription(SubscriptionKey{Topic: "t", QoS: packet.QoSAtLeastOnce}, a)

	p, pSink := newTestSession("P")
	e.HandlePublish(p, &packet.PublishPacket{Topic: "t", QoS: packet.QoSAtLeastOnce, Payload: []byte("x")})

	if len(pSink.frames) != 0 {
		t.Fatal("malformed QoS>0 publish without packet id must not be acknowledged")
	}
	if len(aSink.frames) != 0 {
		t.Fatal("malformed publish must be dropped, not fanned out")
	}
}

func TestUnknownPacketIDsAreNoOps(t *testing.T) {
	e := NewEngine(nil)
	a, sink := newTestSession("A")

	e.HandlePubAck(a, &packet.PubackPacket{PacketID: 1})
	e.HandlePubRec(a, &packet.PubrecPacket{PacketID: 1})
	e.HandlePubComp(a, &packet.PubcompPacket{PacketID: 1})

	if len(sink.frames) != 0 {
		t.Fatalf("unknown-pid acks must not produce any outbound frame, got %d", len(sink.frames))
	}

	// PUBREL is the one exception: PUBCOMP is sent even for an unknown release.
	e.HandlePubRel(a, &packet.PubrelPacket{PacketID: 1})
	if len(sink.frames) != 1 {
		t.Fatalf("PUBREL on unknown pid must still answer PUBCOMP, got %d frames", len(sink.frames))
	}
	got := sink.parseAt(t, 0)
	if got.Type != packet.PUBCOMP {
		t.Fatalf("got %v, want PUBCOMP", got.Type)
	}
}

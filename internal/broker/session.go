package broker

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pyr33x/goqttd/internal/packet"
)

// Sink is the outbound interface a ClientSession writes encoded packets to.
// The transport layer supplies the net.Conn; the core only ever calls Write
// and never inspects or retries on failure — that is the connection layer's
// concern.
type Sink interface {
	Write(b []byte) (int, error)
}

// SessionState holds the four per-session queues of in-flight protocol
// state. incoming_comp is retained for symmetry with the other three but is
// never populated by the engine.
type SessionState struct {
	mu           sync.Mutex
	incomingPub  []*packet.PublishPacket // QoS 1, awaiting PUBACK
	incomingRec  []*packet.PublishPacket // QoS 2 (either direction), awaiting PUBREL/PUBCOMP
	incomingRel  []uint16                // packet ids awaiting PUBCOMP
	incomingComp []uint16                // reserved; never populated
}

// ClientSession is the per-connection identity, outbound sink and in-flight
// protocol state for one connected client. Copies of a *ClientSession held in
// SessionTable and SubscriptionIndex share the same underlying state.
type ClientSession struct {
	ID   string
	Addr net.Addr

	outbound    Sink
	state       *SessionState
	packetIDSeq uint32
}

// NewClientSession constructs a session with all four queues empty.
func NewClientSession(id string, addr net.Addr, outbound Sink) *ClientSession {
	return &ClientSession{
		ID:       id,
		Addr:     addr,
		outbound: outbound,
		state:    &SessionState{},
	}
}

// Send enqueues raw encoded bytes on the outbound sink. No return value:
// delivery is best-effort from the core's viewpoint, and a closed or failing
// sink is observed only by the connection layer.
func (s *ClientSession) Send(raw []byte) {
	if s.outbound == nil || raw == nil {
		return
	}
	_, _ = s.outbound.Write(raw)
}

// nextPacketID allocates a monotonic 16-bit identifier, skipping zero.
func (s *ClientSession) nextPacketID() uint16 {
	id := atomic.AddUint32(&s.packetIDSeq, 1)
	if uint16(id) == 0 {
		id = atomic.AddUint32(&s.packetIDSeq, 1)
	}
	return uint16(id)
}

// PublishPacket constructs an outbound PUBLISH, allocating a fresh packet id
// whenever qos != AtMostOnce.
func (s *ClientSession) PublishPacket(topic string, qos packet.QoSLevel, payload []byte, retain, dup bool) *packet.PublishPacket {
	p := &packet.PublishPacket{
		Topic:   topic,
		QoS:     qos,
		Payload: payload,
		Retain:  retain,
		DUP:     dup,
	}
	if qos != packet.QoSAtMostOnce {
		pid := s.nextPacketID()
		p.PacketID = &pid
	}
	return p
}

// SubackPacket packages a SUBACK for this session's pending SUBSCRIBE.
func (s *ClientSession) SubackPacket(pid uint16, returnCodes []byte) *packet.SubackPacket {
	return &packet.SubackPacket{PacketID: pid, ReturnCodes: returnCodes}
}

// StorePublish appends a QoS-1 outbound publish to incoming_pub.
func (s *ClientSession) StorePublish(p *packet.PublishPacket) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.incomingPub = append(s.state.incomingPub, p)
}

// RemovePublish removes the first incoming_pub entry matching pid.
func (s *ClientSession) RemovePublish(pid uint16) *packet.PublishPacket {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return removeByPID(&s.state.incomingPub, pid)
}

// StoreRecord appends a QoS-2 publish (either direction) to incoming_rec.
func (s *ClientSession) StoreRecord(p *packet.PublishPacket) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.incomingRec = append(s.state.incomingRec, p)
}

// RemoveRecord scans incoming_pub for the position of pid but removes and
// returns the entry at that same position from incoming_rec. This mirrors
// the source broker's remove_record literally: the comment there implies it
// operates on incoming_rec throughout, but the position lookup actually
// walks incoming_pub. Preserved as-is rather than corrected; a faithful scan
// of incoming_rec by pid is the recommended fix, not applied here.
func (s *ClientSession) RemoveRecord(pid uint16) *packet.PublishPacket {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	idx := -1
	for i, p := range s.state.incomingPub {
		if p.PacketID != nil && *p.PacketID == pid {
			idx = i
			break
		}
	}
	if idx == -1 || idx >= len(s.state.incomingRec) {
		return nil
	}
	rec := s.state.incomingRec[idx]
	s.state.incomingRec = append(s.state.incomingRec[:idx], s.state.incomingRec[idx+1:]...)
	return rec
}

// StoreRel appends a packet id awaiting PUBCOMP.
func (s *ClientSession) StoreRel(pid uint16) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.incomingRel = append(s.state.incomingRel, pid)
}

// RemoveRel removes the first incoming_rel entry matching pid.
func (s *ClientSession) RemoveRel(pid uint16) bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return removeByValue(&s.state.incomingRel, pid)
}

// StoreComp appends to incoming_comp. Never called by the engine; kept so
// the queue exists for symmetry and so tests can exercise it directly.
func (s *ClientSession) StoreComp(pid uint16) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.incomingComp = append(s.state.incomingComp, pid)
}

// RemoveComp removes the first incoming_comp entry matching pid.
func (s *ClientSession) RemoveComp(pid uint16) bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return removeByValue(&s.state.incomingComp, pid)
}

// PendingPublishCount reports the current incoming_pub length, for tests.
func (s *ClientSession) PendingPublishCount() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return len(s.state.incomingPub)
}

// PendingRecordCount reports the current incoming_rec length, for tests.
func (s *ClientSession) PendingRecordCount() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return len(s.state.incomingRec)
}

// PendingRelCount reports the current incoming_rel length, for tests.
func (s *ClientSession) PendingRelCount() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return len(s.state.incomingRel)
}

func removeByPID(queue *[]*packet.PublishPacket, pid uint16) *packet.PublishPacket {
	for i, p := range *queue {
		if p.PacketID != nil && *p.PacketID == pid {
			found := p
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return found
		}
	}
	return nil
}

func removeByValue(queue *[]uint16, pid uint16) bool {
	for i, id := range *queue {
		if id == pid {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return true
		}
	}
	return false
}

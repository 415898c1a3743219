// Package broker implements the routing and session core of an MQTT 3.1.1
// server: session registration, subscription matching and the QoS 1 / QoS 2
// handshakes. It is pure protocol and state-machine code — no network I/O —
// driven by whatever reads framed packets off the wire.
package broker

import (
	"net"

	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/packet"
)

// Engine is the packet-dispatch surface. Each Handle* method takes the
// decoded inbound packet plus its source ClientSession and performs the
// protocol state transition described by the MQTT QoS handshakes; it never
// returns an error to its caller. Protocol anomalies are logged and dropped;
// transport failures are the caller's concern (spec §7).
type Engine struct {
	Sessions      *SessionTable
	Subscriptions *SubscriptionIndex
	log           *logger.Logger
}

// NewEngine constructs an Engine with empty session table and subscription
// index. A nil logger falls back to the process-wide global logger.
func NewEngine(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Engine{
		Sessions:      NewSessionTable(),
		Subscriptions: NewSubscriptionIndex(),
		log:           log,
	}
}

// HandleConnect registers session in the session table, silently overwriting
// any prior session sharing its id (the connection layer is responsible for
// having torn down that transport first).
func (e *Engine) HandleConnect(session *ClientSession) {
	e.Sessions.AddClient(session)
	e.log.LogClientConnection(session.ID, addrString(session.Addr), "connect")
}

// HandleDisconnect removes id from the session table and drops every
// subscription entry for it. Also the path used for network close, not only
// an explicit DISCONNECT packet; session takeover goes through HandleConnect's
// overwrite instead.
func (e *Engine) HandleDisconnect(id string) {
	e.Sessions.RemoveClient(id, e.Subscriptions)
	e.log.LogClientConnection(id, "", "disconnect")
}

// HandleSubscribe adds source to every (topic, qos) key named in p and
// returns the SUBACK to send back. No failure return codes are ever
// generated — every requested QoS is granted as-is.
func (e *Engine) HandleSubscribe(source *ClientSession, p *packet.SubscribePacket) *packet.SubackPacket {
	returnCodes := make([]byte, len(p.Filters))
	for i, filter := range p.Filters {
		e.Subscriptions.AddSubscription(SubscriptionKey{Topic: filter.Topic, QoS: filter.QoS}, source)
		returnCodes[i] = subackCodeForQoS(filter.QoS)
		e.log.LogSubscription(source.ID, filter.Topic, int(filter.QoS), "subscribe")
	}
	return source.SubackPacket(p.PacketID, returnCodes)
}

// HandleUnsubscribe removes source from every QoS-level key for each topic
// filter in p, since UNSUBSCRIBE carries no QoS and a client may hold
// distinct subscriptions to the same topic at multiple QoS levels.
func (e *Engine) HandleUnsubscribe(source *ClientSession, p *packet.UnsubscribePacket) *packet.UnsubackPacket {
	for _, topicFilter := range p.TopicFilters {
		for _, qos := range allQoSLevels {
			e.Subscriptions.RemoveSubscription(SubscriptionKey{Topic: topicFilter, QoS: qos}, source.ID)
		}
		e.log.Info("unsubscribed", logger.ClientID(source.ID), logger.String("topic_filter", topicFilter))
	}
	return &packet.UnsubackPacket{PacketID: p.PacketID}
}

var allQoSLevels = []packet.QoSLevel{packet.QoSAtMostOnce, packet.QoSAtLeastOnce, packet.QoSExactlyOnce}

// forwardToSubscribers fans a publish out to every subscriber, iterating all
// three QoS levels regardless of the originating publish's QoS (spec §4.4):
// a subscriber holding multiple keys for the same topic at different QoS
// levels receives one outbound PUBLISH per matching key.
func (e *Engine) forwardToSubscribers(topic string, payload []byte) {
	for _, qos := range allQoSLevels {
		subscribers := e.Subscriptions.Subscribers(SubscriptionKey{Topic: topic, QoS: qos})
		for _, s := range subscribers {
			out := s.PublishPacket(topic, qos, payload, false, false)
			switch qos {
			case packet.QoSAtLeastOnce:
				s.StorePublish(out)
			case packet.QoSExactlyOnce:
				s.StoreRecord(out)
			}
			s.Send(out.Encode())
		}
	}
}

// HandlePublish dispatches an inbound PUBLISH by QoS: QoS 0 fans out
// immediately with no state stored; QoS 1 acknowledges eagerly before
// fanning out; QoS 2 stores the record and answers PUBREC, deferring
// fan-out until the matching PUBREL.
func (e *Engine) HandlePublish(source *ClientSession, p *packet.PublishPacket) {
	e.log.LogPublish(source.ID, p.Topic, int(p.QoS), p.Retain, len(p.Payload))

	switch p.QoS {
	case packet.QoSAtMostOnce:
		e.forwardToSubscribers(p.Topic, p.Payload)

	case packet.QoSAtLeastOnce:
		if p.PacketID == nil {
			e.log.LogError(nil, "PUBLISH at QoS 1 missing packet id, dropping", logger.ClientID(source.ID))
			return
		}
		puback := &packet.PubackPacket{PacketID: *p.PacketID}
		source.Send(puback.Encode())
		e.forwardToSubscribers(p.Topic, p.Payload)

	case packet.QoSExactlyOnce:
		if p.PacketID == nil {
			e.log.LogError(nil, "PUBLISH at QoS 2 missing packet id, dropping", logger.ClientID(source.ID))
			return
		}
		source.StoreRecord(p)
		pubrec := &packet.PubrecPacket{PacketID: *p.PacketID}
		source.Send(pubrec.Encode())
	}
}

// HandlePubAck completes the outbound QoS-1 exchange: discards the matched
// in-flight publish. An unknown packet id is a silent no-op.
func (e *Engine) HandlePubAck(source *ClientSession, p *packet.PubackPacket) {
	source.RemovePublish(p.PacketID)
	e.log.LogQoSFlow(source.ID, p.PacketID, 1, "PUBACK_RECEIVED")
}

// HandlePubRec advances the outbound QoS-2 path: on a matched record, stores
// the pending rel under the record's own packet id — not the inbound PUBREC's
// — since RemoveRecord's preserved defect means the two can legitimately
// differ; the PUBREL sent back still echoes the PUBREC's packet id, matching
// the source literally. An unknown packet id is ignored.
func (e *Engine) HandlePubRec(source *ClientSession, p *packet.PubrecPacket) {
	rec := source.RemoveRecord(p.PacketID)
	if rec == nil {
		return
	}
	source.StoreRel(*rec.PacketID)
	pubrel := &packet.PubrelPacket{PacketID: p.PacketID}
	source.Send(pubrel.Encode())
	e.log.LogQoSFlow(source.ID, p.PacketID, 2, "PUBREC_RECEIVED")
}

// HandlePubRel always answers PUBCOMP first — idempotent even for an
// unknown release — then, if a record was pending, runs fan-out on it to
// complete the inbound QoS-2 handshake.
func (e *Engine) HandlePubRel(source *ClientSession, p *packet.PubrelPacket) {
	pubcomp := &packet.PubcompPacket{PacketID: p.PacketID}
	source.Send(pubcomp.Encode())

	rec := source.RemoveRecord(p.PacketID)
	if rec != nil {
		e.forwardToSubscribers(rec.Topic, rec.Payload)
	}
	e.log.LogQoSFlow(source.ID, p.PacketID, 2, "PUBREL_RECEIVED")
}

// HandlePubComp completes the originator side of a QoS-2 exchange.
func (e *Engine) HandlePubComp(source *ClientSession, p *packet.PubcompPacket) {
	source.RemoveRel(p.PacketID)
	e.log.LogQoSFlow(source.ID, p.PacketID, 2, "PUBCOMP_RECEIVED")
}

// HandlePingReq answers PINGRESP with no other state change.
func (e *Engine) HandlePingReq(source *ClientSession) {
	resp := &packet.PingrespPacket{}
	source.Send(resp.Encode())
}

func subackCodeForQoS(qos packet.QoSLevel) byte {
	switch qos {
	case packet.QoSAtMostOnce:
		return packet.SubackMaxQoS0
	case packet.QoSAtLeastOnce:
		return packet.SubackMaxQoS1
	case packet.QoSExactlyOnce:
		return packet.SubackMaxQoS2
	default:
		return packet.SubackFailure
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

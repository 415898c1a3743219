package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqttd/pkg/er"
)

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID uint16
}

// PubrecPacket is the first reply in the QoS 2 handshake.
type PubrecPacket struct {
	PacketID uint16
}

// PubrelPacket releases a stored QoS 2 publish; its fixed header flags are
// always 0010, same reserved pattern as SUBSCRIBE/UNSUBSCRIBE.
type PubrelPacket struct {
	PacketID uint16
}

// PubcompPacket completes the QoS 2 handshake.
type PubcompPacket struct {
	PacketID uint16
}

func parseAck(raw []byte, want PacketType, flags byte) (uint16, error) {
	if len(raw) != 4 {
		return 0, &er.Err{Context: "Ack", Message: er.ErrInvalidPacketLength}
	}
	if PacketType(raw[0]&0xF0) != want {
		return 0, &er.Err{Context: "Ack", Message: er.ErrInvalidPacketType}
	}
	if (raw[0] & 0x0F) != flags {
		return 0, &er.Err{Context: "Ack, Fixed Header", Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return 0, &er.Err{Context: "Ack, Remaining Length", Message: er.ErrInvalidPacketLength}
	}
	pid := binary.BigEndian.Uint16(raw[2:4])
	if pid == 0 {
		return 0, &er.Err{Context: "Ack, PacketID", Message: er.ErrInvalidPacketID}
	}
	return pid, nil
}

func encodeAck(packetType PacketType, flags byte, packetID uint16) []byte {
	return []byte{
		byte(packetType) | flags,
		0x02,
		byte(packetID >> 8),
		byte(packetID & 0xFF),
	}
}

func (p *PubackPacket) Parse(raw []byte) error {
	pid, err := parseAck(raw, PUBACK, 0x00)
	if err != nil {
		return err
	}
	p.PacketID = pid
	return nil
}

func (p *PubackPacket) Encode() []byte {
	return encodeAck(PUBACK, 0x00, p.PacketID)
}

func (p *PubrecPacket) Parse(raw []byte) error {
	pid, err := parseAck(raw, PUBREC, 0x00)
	if err != nil {
		return err
	}
	p.PacketID = pid
	return nil
}

func (p *PubrecPacket) Encode() []byte {
	return encodeAck(PUBREC, 0x00, p.PacketID)
}

// PUBREL's reserved flags are 0010, unlike the other three acks.
func (p *PubrelPacket) Parse(raw []byte) error {
	pid, err := parseAck(raw, PUBREL, 0x02)
	if err != nil {
		return err
	}
	p.PacketID = pid
	return nil
}

func (p *PubrelPacket) Encode() []byte {
	return encodeAck(PUBREL, 0x02, p.PacketID)
}

func (p *PubcompPacket) Parse(raw []byte) error {
	pid, err := parseAck(raw, PUBCOMP, 0x00)
	if err != nil {
		return err
	}
	p.PacketID = pid
	return nil
}

func (p *PubcompPacket) Encode() []byte {
	return encodeAck(PUBCOMP, 0x00, p.PacketID)
}

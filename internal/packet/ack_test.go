package packet

import "testing"

func TestAckEncodeParseRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name  string
		pt    PacketType
		flags byte
	}{
		{"puback", PUBACK, 0x00},
		{"pubrec", PUBREC, 0x00},
		{"pubrel", PUBREL, 0x02},
		{"pubcomp", PUBCOMP, 0x00},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := encodeAck(tc.pt, tc.flags, 42)
			pid, err := parseAck(raw, tc.pt, tc.flags)
			if err != nil {
				t.Fatalf("parseAck returned error: %v", err)
			}
			if pid != 42 {
				t.Fatalf("pid = %d, want 42", pid)
			}
		})
	}
}

func TestPubrelRejectsWrongReservedFlags(t *testing.T) {
	raw := encodeAck(PUBREL, 0x00, 1)
	if _, err := parseAck(raw, PUBREL, 0x02); err == nil {
		t.Fatal("PUBREL with flags 0x00 instead of 0x02 must be rejected")
	}
}

func TestAckRejectsZeroPacketID(t *testing.T) {
	raw := []byte{byte(PUBACK), 0x02, 0x00, 0x00}
	if _, err := parseAck(raw, PUBACK, 0x00); err == nil {
		t.Fatal("packet id 0 must be rejected")
	}
}

func TestAckRejectsWrongType(t *testing.T) {
	raw := encodeAck(PUBACK, 0x00, 1)
	if _, err := parseAck(raw, PUBREC, 0x00); err == nil {
		t.Fatal("parsing PUBACK bytes as PUBREC must fail")
	}
}

func TestPubackParseAndEncode(t *testing.T) {
	p := &PubackPacket{}
	if err := p.Parse(encodeAck(PUBACK, 0x00, 7)); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if p.PacketID != 7 {
		t.Fatalf("PacketID = %d, want 7", p.PacketID)
	}
	if got := p.Encode(); got[2] != 0x00 || got[3] != 0x07 {
		t.Fatalf("Encode = %v, want pid bytes 0x00 0x07", got)
	}
}

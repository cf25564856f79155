package vnet

import (
	"testing"
)

func TestPacket_Checksum(t *testing.T) {
	p := NewPacket(PacketDATA, "192.168.1.2", "192.168.1.3", []byte{0x01, 0x02, 0x04})

	if p.Checksum != 0x07 {
		t.Errorf("Checksum got = %#x, want 0x07", p.Checksum)
	}
	if !p.VerifyChecksum() {
		t.Error("VerifyChecksum() = false for untouched packet")
	}

	p.Payload = []byte{0xff}
	if p.VerifyChecksum() {
		t.Error("VerifyChecksum() = true after payload mutation")
	}
}

func TestPacket_New(t *testing.T) {
	p := NewPacket(PacketHealthCheck, "192.168.1.2", "192.168.1.3", nil)

	if p.Type != PacketHealthCheck {
		t.Errorf("Type got = %s, want %s", p.Type, PacketHealthCheck)
	}
	if p.ID == "" {
		t.Error("ID is empty")
	}
	if p.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}

	other := NewPacket(PacketHealthCheck, "192.168.1.2", "192.168.1.3", nil)
	if other.ID == p.ID {
		t.Error("two packets share an ID")
	}
}

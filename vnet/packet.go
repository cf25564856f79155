package vnet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PacketType string

const (
	PacketSYN         PacketType = "SYN"
	PacketSYNACK      PacketType = "SYN_ACK"
	PacketACK         PacketType = "ACK"
	PacketDATA        PacketType = "DATA"
	PacketFIN         PacketType = "FIN"
	PacketHealthCheck PacketType = "HEALTH_CHECK"
)

// Packet is a single simulated transmission. Treat as immutable once built;
// the network hands the same value to the destination interface.
type Packet struct {
	Type        PacketType
	Source      string
	Destination string
	Payload     []byte
	Timestamp   time.Time
	ID          string
	Seq         uint32
	Ack         uint32
	Checksum    byte
}

func NewPacket(t PacketType, source string, destination string, payload []byte) Packet {
	return Packet{
		Type:        t,
		Source:      source,
		Destination: destination,
		Payload:     payload,
		Timestamp:   time.Now(),
		ID:          uuid.New().String(),
		Checksum:    checksumOf(payload),
	}
}

func checksumOf(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum ^= b
	}
	return sum
}

func (p Packet) VerifyChecksum() bool {
	return checksumOf(p.Payload) == p.Checksum
}

func (p Packet) String() string {
	return fmt.Sprintf("Packet(%s, %s->%s, %dB)", p.Type, p.Source, p.Destination, len(p.Payload))
}

package vnet

import (
	"log/slog"
	"sync"
	"time"
)

// InterfaceStats is a point-in-time snapshot of an interface's counters.
type InterfaceStats struct {
	NodeID          string  `json:"node_id"`
	Address         string  `json:"address"`
	BandwidthMbps   float64 `json:"bandwidth_mbps"`
	PacketsSent     uint64  `json:"packets_sent"`
	PacketsReceived uint64  `json:"packets_received"`
	BytesSent       uint64  `json:"bytes_sent"`
	BytesReceived   uint64  `json:"bytes_received"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	ThroughputBps   float64 `json:"throughput_bps"`
}

// Interface simulates a node's network interface. Send and Receive are pure
// bookkeeping: no bytes move anywhere, the network owns delivery.
type Interface struct {
	logger *slog.Logger

	nodeID        string
	bandwidthMbps float64
	bytesPerSec   float64

	mu              sync.Mutex
	address         string
	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
	startTime       time.Time
	buffer          []Packet
}

func NewInterface(logger *slog.Logger, nodeID string, bandwidthMbps float64) *Interface {
	return &Interface{
		logger:        logger.WithGroup("iface"),
		nodeID:        nodeID,
		bandwidthMbps: bandwidthMbps,
		bytesPerSec:   bandwidthMbps * 1024 * 1024 / 8,
		startTime:     time.Now(),
	}
}

func (i *Interface) NodeID() string {
	return i.nodeID
}

func (i *Interface) Address() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.address
}

// SetAddress is called by the network at registration time.
func (i *Interface) SetAddress(addr string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.address = addr
}

// Send accounts for an outbound packet and returns the bandwidth-derived
// transmission time.
func (i *Interface) Send(p Packet) time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()

	size := len(p.Payload)
	transmission := time.Duration(float64(size) / i.bytesPerSec * float64(time.Second))

	i.packetsSent++
	i.bytesSent += uint64(size)

	i.logger.Debug("packet sent",
		"node", i.nodeID,
		"dest", p.Destination,
		"bytes", size,
		"transmission", transmission,
	)
	return transmission
}

// Receive buffers an inbound packet and accounts for it.
func (i *Interface) Receive(p Packet) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.buffer = append(i.buffer, p)
	i.packetsReceived++
	i.bytesReceived += uint64(len(p.Payload))

	i.logger.Debug("packet received",
		"node", i.nodeID,
		"source", p.Source,
		"bytes", len(p.Payload),
		"id", p.ID,
	)
}

// PendingPackets drains the inbound buffer. Destructive read.
func (i *Interface) PendingPackets() []Packet {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := i.buffer
	i.buffer = nil
	return out
}

func (i *Interface) Stats() InterfaceStats {
	i.mu.Lock()
	defer i.mu.Unlock()

	elapsed := time.Since(i.startTime).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(i.bytesSent) / elapsed
	}

	return InterfaceStats{
		NodeID:          i.nodeID,
		Address:         i.address,
		BandwidthMbps:   i.bandwidthMbps,
		PacketsSent:     i.packetsSent,
		PacketsReceived: i.packetsReceived,
		BytesSent:       i.bytesSent,
		BytesReceived:   i.bytesReceived,
		UptimeSeconds:   elapsed,
		ThroughputBps:   throughput,
	}
}

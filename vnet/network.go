package vnet

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBasePrefix = "192.168.1"
	DefaultLossRate   = 0.01

	firstHostOctet = 2
	lastHostOctet  = 254

	minPropagationDelay = 1 * time.Millisecond
	maxPropagationDelay = 10 * time.Millisecond
)

// MemberStatus is what a registered member reports about itself when the
// network aggregates topology and health.
type MemberStatus struct {
	Alive                bool
	SegmentsStored       int
	StorageUsedBytes     uint64
	StorageCapacityBytes uint64
}

// Member is anything that can be registered on the network. The node package
// implements it; tests register lightweight fakes.
type Member interface {
	ID() string
	Interface() *Interface
	Status() MemberStatus
}

type Config struct {
	Logger     *slog.Logger
	Name       string
	BasePrefix string  // host /24-style prefix, e.g. "192.168.1"
	LossRate   float64 // probability a sent packet is dropped, 0 disables loss
	Seed       int64   // rng seed, 0 means time-based
}

// NodeTopology describes one member in a topology snapshot.
type NodeTopology struct {
	Address          string `json:"address"`
	Status           string `json:"status"`
	SegmentsStored   int    `json:"segments_stored"`
	StorageUsedBytes uint64 `json:"storage_used_bytes"`
}

type Topology struct {
	Name  string                  `json:"name"`
	CIDR  string                  `json:"cidr"`
	Nodes map[string]NodeTopology `json:"nodes"`
}

type Statistics struct {
	Name                  string                    `json:"name"`
	UptimeSeconds         float64                   `json:"uptime_seconds"`
	TotalNodes            int                       `json:"total_nodes"`
	TotalPacketsSent      uint64                    `json:"total_packets_sent"`
	TotalPacketsReceived  uint64                    `json:"total_packets_received"`
	TotalBytesTransmitted uint64                    `json:"total_bytes_transmitted"`
	AverageThroughputMbps float64                   `json:"average_throughput_mbps"`
	LossRate              float64                   `json:"loss_rate"`
	Interfaces            map[string]InterfaceStats `json:"interfaces"`
}

// Network owns address allocation, the routing table, and packet delivery
// scheduling. Delivery is fire-and-forget: Send returns once the packet is
// queued, a single scheduler goroutine invokes the destination interface when
// the simulated delay elapses. Close discards anything still queued.
type Network struct {
	logger *slog.Logger

	name       string
	basePrefix string
	lossRate   float64

	mu         sync.Mutex
	nextHost   int
	members    map[string]Member
	interfaces map[string]*Interface
	routing    map[string]string // address -> node id
	rng        *rand.Rand
	startTime  time.Time

	schedMu sync.Mutex
	queue   deliveryQueue
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewNetwork(cfg Config) *Network {
	if cfg.BasePrefix == "" {
		cfg.BasePrefix = DefaultBasePrefix
	}
	if cfg.LossRate < 0 {
		cfg.LossRate = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Network{
		logger:     cfg.Logger.WithGroup("vnet"),
		name:       cfg.Name,
		basePrefix: cfg.BasePrefix,
		lossRate:   cfg.LossRate,
		nextHost:   firstHostOctet,
		members:    make(map[string]Member),
		interfaces: make(map[string]*Interface),
		routing:    make(map[string]string),
		rng:        rand.New(rand.NewSource(seed)),
		startTime:  time.Now(),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go n.runScheduler()

	n.logger.Info("virtual network initialized", "name", n.name, "cidr", n.CIDR())
	return n
}

func (n *Network) Name() string {
	return n.name
}

func (n *Network) CIDR() string {
	return fmt.Sprintf("%s.0/24", n.basePrefix)
}

// Close stops the delivery scheduler. Pending deliveries are discarded, never
// delivered, and Close does not wait on their simulated delays.
func (n *Network) Close() {
	n.cancel()
	<-n.done

	n.schedMu.Lock()
	n.queue = nil
	n.schedMu.Unlock()
}

// AllocateAddress hands out the next host address. Addresses are never reused,
// even if a member goes away.
func (n *Network) AllocateAddress() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.allocateAddressLocked()
}

func (n *Network) allocateAddressLocked() (string, error) {
	if n.nextHost > lastHostOctet {
		return "", ErrAddressSpaceExhausted
	}
	addr := fmt.Sprintf("%s.%d", n.basePrefix, n.nextHost)
	n.nextHost++
	return addr, nil
}

// RegisterNode binds a member to an address, auto-allocating when addr is
// empty, and inserts it into the routing table.
func (n *Network) RegisterNode(m Member, addr string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr == "" {
		var err error
		addr, err = n.allocateAddressLocked()
		if err != nil {
			return "", err
		}
	} else if _, taken := n.routing[addr]; taken {
		return "", &ErrAddressInUse{Addr: addr}
	}

	iface := m.Interface()
	iface.SetAddress(addr)

	n.members[m.ID()] = m
	n.interfaces[addr] = iface
	n.routing[addr] = m.ID()

	n.logger.Info("node registered", "node", m.ID(), "address", addr)
	return addr, nil
}

// Send simulates one transmission. On success the returned duration is the
// scheduled delivery delay (transmission + propagation); the caller does not
// block on delivery. A dropped packet surfaces as ErrPacketLost with no retry.
func (n *Network) Send(sourceAddr, destAddr string, p Packet) (time.Duration, error) {
	n.mu.Lock()

	if _, ok := n.routing[destAddr]; !ok {
		n.mu.Unlock()
		n.logger.Warn("destination not in routing table", "dest", destAddr)
		return 0, &ErrUnknownDestination{Addr: destAddr}
	}

	srcIface, ok := n.interfaces[sourceAddr]
	if !ok {
		n.mu.Unlock()
		return 0, &ErrUnknownDestination{Addr: sourceAddr}
	}
	destIface := n.interfaces[destAddr]

	if n.rng.Float64() < n.lossRate {
		n.mu.Unlock()
		n.logger.Warn("packet dropped by loss simulation", "source", sourceAddr, "dest", destAddr)
		return 0, ErrPacketLost
	}

	propagation := minPropagationDelay +
		time.Duration(n.rng.Float64()*float64(maxPropagationDelay-minPropagationDelay))
	n.mu.Unlock()

	transmission := srcIface.Send(p)
	total := transmission + propagation

	n.schedule(delivery{
		due:   time.Now().Add(total),
		iface: destIface,
		pkt:   p,
	})

	return total, nil
}

// BroadcastHealthCheck queries liveness of every registered member directly.
// No packet is actually sent.
func (n *Network) BroadcastHealthCheck() map[string]bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	health := make(map[string]bool, len(n.members))
	for id, m := range n.members {
		alive := m.Status().Alive
		health[id] = alive
		n.logger.Debug("health check", "node", id, "alive", alive)
	}
	return health
}

func (n *Network) Topology() Topology {
	n.mu.Lock()
	defer n.mu.Unlock()

	topo := Topology{
		Name:  n.name,
		CIDR:  n.CIDR(),
		Nodes: make(map[string]NodeTopology, len(n.members)),
	}
	for id, m := range n.members {
		st := m.Status()
		status := "ALIVE"
		if !st.Alive {
			status = "DEAD"
		}
		topo.Nodes[id] = NodeTopology{
			Address:          m.Interface().Address(),
			Status:           status,
			SegmentsStored:   st.SegmentsStored,
			StorageUsedBytes: st.StorageUsedBytes,
		}
	}
	return topo
}

func (n *Network) Statistics() Statistics {
	n.mu.Lock()
	defer n.mu.Unlock()

	stats := Statistics{
		Name:       n.name,
		TotalNodes: len(n.members),
		LossRate:   n.lossRate,
		Interfaces: make(map[string]InterfaceStats, len(n.interfaces)),
	}

	for addr, iface := range n.interfaces {
		s := iface.Stats()
		stats.Interfaces[addr] = s
		stats.TotalPacketsSent += s.PacketsSent
		stats.TotalPacketsReceived += s.PacketsReceived
		stats.TotalBytesTransmitted += s.BytesSent + s.BytesReceived
	}

	elapsed := time.Since(n.startTime).Seconds()
	stats.UptimeSeconds = elapsed
	if elapsed > 0 {
		stats.AverageThroughputMbps = float64(stats.TotalBytesTransmitted) * 8 / (1024 * 1024 * elapsed)
	}
	return stats
}

// -------------------------- DELIVERY SCHEDULER

type delivery struct {
	due   time.Time
	iface *Interface
	pkt   Packet
}

type deliveryQueue []delivery

func (q deliveryQueue) Len() int            { return len(q) }
func (q deliveryQueue) Less(i, j int) bool  { return q[i].due.Before(q[j].due) }
func (q deliveryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *deliveryQueue) Push(x interface{}) { *q = append(*q, x.(delivery)) }
func (q *deliveryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	d := old[n-1]
	*q = old[:n-1]
	return d
}

func (n *Network) schedule(d delivery) {
	n.schedMu.Lock()
	heap.Push(&n.queue, d)
	n.schedMu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// runScheduler drains the time-ordered delivery queue. One loop per network
// instance; relative delivery order follows computed due times, not send
// order, which preserves the reordering the simulation wants.
func (n *Network) runScheduler() {
	defer close(n.done)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		n.schedMu.Lock()
		var wait time.Duration
		hasNext := n.queue.Len() > 0
		if hasNext {
			wait = time.Until(n.queue[0].due)
		}
		n.schedMu.Unlock()

		if !hasNext {
			select {
			case <-n.ctx.Done():
				return
			case <-n.wake:
				continue
			}
		}

		if wait <= 0 {
			n.deliverDue()
			continue
		}

		timer.Reset(wait)
		select {
		case <-n.ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-n.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			n.deliverDue()
		}
	}
}

func (n *Network) deliverDue() {
	now := time.Now()
	for {
		n.schedMu.Lock()
		if n.queue.Len() == 0 || n.queue[0].due.After(now) {
			n.schedMu.Unlock()
			return
		}
		d := heap.Pop(&n.queue).(delivery)
		n.schedMu.Unlock()

		d.iface.Receive(d.pkt)
	}
}

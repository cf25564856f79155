package node

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/atoll/store"
	"github.com/InsulaLabs/atoll/vnet"
)

// State is a node's process state. The set is closed; transitions between
// valid states are unconstrained, any state is reachable from any other.
type State string

const (
	StateReady   State = "READY"
	StateWaiting State = "WAITING"
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
)

func (s State) Valid() bool {
	switch s {
	case StateReady, StateWaiting, StateRunning, StateStopped:
		return true
	}
	return false
}

// ErrInvalidState is returned when SetState is handed a state outside the
// closed set.
type ErrInvalidState struct {
	State State
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("invalid process state: %q", string(e.State))
}

type Config struct {
	Logger           *slog.Logger
	ID               string
	StorageDirectory string
	CapacityBytes    uint64
	BandwidthMbps    float64
	CacheTTL         time.Duration
}

// NodeInfo is a read-only snapshot of a node.
type NodeInfo struct {
	ID            string            `json:"id"`
	Address       string            `json:"address"`
	Status        string            `json:"status"`
	ProcessState  State             `json:"process_state"`
	Storage       store.StorageInfo `json:"storage"`
	Peers         map[string]string `json:"peers"`
	UptimeSeconds float64           `json:"uptime_seconds"`
}

// Node binds one network interface to one storage engine, a process state
// machine, and a peer table.
type Node struct {
	logger *slog.Logger

	id     string
	iface  *vnet.Interface
	engine store.Engine

	mu        sync.Mutex
	state     State
	running   bool
	createdAt time.Time
	peers     map[string]string // peer id -> address, no ownership implied
}

var _ vnet.Member = &Node{}

func New(cfg Config) (*Node, error) {
	engine, err := store.New(store.Config{
		Logger:        cfg.Logger,
		NodeID:        cfg.ID,
		Directory:     cfg.StorageDirectory,
		CapacityBytes: cfg.CapacityBytes,
		CacheTTL:      cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		logger:    cfg.Logger.WithGroup("node"),
		id:        cfg.ID,
		iface:     vnet.NewInterface(cfg.Logger, cfg.ID, cfg.BandwidthMbps),
		engine:    engine,
		state:     StateReady,
		running:   true,
		createdAt: time.Now(),
		peers:     make(map[string]string),
	}

	n.logger.Info("node initialized", "node", n.id, "capacity_bytes", cfg.CapacityBytes)
	return n, nil
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Interface() *vnet.Interface {
	return n.iface
}

func (n *Node) Engine() store.Engine {
	return n.engine
}

func (n *Node) Status() vnet.MemberStatus {
	info := n.engine.Info()
	return vnet.MemberStatus{
		Alive:                n.IsAlive(),
		SegmentsStored:       info.SegmentsStored,
		StorageUsedBytes:     info.UsedBytes,
		StorageCapacityBytes: info.CapacityBytes,
	}
}

// IsAlive is purely a function of the running flag and the process state.
func (n *Node) IsAlive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running && n.state != StateStopped
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) SetState(s State) error {
	if !s.Valid() {
		return &ErrInvalidState{State: s}
	}

	n.mu.Lock()
	n.state = s
	n.mu.Unlock()

	n.logger.Info("process state changed", "node", n.id, "state", s)
	return nil
}

func (n *Node) Start() {
	n.mu.Lock()
	n.running = true
	n.mu.Unlock()
}

func (n *Node) Stop() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()
}

func (n *Node) AddPeer(peerID string, addr string) {
	n.mu.Lock()
	n.peers[peerID] = addr
	n.mu.Unlock()

	n.logger.Debug("peer added", "node", n.id, "peer", peerID, "address", addr)
}

func (n *Node) Peers() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]string, len(n.peers))
	for id, addr := range n.peers {
		out[id] = addr
	}
	return out
}

func (n *Node) Info() NodeInfo {
	status := "DEAD"
	if n.IsAlive() {
		status = "ALIVE"
	}
	return NodeInfo{
		ID:            n.id,
		Address:       n.iface.Address(),
		Status:        status,
		ProcessState:  n.State(),
		Storage:       n.engine.Info(),
		Peers:         n.Peers(),
		UptimeSeconds: time.Since(n.createdAt).Seconds(),
	}
}

func (n *Node) Close() error {
	return n.engine.Close()
}

// Package fleet owns the node population: it builds the virtual network,
// creates and registers every node, meshes them as peers, and drives uploads
// and downloads across them. Construction and teardown are explicit; there is
// no process-wide state.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/InsulaLabs/atoll/config"
	"github.com/InsulaLabs/atoll/node"
	"github.com/InsulaLabs/atoll/store"
	"github.com/InsulaLabs/atoll/vnet"
)

// PlacementPolicy picks the node that receives the next segment. Callers can
// swap in their own; the default walks the population round-robin.
type PlacementPolicy interface {
	Pick(nodes []*node.Node) *node.Node
}

type roundRobin struct {
	mu   sync.Mutex
	next int
}

func NewRoundRobin() PlacementPolicy {
	return &roundRobin{}
}

func (r *roundRobin) Pick(nodes []*node.Node) *node.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := nodes[r.next%len(nodes)]
	r.next++
	return n
}

type Config struct {
	Logger    *slog.Logger
	Cluster   *config.Cluster
	Placement PlacementPolicy // nil means round-robin
	Seed      int64           // network rng seed, 0 means time-based
}

type Fleet struct {
	logger *slog.Logger

	network   *vnet.Network
	placement PlacementPolicy
	chunkSize int

	mu    sync.Mutex
	nodes map[string]*node.Node
	order []*node.Node // creation order
}

func New(cfg Config) (*Fleet, error) {
	cluster := cfg.Cluster
	if err := config.Validate(cluster); err != nil {
		return nil, err
	}

	placement := cfg.Placement
	if placement == nil {
		placement = NewRoundRobin()
	}

	f := &Fleet{
		logger: cfg.Logger.WithGroup("fleet"),
		network: vnet.NewNetwork(vnet.Config{
			Logger:     cfg.Logger,
			Name:       cluster.Network.Name,
			BasePrefix: cluster.Network.BasePrefix,
			LossRate:   cluster.Network.LossRate,
			Seed:       cfg.Seed,
		}),
		placement: placement,
		chunkSize: cluster.Defaults.ChunkSizeBytes,
		nodes:     make(map[string]*node.Node),
	}

	capacityBytes := uint64(cluster.Defaults.CapacityGB * 1024 * 1024 * 1024)

	for i := 1; i <= cluster.NodeCount; i++ {
		id := fmt.Sprintf("node_%02d", i)

		n, err := node.New(node.Config{
			Logger:           cfg.Logger,
			ID:               id,
			StorageDirectory: filepath.Join(cluster.StorageRoot, id),
			CapacityBytes:    capacityBytes,
			BandwidthMbps:    cluster.Defaults.BandwidthMbps,
			CacheTTL:         cluster.Defaults.CacheTTL,
		})
		if err != nil {
			f.Close()
			return nil, err
		}

		addr, err := f.network.RegisterNode(n, "")
		if err != nil {
			n.Close()
			f.Close()
			return nil, err
		}

		for _, other := range f.order {
			n.AddPeer(other.ID(), other.Interface().Address())
			other.AddPeer(id, addr)
		}

		f.nodes[id] = n
		f.order = append(f.order, n)
	}

	f.logger.Info("fleet initialized", "nodes", len(f.order), "network", cluster.Network.Name)
	return f, nil
}

func (f *Fleet) Network() *vnet.Network {
	return f.network
}

func (f *Fleet) Node(id string) (*node.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	return n, ok
}

// Nodes returns the population in creation order.
func (f *Fleet) Nodes() []*node.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*node.Node, len(f.order))
	copy(out, f.order)
	return out
}

// Upload chunks the file on the first node and distributes the segments
// across the population by the placement policy. Returns the derived file id.
// There is no cross-node transaction: a failure mid-distribution leaves the
// already placed segments where they landed.
func (f *Fleet) Upload(path string) (string, error) {
	nodes := f.Nodes()
	if len(nodes) == 0 {
		return "", fmt.Errorf("fleet has no nodes")
	}
	origin := nodes[0]

	fileID, segments, err := origin.Engine().ChunkFile(path, f.chunkSize)
	if err != nil {
		return "", err
	}

	for _, seg := range segments {
		target := f.placement.Pick(nodes)
		if err := target.Engine().StoreSegment(seg); err != nil {
			return "", fmt.Errorf("storing %s on %s: %w", seg.ID, target.ID(), err)
		}
		f.logger.Debug("segment placed", "segment", seg.ID, "node", target.ID())
	}

	f.logger.Info("file distributed", "file_id", fileID, "segments", len(segments), "nodes", len(nodes))
	return fileID, nil
}

// Download reconstructs the file on the first node, reaching across the fleet
// for segments the origin does not hold.
func (f *Fleet) Download(ctx context.Context, fileID string, outputPath string) error {
	nodes := f.Nodes()
	if len(nodes) == 0 {
		return fmt.Errorf("fleet has no nodes")
	}
	origin := nodes[0]

	provider := &fleetProvider{fleet: f, exclude: origin.ID()}
	return origin.Engine().ReconstructFile(ctx, fileID, outputPath, provider)
}

func (f *Fleet) HealthCheck() map[string]bool {
	return f.network.BroadcastHealthCheck()
}

func (f *Fleet) Topology() vnet.Topology {
	return f.network.Topology()
}

func (f *Fleet) Statistics() vnet.Statistics {
	return f.network.Statistics()
}

// Report renders a human-readable system report.
func (f *Fleet) Report() string {
	var b strings.Builder
	line := strings.Repeat("=", 72)

	topo := f.Topology()
	stats := f.Statistics()

	fmt.Fprintf(&b, "%s\nATOLL SYSTEM REPORT\n%s\n", line, line)
	fmt.Fprintf(&b, "\n[NETWORK]\nName:     %s\nCIDR:     %s\nNodes:    %d\n",
		topo.Name, topo.CIDR, len(topo.Nodes))

	fmt.Fprintf(&b, "\n[TOPOLOGY]\n")
	for _, n := range f.Nodes() {
		info := n.Info()
		fmt.Fprintf(&b, "  %s:\n", info.ID)
		fmt.Fprintf(&b, "    Address:   %s\n", info.Address)
		fmt.Fprintf(&b, "    Status:    %s (%s)\n", info.Status, info.ProcessState)
		fmt.Fprintf(&b, "    Segments:  %d\n", info.Storage.SegmentsStored)
		fmt.Fprintf(&b, "    Used:      %d / %d bytes (%.2f%%)\n",
			info.Storage.UsedBytes, info.Storage.CapacityBytes, info.Storage.UtilizationPercent)
	}

	fmt.Fprintf(&b, "\n[STATISTICS]\n")
	fmt.Fprintf(&b, "Uptime:            %.1fs\n", stats.UptimeSeconds)
	fmt.Fprintf(&b, "Packets Sent:      %d\n", stats.TotalPacketsSent)
	fmt.Fprintf(&b, "Packets Received:  %d\n", stats.TotalPacketsReceived)
	fmt.Fprintf(&b, "Bytes Transmitted: %d\n", stats.TotalBytesTransmitted)
	fmt.Fprintf(&b, "Avg Throughput:    %.2f Mbps\n", stats.AverageThroughputMbps)
	fmt.Fprintf(&b, "Loss Rate:         %.2f%%\n", stats.LossRate*100)
	b.WriteString(line + "\n")

	return b.String()
}

// Close tears down the network scheduler and every node's engine.
func (f *Fleet) Close() {
	f.network.Close()

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.order {
		if err := n.Close(); err != nil {
			f.logger.Warn("node close failed", "node", n.ID(), "error", err)
		}
	}
}

// fleetProvider is the cross-node fetch capability handed to ReconstructFile.
// A clean miss on every live node is ErrRemoteSegmentNotFound; having nobody
// to ask is ErrProviderUnavailable.
type fleetProvider struct {
	fleet   *Fleet
	exclude string
}

var _ store.SegmentProvider = &fleetProvider{}

func (p *fleetProvider) FetchSegment(ctx context.Context, segmentID string) (*store.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ErrProviderUnavailable
	}

	asked := 0
	for _, n := range p.fleet.Nodes() {
		if n.ID() == p.exclude || !n.IsAlive() {
			continue
		}
		asked++

		seg, err := n.Engine().RetrieveSegment(segmentID)
		if err == nil {
			return seg, nil
		}
	}

	if asked == 0 {
		return nil, store.ErrProviderUnavailable
	}
	return nil, store.ErrRemoteSegmentNotFound
}

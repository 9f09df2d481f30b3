// Package cluster implements the UDP health gossip between gateway nodes:
// periodic state broadcasts, peer liveness tracking, and split-brain
// (isolation) detection.
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cerberus-gate/fortify/internal/errdefs"
)

// Version is stamped into every outgoing gossip packet.
const Version = "1.2.0"

// GossipConfig carries the gossip transport and health thresholds.
type GossipConfig struct {
	// BindAddr is the receiver's UDP listen address.
	BindAddr string
	// Peers are the addresses every broadcast is sent to.
	Peers []string
	// Interval between broadcasts.
	Interval time.Duration
	// PeerTimeout marks a peer unhealthy once nothing has been heard from
	// it for this long.
	PeerTimeout time.Duration
	// IsolationThreshold is the unhealthy-peer ratio at which this node
	// considers itself cut off from the cluster.
	IsolationThreshold float64
}

// DefaultGossipConfig returns production defaults.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		BindAddr:           "0.0.0.0:9000",
		Interval:           5 * time.Second,
		PeerTimeout:        30 * time.Second,
		IsolationThreshold: 0.5,
	}
}

// Packet is the JSON datagram exchanged between nodes.
type Packet struct {
	NodeID          string `json:"node_id"`
	CPULoad         int    `json:"cpu_load"`
	UpstreamHealthy bool   `json:"upstream_healthy"`
	ActiveConns     uint32 `json:"active_conns"`
	AmmoFill        int    `json:"ammo_fill"`
	ThreatLevel     uint8  `json:"threat_level"`
	Timestamp       int64  `json:"timestamp"`
	Version         string `json:"version"`
}

// PeerHealth is the tracked state of one remote node.
type PeerHealth struct {
	LastPacket Packet
	LastSeen   time.Time
	Healthy    bool
}

// StateFunc produces the current local state for a broadcast.
type StateFunc func() Packet

// Gossip runs the broadcaster and receiver and answers cluster-topology
// queries for the rest of the gateway.
type Gossip struct {
	cfg    GossipConfig
	nodeID string

	mu       sync.RWMutex
	peers    map[string]*PeerHealth
	isolated bool

	now func() time.Time
}

// NewGossip creates a gossip service for this node.
func NewGossip(cfg GossipConfig, nodeID string) *Gossip {
	return &Gossip{
		cfg:    cfg,
		nodeID: nodeID,
		peers:  make(map[string]*PeerHealth),
		now:    time.Now,
	}
}

// NodeID returns this node's identity.
func (g *Gossip) NodeID() string { return g.nodeID }

// IsIsolated reports whether the node currently considers itself cut off.
func (g *Gossip) IsIsolated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.isolated
}

// GetPeers returns a snapshot of all known peers.
func (g *Gossip) GetPeers() map[string]PeerHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]PeerHealth, len(g.peers))
	for id, p := range g.peers {
		out[id] = *p
	}
	return out
}

// GetHealthyPeers returns healthy peers' last packets, least loaded first.
func (g *Gossip) GetHealthyPeers() []Packet {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var healthy []Packet
	for _, p := range g.peers {
		if p.Healthy {
			healthy = append(healthy, p.LastPacket)
		}
	}
	sort.Slice(healthy, func(i, j int) bool {
		return healthy[i].CPULoad < healthy[j].CPULoad
	})
	return healthy
}

// GetShedTarget returns the least loaded healthy peer with spare capacity,
// or nil when no peer can absorb shed traffic.
func (g *Gossip) GetShedTarget() *Packet {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *Packet
	for _, p := range g.peers {
		if !p.Healthy || p.LastPacket.CPULoad >= 80 {
			continue
		}
		if best == nil || p.LastPacket.CPULoad < best.CPULoad {
			pkt := p.LastPacket
			best = &pkt
		}
	}
	return best
}

// RunBroadcaster sends the local state to every peer on each interval until
// the context ends.
func (g *Gossip) RunBroadcaster(ctx context.Context, state StateFunc) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return errdefs.Wrap(errdefs.KindCluster, "bind gossip sender socket", err)
	}
	defer conn.Close()

	addrs := make([]*net.UDPAddr, 0, len(g.cfg.Peers))
	for _, peer := range g.cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			slog.Warn("Unresolvable gossip peer", "peer", peer, "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}

	slog.Info("Gossip broadcaster started",
		"peers", g.cfg.Peers, "interval", g.cfg.Interval)

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Gossip broadcaster shutting down")
			return nil
		case <-ticker.C:
			pkt := state()
			data, err := json.Marshal(pkt)
			if err != nil {
				slog.Error("Failed to serialize gossip packet", "error", err)
				continue
			}
			for _, addr := range addrs {
				if _, err := conn.WriteToUDP(data, addr); err != nil {
					slog.Warn("Failed to send gossip", "peer", addr, "error", err)
				}
			}
		}
	}
}

// RunReceiver listens for peer packets and sweeps peer health once a
// second until the context ends.
func (g *Gossip) RunReceiver(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", g.cfg.BindAddr)
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfig, "resolve gossip bind addr", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCluster, "bind gossip receiver socket", err)
	}
	defer conn.Close()

	slog.Info("Gossip receiver started", "addr", g.cfg.BindAddr)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweepPeerHealth()
			}
		}
	}()

	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			slog.Info("Gossip receiver shutting down")
			return nil
		}
		// A short deadline keeps the loop responsive to shutdown.
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			slog.Warn("Gossip receive error", "error", err)
			continue
		}
		g.handlePacket(buf[:n], remote)
	}
}

// handlePacket upserts peer state; malformed packets and our own echoes
// are dropped.
func (g *Gossip) handlePacket(data []byte, remote *net.UDPAddr) {
	var pkt Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		slog.Warn("Invalid gossip packet", "addr", remote, "error", err)
		return
	}
	if pkt.NodeID == g.nodeID || pkt.NodeID == "" {
		return
	}

	g.mu.Lock()
	g.peers[pkt.NodeID] = &PeerHealth{
		LastPacket: pkt,
		LastSeen:   g.now(),
		Healthy:    true,
	}
	g.mu.Unlock()

	slog.Debug("Received gossip",
		"node", pkt.NodeID, "cpu", pkt.CPULoad, "conns", pkt.ActiveConns)
}

// sweepPeerHealth times out silent peers and recomputes isolation. The
// isolation flag only logs on edge transitions.
func (g *Gossip) sweepPeerHealth() {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := len(g.peers)
	unhealthy := 0
	for _, p := range g.peers {
		if g.now().Sub(p.LastSeen) > g.cfg.PeerTimeout {
			if p.Healthy {
				slog.Warn("Peer marked unhealthy (timeout)", "node", p.LastPacket.NodeID)
			}
			p.Healthy = false
		}
		if !p.Healthy {
			unhealthy++
		}
	}

	if total == 0 {
		return
	}
	isolated := float64(unhealthy)/float64(total) >= g.cfg.IsolationThreshold
	if isolated != g.isolated {
		if isolated {
			slog.Error("Node is isolated from cluster",
				"unhealthy", unhealthy, "total", total)
		} else {
			slog.Info("Node reconnected to cluster")
		}
		g.isolated = isolated
	}
}

package cluster

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGossip(nodeID string) *Gossip {
	cfg := DefaultGossipConfig()
	return NewGossip(cfg, nodeID)
}

func testPacket(nodeID string, cpu int) []byte {
	data, _ := json.Marshal(Packet{
		NodeID:          nodeID,
		CPULoad:         cpu,
		UpstreamHealthy: true,
		ActiveConns:     10,
		AmmoFill:        80,
		ThreatLevel:     2,
		Timestamp:       1000,
		Version:         Version,
	})
	return data
}

func remoteAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 100, 0, 2), Port: 9000}
}

func TestGossip_HandlePacketUpsertsPeer(t *testing.T) {
	g := newTestGossip("node-1")

	g.handlePacket(testPacket("node-2", 45), remoteAddr())

	peers := g.GetPeers()
	require.Len(t, peers, 1)
	p := peers["node-2"]
	assert.True(t, p.Healthy)
	assert.Equal(t, 45, p.LastPacket.CPULoad)
	assert.True(t, p.LastPacket.UpstreamHealthy)
}

func TestGossip_OwnPacketsDropped(t *testing.T) {
	g := newTestGossip("node-1")

	g.handlePacket(testPacket("node-1", 45), remoteAddr())
	assert.Empty(t, g.GetPeers())
}

func TestGossip_MalformedPacketDropped(t *testing.T) {
	g := newTestGossip("node-1")

	g.handlePacket([]byte("{garbage"), remoteAddr())
	g.handlePacket([]byte(`{"cpu_load":45}`), remoteAddr())
	assert.Empty(t, g.GetPeers())
}

func TestGossip_PeerTimesOut(t *testing.T) {
	g := newTestGossip("node-1")
	now := time.Now()
	g.now = func() time.Time { return now }

	g.handlePacket(testPacket("node-2", 45), remoteAddr())
	g.sweepPeerHealth()
	assert.True(t, g.GetPeers()["node-2"].Healthy)

	// Silence past the peer timeout flips the peer unhealthy.
	g.now = func() time.Time { return now.Add(31 * time.Second) }
	g.sweepPeerHealth()
	assert.False(t, g.GetPeers()["node-2"].Healthy)
}

func TestGossip_IsolationAndRecovery(t *testing.T) {
	g := newTestGossip("node-1")
	now := time.Now()
	g.now = func() time.Time { return now }

	g.handlePacket(testPacket("node-2", 45), remoteAddr())
	g.handlePacket(testPacket("node-3", 55), remoteAddr())
	g.sweepPeerHealth()
	assert.False(t, g.IsIsolated())

	// Both peers go silent: 100% unhealthy crosses the 0.5 threshold.
	g.now = func() time.Time { return now.Add(time.Minute) }
	g.sweepPeerHealth()
	assert.True(t, g.IsIsolated())

	// One peer comes back: ratio 0.5 is still isolated; both back clears it.
	g.handlePacket(testPacket("node-2", 45), remoteAddr())
	g.sweepPeerHealth()
	assert.True(t, g.IsIsolated())

	g.handlePacket(testPacket("node-3", 55), remoteAddr())
	g.sweepPeerHealth()
	assert.False(t, g.IsIsolated())
}

func TestGossip_NoPeersMeansNoIsolation(t *testing.T) {
	g := newTestGossip("node-1")
	g.sweepPeerHealth()
	assert.False(t, g.IsIsolated())
}

func TestGossip_HealthyPeersSortedByLoad(t *testing.T) {
	g := newTestGossip("node-1")
	now := time.Now()
	g.now = func() time.Time { return now }

	g.handlePacket(testPacket("node-2", 70), remoteAddr())
	g.handlePacket(testPacket("node-3", 20), remoteAddr())
	g.handlePacket(testPacket("node-4", 50), remoteAddr())

	healthy := g.GetHealthyPeers()
	require.Len(t, healthy, 3)
	assert.Equal(t, "node-3", healthy[0].NodeID)
	assert.Equal(t, "node-4", healthy[1].NodeID)
	assert.Equal(t, "node-2", healthy[2].NodeID)
}

func TestGossip_ShedTargetSkipsBusyPeers(t *testing.T) {
	g := newTestGossip("node-1")

	g.handlePacket(testPacket("node-2", 95), remoteAddr())
	assert.Nil(t, g.GetShedTarget())

	g.handlePacket(testPacket("node-3", 30), remoteAddr())
	target := g.GetShedTarget()
	require.NotNil(t, target)
	assert.Equal(t, "node-3", target.NodeID)
}

func TestGossip_RepeatPacketRefreshesPeer(t *testing.T) {
	g := newTestGossip("node-1")
	now := time.Now()
	g.now = func() time.Time { return now }

	g.handlePacket(testPacket("node-2", 45), remoteAddr())

	g.now = func() time.Time { return now.Add(time.Minute) }
	g.sweepPeerHealth()
	require.False(t, g.GetPeers()["node-2"].Healthy)

	// A fresh packet restores health immediately.
	g.handlePacket(testPacket("node-2", 50), remoteAddr())
	assert.True(t, g.GetPeers()["node-2"].Healthy)
	assert.Equal(t, 50, g.GetPeers()["node-2"].LastPacket.CPULoad)
}

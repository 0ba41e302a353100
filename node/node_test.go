package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/meshnet/config"
	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/internal/meshtest"
	"github.com/agentmesh/meshnet/internal/router"
	"github.com/agentmesh/meshnet/libs/log"
	"github.com/agentmesh/meshnet/node"
)

func makeNode(t *testing.T) *node.Node {
	t.Helper()
	cfg := config.TestConfig()
	cfg.SetRoot(t.TempDir())
	cfg.Mesh.HandshakeDelay = 0
	cfg.Mesh.LatencyJitter = 0
	cfg.Router.HopDelay = 0
	cfg.Fault.DetectInterval = 0
	cfg.Mesh.StalePeerAge = 0

	n, err := node.New(log.NewTestingLogger(t), cfg)
	require.NoError(t, err)
	return n
}

// populate builds a small connected overlay on the node: a triangle plus a
// tail node hanging off it.
func populate(t *testing.T, ctx context.Context, n *node.Node) {
	t.Helper()
	m := n.Mesh()
	meshtest.MakeFullMesh(t, m, "a", "b", "c")
	meshtest.Join(t, m, "d")
	_, err := m.Connect(ctx, "c", "d")
	require.NoError(t, err)
}

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)
	require.NoError(t, n.Start(ctx))
	require.True(t, n.IsRunning())

	cancel()
	n.Wait()
	require.False(t, n.IsRunning())
}

func TestNodeInvalidConfig(t *testing.T) {
	cfg := config.TestConfig()
	cfg.NodeID = ""
	_, err := node.New(log.NewTestingLogger(t), cfg)
	require.Error(t, err)
}

func TestNodeSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)
	populate(t, ctx, n)

	s := n.Snapshot()
	require.Equal(t, 4, s.TotalNodes)
	require.Equal(t, 4, s.ActiveConnections)
	require.False(t, s.Partitioned())
	require.NoError(t, s.Validate())
}

func TestNodeHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)

	// An empty node is healthy by definition.
	report := n.Health()
	require.Equal(t, 100.0, report.Score)

	populate(t, ctx, n)
	n.Mesh().Disconnect("c", "d")
	report = n.Health()
	require.Less(t, report.Score, 100.0)
	require.NotEmpty(t, report.Alerts)
}

func TestNodeMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)

	// The query never fails; an empty node reports zero values.
	metrics := n.Metrics()
	require.Zero(t, metrics.TotalNodes)
	require.Zero(t, metrics.NetworkThroughput)
	require.False(t, metrics.LastUpdated.IsZero())

	populate(t, ctx, n)
	metrics = n.Metrics()
	assert.Equal(t, 4, metrics.TotalNodes)
	assert.Equal(t, 4, metrics.ActiveConnections)
	assert.Greater(t, metrics.NetworkThroughput, 0.0)
	assert.Greater(t, metrics.AverageLatency, 0.0)
	assert.Greater(t, metrics.FaultTolerance, 0.0)
	assert.LessOrEqual(t, metrics.FaultTolerance, 1.0)
}

func TestNodeSendUnicast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)
	populate(t, ctx, n)
	meshtest.Join(t, n.Mesh(), n.Mesh().SelfID())
	_, err := n.Mesh().Connect(ctx, n.Mesh().SelfID(), "a")
	require.NoError(t, err)

	msg, err := n.SendUnicast(ctx, "d", []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, n.Mesh().SelfID(), msg.Source)
	require.Equal(t, mesh.NodeID("d"), msg.Destination)
	require.Equal(t, router.MessageTypeData, msg.Type)
}

func TestNodeBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)
	self := n.Mesh().SelfID()
	meshtest.Join(t, n.Mesh(), self)
	meshtest.MakeFullMesh(t, n.Mesh(), "a", "b")
	_, err := n.Mesh().Connect(ctx, self, "a")
	require.NoError(t, err)
	_, err = n.Mesh().Connect(ctx, self, "b")
	require.NoError(t, err)

	_, reached, err := n.Broadcast(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{"a", "b"}, reached)
}

func TestNodeDiscover(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n := makeNode(t)
	self := n.Mesh().SelfID()
	meshtest.Join(t, n.Mesh(), self)
	populate(t, ctx, n)
	_, err := n.Mesh().Connect(ctx, self, "a")
	require.NoError(t, err)

	start := time.Now()
	found, err := n.Discover(ctx)
	require.NoError(t, err)
	// Everything transitively reachable from self, in discovery order.
	require.Equal(t, []mesh.NodeID{"a", "b", "c", "d"}, found)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNodeDiscoverIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)
	found, err := n.Discover(ctx)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestNodeSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)
	self := n.Mesh().SelfID()
	meshtest.Join(t, n.Mesh(), self, "a", "b")
	_, err := n.Mesh().Connect(ctx, self, "b")
	require.NoError(t, err)
	_, err = n.Mesh().Connect(ctx, self, "a")
	require.NoError(t, err)

	synced, err := n.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{"a", "b"}, synced)
}

func TestNodeVisualizationExport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeNode(t)
	populate(t, ctx, n)

	viz := n.VisualizationExport()
	require.Len(t, viz.Nodes, 4)
	require.Len(t, viz.Edges, 4)
	require.Empty(t, viz.Partitions)

	// Nodes come out sorted and laid out on the circle.
	require.Equal(t, mesh.NodeID("a"), viz.Nodes[0].ID)
	require.Equal(t, 100.0, viz.Nodes[0].X)
	require.Equal(t, 2, viz.Nodes[0].Degree)
	require.Equal(t, 3, viz.Nodes[2].Degree)
	require.Equal(t, 1, viz.Nodes[3].Degree)

	for _, edge := range viz.Edges {
		require.Greater(t, edge.LatencyMS, 0.0)
	}

	// A split shows up in the export.
	n.Mesh().Disconnect("c", "d")
	viz = n.VisualizationExport()
	require.Len(t, viz.Partitions, 2)
}

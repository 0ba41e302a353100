package fault_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/agentmesh/meshnet/internal/fault"
	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/internal/meshtest"
	"github.com/agentmesh/meshnet/internal/topology"
	"github.com/agentmesh/meshnet/libs/log"
)

type fixture struct {
	mesh     *mesh.Manager
	analyzer *topology.Analyzer
	faults   *fault.Manager
}

func makeFixture(t *testing.T, meshOptions mesh.ManagerOptions, faultOptions fault.Options) *fixture {
	t.Helper()
	logger := log.NewTestingLogger(t)
	m := meshtest.MakeManagerWithOptions(t, "self", meshOptions)
	a := topology.NewAnalyzer(logger, m, topology.Config{})
	f, err := fault.NewManager(logger, m, a, dbm.NewMemDB(), faultOptions)
	require.NoError(t, err)
	return &fixture{mesh: m, analyzer: a, faults: f}
}

func TestOptionsValidate(t *testing.T) {
	opts := fault.Options{}
	require.NoError(t, opts.Validate())
	require.Equal(t, time.Second, opts.RecoveryTimeout)
	require.Equal(t, 3, opts.RecoveryRetries)
	require.Equal(t, 0.3, opts.InjectedLossRate)

	require.Error(t, (&fault.Options{RecoveryTimeout: -1}).Validate())
	require.Error(t, (&fault.Options{InjectedLossRate: 1.5}).Validate())
}

func TestInjectInvalidKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	_, err := f.faults.Inject(ctx, "meteor-strike")
	require.Error(t, err)
	require.ErrorAs(t, err, &fault.ErrInvalidKind{})
}

func TestInjectPartition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeFullMesh(t, f.mesh, "a", "b", "c", "d")

	episode, err := f.faults.Inject(ctx, fault.KindPartition)
	require.NoError(t, err)
	require.NotNil(t, episode)
	require.Equal(t, []mesh.NodeID{"a", "b"}, episode.Nodes)
	require.Equal(t, fault.PartitionComplete, episode.Type)
	// Half the network isolated grades as critical.
	require.Equal(t, fault.SeverityCritical, episode.Severity)
	require.False(t, episode.Resolved)
	require.False(t, episode.Start.IsZero())

	// The graph is actually split.
	s := f.analyzer.Snapshot()
	require.True(t, s.Partitioned())
	require.Len(t, s.Partitions, 2)

	require.Len(t, f.faults.ActivePartitions(), 1)
}

func TestInjectPartitionTooSmall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.Join(t, f.mesh, "only")

	_, err := f.faults.Inject(ctx, fault.KindPartition)
	require.Error(t, err)
}

func TestInjectNodeFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeFullMesh(t, f.mesh, "a", "b", "c")

	_, err := f.faults.Inject(ctx, fault.KindNodeFailure)
	require.NoError(t, err)

	var down []mesh.NodeID
	for _, p := range f.mesh.Peers() {
		if p.Status == mesh.PeerStatusDisconnected {
			down = append(down, p.ID)
		}
	}
	require.Len(t, down, 1)
	// The victim lost all of its links.
	require.Empty(t, f.mesh.Neighbors(down[0]))
	require.Len(t, f.mesh.Connections(), 1)
}

func TestInjectMessageLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{InjectedLossRate: 0.4})

	_, err := f.faults.Inject(ctx, fault.KindMessageLoss)
	require.NoError(t, err)
	require.Equal(t, 0.4, f.mesh.LossRate())
	require.True(t, f.faults.LossActive())
}

func TestInjectLatencySpike(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeLine(t, f.mesh, "a", "b")

	_, err := f.faults.Inject(ctx, fault.KindLatencySpike)
	require.NoError(t, err)

	conn, ok := f.mesh.Connection("a", "b")
	require.True(t, ok)
	require.Equal(t, 2*meshtest.DefaultLatency, conn.Latency)
}

func TestDetect(t *testing.T) {
	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	groupA := []mesh.NodeID{"a1", "a2", "a3"}
	groupB := []mesh.NodeID{"b1", "b2"}
	meshtest.MakeSplit(t, f.mesh, groupA, groupB)

	active := f.faults.Detect()
	require.Len(t, active, 1)
	// The smaller component is the one recorded as split off.
	require.Equal(t, groupB, active[0].Nodes)
	require.Equal(t, fault.PartitionPartial, active[0].Type)

	// Re-detection of the same split does not duplicate the episode.
	active = f.faults.Detect()
	require.Len(t, active, 1)
}

func TestDetectHealthy(t *testing.T) {
	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeFullMesh(t, f.mesh, "a", "b", "c")
	require.Empty(t, f.faults.Detect())
}

func TestRecoverPartition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeFullMesh(t, f.mesh, "a", "b", "c", "d")

	_, err := f.faults.Inject(ctx, fault.KindPartition)
	require.NoError(t, err)
	require.True(t, f.analyzer.Snapshot().Partitioned())

	start := time.Now()
	require.NoError(t, f.faults.Recover(ctx))
	require.Less(t, time.Since(start), time.Second)

	require.False(t, f.analyzer.Snapshot().Partitioned())
	require.Empty(t, f.faults.ActivePartitions())

	episodes := f.faults.Partitions()
	require.Len(t, episodes, 1)
	require.True(t, episodes[0].Resolved)
	require.False(t, episodes[0].End.IsZero())
}

func TestRecoverNodeFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeFullMesh(t, f.mesh, "a", "b", "c", "d")

	_, err := f.faults.Inject(ctx, fault.KindNodeFailure)
	require.NoError(t, err)
	require.NoError(t, f.faults.Recover(ctx))

	// The failed node is back with its original links.
	for _, p := range f.mesh.Peers() {
		require.Equal(t, mesh.PeerStatusConnected, p.Status)
	}
	require.Len(t, f.mesh.Connections(), 6)
	require.False(t, f.analyzer.Snapshot().Partitioned())
}

func TestRecoverDegradations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeLine(t, f.mesh, "a", "b")

	_, err := f.faults.Inject(ctx, fault.KindMessageLoss)
	require.NoError(t, err)
	_, err = f.faults.Inject(ctx, fault.KindLatencySpike)
	require.NoError(t, err)

	require.NoError(t, f.faults.Recover(ctx))
	require.Zero(t, f.mesh.LossRate())
	require.False(t, f.faults.LossActive())
	conn, _ := f.mesh.Connection("a", "b")
	require.Equal(t, meshtest.DefaultLatency, conn.Latency)
}

func TestRecoverIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeFullMesh(t, f.mesh, "a", "b", "c", "d")

	_, err := f.faults.Inject(ctx, fault.KindPartition)
	require.NoError(t, err)
	require.NoError(t, f.faults.Recover(ctx))

	resolved := f.faults.Partitions()[0]

	// A second recovery is a no-op and must not move the end timestamp.
	require.NoError(t, f.faults.Recover(ctx))
	again := f.faults.Partitions()[0]
	require.True(t, again.Resolved)
	require.Equal(t, resolved.End, again.End)
}

func TestRecoverTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A handshake far longer than the recovery budget makes bridging
	// impossible within the timeout.
	f := makeFixture(t,
		mesh.ManagerOptions{HandshakeDelay: time.Minute},
		fault.Options{RecoveryTimeout: 50 * time.Millisecond, RecoveryRetries: 2},
	)
	meshtest.Join(t, f.mesh, "a", "b")

	err := f.faults.Recover(ctx)
	require.Error(t, err)
	require.ErrorAs(t, err, &fault.ErrRecoveryTimeout{})
}

func TestAuditTrail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := makeFixture(t, mesh.ManagerOptions{}, fault.Options{})
	meshtest.MakeFullMesh(t, f.mesh, "a", "b", "c", "d")

	_, err := f.faults.Inject(ctx, fault.KindPartition)
	require.NoError(t, err)
	require.NoError(t, f.faults.Recover(ctx))

	trail, err := f.faults.Audit()
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.True(t, trail[0].Resolved)
	require.Equal(t, fault.StrategyAutomatic, trail[0].Strategy.Type)
}

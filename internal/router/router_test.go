package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/internal/meshtest"
	"github.com/agentmesh/meshnet/internal/router"
	"github.com/agentmesh/meshnet/libs/log"
)

func makeRouter(t *testing.T, m *mesh.Manager, options router.Options) *router.Router {
	t.Helper()
	r, err := router.NewRouter(log.NewTestingLogger(t), m, options)
	require.NoError(t, err)
	return r
}

func TestOptionsValidate(t *testing.T) {
	opts := router.Options{}
	require.NoError(t, opts.Validate())
	require.Equal(t, 16, opts.DefaultTTL)
	require.Equal(t, 3, opts.GossipFanout)

	require.Error(t, (&router.Options{HopDelay: -time.Second}).Validate())
	require.Error(t, (&router.Options{DefaultTTL: -1}).Validate())
}

func TestSendUnicast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	meshtest.MakeLine(t, m, "a", "b", "c")
	r := makeRouter(t, m, router.Options{})

	msg, err := r.SendUnicast(ctx, "a", "c", router.MessageTypeData, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{"a", "b", "c"}, msg.Route)
	require.Equal(t, 2, msg.HopCount)
	require.Equal(t, mesh.NodeID("a"), msg.Source)
	require.Equal(t, mesh.NodeID("c"), msg.Destination)
	require.NotEmpty(t, msg.ID)

	// Forwarding left per-link counters behind.
	conn, ok := m.Connection("a", "b")
	require.True(t, ok)
	require.EqualValues(t, 1, conn.Sent)
}

func TestSendUnicastShortestPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two routes from a to d: the direct link and the detour via b-c.
	m := meshtest.MakeManager(t, "self")
	meshtest.MakeLine(t, m, "a", "b", "c", "d")
	meshtest.Connect(t, m, [2]mesh.NodeID{"a", "d"})
	r := makeRouter(t, m, router.Options{})

	msg, err := r.SendUnicast(ctx, "a", "d", router.MessageTypeData, nil)
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{"a", "d"}, msg.Route)
	require.Equal(t, 1, msg.HopCount)
}

func TestSendUnicastDeterministicTieBreak(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two equal-length paths a-b-d and a-c-d; the lexically first neighbor
	// wins every time.
	m := meshtest.MakeManager(t, "self")
	meshtest.Join(t, m, "a", "b", "c", "d")
	meshtest.Connect(t, m,
		[2]mesh.NodeID{"a", "c"},
		[2]mesh.NodeID{"c", "d"},
		[2]mesh.NodeID{"a", "b"},
		[2]mesh.NodeID{"b", "d"},
	)
	r := makeRouter(t, m, router.Options{})

	for i := 0; i < 10; i++ {
		msg, err := r.SendUnicast(ctx, "a", "d", router.MessageTypeData, nil)
		require.NoError(t, err)
		require.Equal(t, []mesh.NodeID{"a", "b", "d"}, msg.Route)
	}
}

func TestSendUnicastErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	meshtest.MakeSplit(t, m, []mesh.NodeID{"a", "b"}, []mesh.NodeID{"c", "d"})
	r := makeRouter(t, m, router.Options{})

	_, err := r.SendUnicast(ctx, "a", "nope", router.MessageTypeData, nil)
	require.ErrorAs(t, err, &mesh.ErrPeerUnknown{})

	// Reachability, not registration, is what ErrNoRoute reports.
	_, err = r.SendUnicast(ctx, "a", "c", router.MessageTypeData, nil)
	require.ErrorAs(t, err, &router.ErrNoRoute{})
}

func TestSendUnicastTTLExhaustion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	meshtest.MakeLine(t, m, "a", "b", "c")
	r := makeRouter(t, m, router.Options{DefaultTTL: 1})

	// The message silently stops after its single hop; no error.
	msg, err := r.SendUnicast(ctx, "a", "c", router.MessageTypeData, nil)
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{"a", "b"}, msg.Route)
	require.Equal(t, 1, msg.HopCount)
	require.Zero(t, msg.TTL)
}

func TestSendUnicastLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	meshtest.MakeLine(t, m, "a", "b")
	m.SetLossRate(1)
	r := makeRouter(t, m, router.Options{})

	// Certain loss drops the message on its first link, silently.
	msg, err := r.SendUnicast(ctx, "a", "b", router.MessageTypeData, nil)
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{"a"}, msg.Route)
	require.Zero(t, msg.HopCount)

	m.SetLossRate(0)
	msg, err = r.SendUnicast(ctx, "a", "b", router.MessageTypeData, nil)
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{"a", "b"}, msg.Route)
}

func TestSendUnicastHopDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	meshtest.MakeLine(t, m, "a", "b", "c")
	r := makeRouter(t, m, router.Options{HopDelay: 10 * time.Millisecond})

	start := time.Now()
	msg, err := r.SendUnicast(ctx, "a", "c", router.MessageTypeData, nil)
	require.NoError(t, err)
	require.Equal(t, 2, msg.HopCount)
	// Two hops pay two delays.
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// Cancellation interrupts the delay.
	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = r.SendUnicast(cancelled, "a", "c", router.MessageTypeData, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBroadcast(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	meshtest.Join(t, m, "hub", "a", "b", "c", "lonely")
	meshtest.Connect(t, m,
		[2]mesh.NodeID{"hub", "a"},
		[2]mesh.NodeID{"hub", "b"},
		[2]mesh.NodeID{"hub", "c"},
	)
	r := makeRouter(t, m, router.Options{})

	msg, reached, err := r.Broadcast(ctx, "hub", router.MessageTypeBroadcast, []byte("all"))
	require.NoError(t, err)
	// Only direct neighbors; the unconnected peer is out of reach, which
	// is not an error.
	require.Equal(t, []mesh.NodeID{"a", "b", "c"}, reached)
	require.Equal(t, []mesh.NodeID{"hub", "a", "b", "c"}, msg.Route)
	require.Equal(t, 1, msg.HopCount)
	require.Equal(t, router.BroadcastDestination, msg.Destination)
}

func TestBroadcastLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	meshtest.MakeFullMesh(t, m, "a", "b", "c")
	m.SetLossRate(1)
	r := makeRouter(t, m, router.Options{})

	_, reached, err := r.Broadcast(ctx, "a", router.MessageTypeBroadcast, nil)
	require.NoError(t, err)
	require.Empty(t, reached)
}

func TestBroadcastUnknownSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	r := makeRouter(t, m, router.Options{})

	_, _, err := r.Broadcast(ctx, "ghost", router.MessageTypeBroadcast, nil)
	require.ErrorAs(t, err, &mesh.ErrPeerUnknown{})
}

func TestGossip(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	ids := meshtest.NodeIDs(8)
	meshtest.Join(t, m, "hub")
	meshtest.Join(t, m, ids...)
	for _, id := range ids {
		meshtest.Connect(t, m, [2]mesh.NodeID{"hub", id})
	}
	r := makeRouter(t, m, router.Options{GossipFanout: 3})

	msg, reached, err := r.Gossip(ctx, "hub", router.MessageTypeData, nil)
	require.NoError(t, err)
	require.Len(t, reached, 3)
	require.Equal(t, 1, msg.HopCount)
	seen := map[mesh.NodeID]bool{}
	for _, id := range reached {
		require.Contains(t, ids, id)
		require.False(t, seen[id], "gossip target picked twice")
		seen[id] = true
	}
}

func TestGossipSmallNeighborhood(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := meshtest.MakeManager(t, "self")
	meshtest.MakeLine(t, m, "a", "b")
	r := makeRouter(t, m, router.Options{GossipFanout: 3})

	// Fewer neighbors than the fanout means everyone is targeted.
	_, reached, err := r.Gossip(ctx, "a", router.MessageTypeData, nil)
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{"b"}, reached)
}

func TestMessageVisited(t *testing.T) {
	msg := router.NewMessage(router.MessageTypeData, "a", "c", nil, 16)
	require.True(t, msg.Visited("a"))
	require.False(t, msg.Visited("b"))
}

// Package meshtest contains fixture builders shared by the engine's test
// suites. Fixtures use the in-memory database and a fixed latency source so
// tests are deterministic and fast.
package meshtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/libs/log"
)

// DefaultLatency is the link latency every fixture manager reports.
const DefaultLatency = 10 * time.Millisecond

// MakeManager returns a mesh manager backed by an in-memory store with zero
// handshake delay and a fixed latency source.
func MakeManager(t *testing.T, selfID mesh.NodeID) *mesh.Manager {
	t.Helper()
	return MakeManagerWithOptions(t, selfID, mesh.ManagerOptions{})
}

// MakeManagerWithOptions is MakeManager with explicit options.
func MakeManagerWithOptions(t *testing.T, selfID mesh.NodeID, options mesh.ManagerOptions) *mesh.Manager {
	t.Helper()
	m, err := mesh.NewManager(log.NewTestingLogger(t), selfID, dbm.NewMemDB(),
		mesh.FixedLatency(DefaultLatency), options)
	require.NoError(t, err)
	return m
}

// MakePeer returns a valid peer record for the given ID.
func MakePeer(id mesh.NodeID) mesh.Peer {
	return mesh.Peer{
		ID:        id,
		Addresses: []string{fmt.Sprintf("mesh://%s", id)},
		Protocols: []string{"mesh/1"},
		Metadata: mesh.PeerMetadata{
			Version:       mesh.MetadataVersion,
			ActiveAgents:  1,
			CPUPercent:    10,
			MemoryPercent: 20,
		},
	}
}

// Join registers every given ID with the manager, failing the test on error.
func Join(t *testing.T, m *mesh.Manager, ids ...mesh.NodeID) {
	t.Helper()
	for _, id := range ids {
		_, err := m.Join(MakePeer(id))
		require.NoError(t, err)
	}
}

// Connect links every given pair, failing the test on error.
func Connect(t *testing.T, m *mesh.Manager, pairs ...[2]mesh.NodeID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pair := range pairs {
		_, err := m.Connect(ctx, pair[0], pair[1])
		require.NoError(t, err)
	}
}

// MakeLine builds the path topology a-b-c-... over the given IDs: each
// consecutive pair is joined and linked.
func MakeLine(t *testing.T, m *mesh.Manager, ids ...mesh.NodeID) {
	t.Helper()
	Join(t, m, ids...)
	for i := 0; i+1 < len(ids); i++ {
		Connect(t, m, [2]mesh.NodeID{ids[i], ids[i+1]})
	}
}

// MakeRing builds the cycle topology over the given IDs.
func MakeRing(t *testing.T, m *mesh.Manager, ids ...mesh.NodeID) {
	t.Helper()
	MakeLine(t, m, ids...)
	if len(ids) > 2 {
		Connect(t, m, [2]mesh.NodeID{ids[len(ids)-1], ids[0]})
	}
}

// MakeFullMesh joins the given IDs and links every pair.
func MakeFullMesh(t *testing.T, m *mesh.Manager, ids ...mesh.NodeID) {
	t.Helper()
	Join(t, m, ids...)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			Connect(t, m, [2]mesh.NodeID{ids[i], ids[j]})
		}
	}
}

// MakeSplit builds two disjoint full-mesh components, one per ID group,
// with no links between them.
func MakeSplit(t *testing.T, m *mesh.Manager, groupA, groupB []mesh.NodeID) {
	t.Helper()
	MakeFullMesh(t, m, groupA...)
	MakeFullMesh(t, m, groupB...)
}

// NodeIDs returns n sequential node IDs ("node-00", "node-01", ...).
func NodeIDs(n int) []mesh.NodeID {
	ids := make([]mesh.NodeID, n)
	for i := range ids {
		ids[i] = mesh.NodeID(fmt.Sprintf("node-%02d", i))
	}
	return ids
}

package meshtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/meshnet/internal/mesh"
)

// RequireUpdate requires the subscription to deliver the expected update
// within a second.
func RequireUpdate(t *testing.T, sub *mesh.Subscription, expect mesh.TopologyUpdate) {
	t.Helper()
	select {
	case update := <-sub.Updates():
		require.Equal(t, expect, update)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for topology update %+v", expect)
	}
}

// RequireNoUpdate requires the subscription to deliver nothing for a short
// window.
func RequireNoUpdate(t *testing.T, sub *mesh.Subscription) {
	t.Helper()
	select {
	case update := <-sub.Updates():
		t.Fatalf("unexpected topology update %+v", update)
	case <-time.After(50 * time.Millisecond):
	}
}

// RequireNeighbors requires the node's connected neighbor set to equal the
// expected sorted slice.
func RequireNeighbors(t *testing.T, m *mesh.Manager, id mesh.NodeID, expect []mesh.NodeID) {
	t.Helper()
	require.Equal(t, expect, m.Neighbors(id))
}

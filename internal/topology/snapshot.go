package topology

import (
	"time"

	"github.com/agentmesh/meshnet/internal/mesh"
)

// Snapshot is a point-in-time view of the overlay graph together with its
// derived structural metrics. Snapshots are immutable once produced and are
// shared by reference; consumers must not mutate them.
type Snapshot struct {
	LocalID     mesh.NodeID                      `json:"localId"`
	Peers       map[mesh.NodeID]mesh.Peer        `json:"peers"`
	Connections map[mesh.PairKey]mesh.Connection `json:"connections"`

	TotalNodes        int           `json:"totalNodes"`
	ActiveConnections int           `json:"activeConnections"`
	MeshDensity       float64       `json:"meshDensity"`
	AverageLatency    time.Duration `json:"averageLatency"`

	// Diameter is an estimate of the network diameter. By default it is
	// the O(N) log-ratio approximation ceil(log N / log avgDegree); with
	// Config.ExactDiameter it is the exact BFS eccentricity maximum. The
	// two produce different observable values on irregular graphs.
	Diameter int `json:"diameter"`

	Clustering float64 `json:"clustering"`
	Redundancy float64 `json:"redundancy"`

	// Partitions holds the connected components of the graph, each sorted
	// by node ID, ordered by their first member. A single component means
	// the network is whole; two or more mean it is split.
	Partitions [][]mesh.NodeID `json:"partitions"`

	Version uint64    `json:"version"`
	TakenAt time.Time `json:"takenAt"`
}

// Partitioned reports whether the graph is split into two or more
// components.
func (s *Snapshot) Partitioned() bool {
	return len(s.Partitions) > 1
}

// AverageLatencyMS returns the average link latency in milliseconds.
func (s *Snapshot) AverageLatencyMS() float64 {
	return float64(s.AverageLatency) / float64(time.Millisecond)
}

// Validate checks the snapshot's structural invariant: every connection
// endpoint must reference a peer present in the peers map.
func (s *Snapshot) Validate() error {
	for key := range s.Connections {
		for _, id := range []mesh.NodeID{key.A, key.B} {
			if _, ok := s.Peers[id]; !ok {
				return mesh.ErrPeerUnknown{ID: id}
			}
		}
	}
	return nil
}

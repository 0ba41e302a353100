package node

import (
	"math"
	"sort"
	"time"

	"github.com/agentmesh/meshnet/internal/mesh"
)

// VizNode is a single node in the visualization export, annotated with its
// registry metadata and a deterministic layout position.
type VizNode struct {
	ID           mesh.NodeID `json:"id"`
	Status       string      `json:"status"`
	X            float64     `json:"x"`
	Y            float64     `json:"y"`
	ActiveAgents int         `json:"activeAgents"`
	CPUPercent   float64     `json:"cpuPercent"`
	MemPercent   float64     `json:"memPercent"`
	Degree       int         `json:"degree"`
}

// VizEdge is a single link in the visualization export.
type VizEdge struct {
	From      mesh.NodeID `json:"from"`
	To        mesh.NodeID `json:"to"`
	LatencyMS float64     `json:"latencyMs"`
	Status    string      `json:"status"`
}

// VizGraph is the renderable form of the mesh, suitable for JSON export to
// dashboards.
type VizGraph struct {
	Nodes      []VizNode       `json:"nodes"`
	Edges      []VizEdge       `json:"edges"`
	Partitions [][]mesh.NodeID `json:"partitions,omitempty"`
	TakenAt    time.Time       `json:"takenAt"`
}

const vizLayoutRadius = 100.0

// VisualizationExport renders the current topology into a VizGraph. Nodes
// are placed on a circle in sorted ID order so successive exports of the
// same mesh are stable frame to frame.
func (n *Node) VisualizationExport() VizGraph {
	snapshot := n.analyzer.Snapshot()

	ids := make([]mesh.NodeID, 0, len(snapshot.Peers))
	for id := range snapshot.Peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	degrees := make(map[mesh.NodeID]int, len(ids))
	for key, conn := range snapshot.Connections {
		if conn.Status != mesh.ConnStatusConnected {
			continue
		}
		degrees[key.A]++
		degrees[key.B]++
	}

	nodes := make([]VizNode, 0, len(ids))
	for i, id := range ids {
		peer := snapshot.Peers[id]
		angle := 2 * math.Pi * float64(i) / float64(len(ids))
		nodes = append(nodes, VizNode{
			ID:           id,
			Status:       string(peer.Status),
			X:            vizLayoutRadius * math.Cos(angle),
			Y:            vizLayoutRadius * math.Sin(angle),
			ActiveAgents: peer.Metadata.ActiveAgents,
			CPUPercent:   peer.Metadata.CPUPercent,
			MemPercent:   peer.Metadata.MemoryPercent,
			Degree:       degrees[id],
		})
	}

	keys := make([]mesh.PairKey, 0, len(snapshot.Connections))
	for key := range snapshot.Connections {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	edges := make([]VizEdge, 0, len(keys))
	for _, key := range keys {
		conn := snapshot.Connections[key]
		edges = append(edges, VizEdge{
			From:      key.A,
			To:        key.B,
			LatencyMS: float64(conn.Latency) / float64(time.Millisecond),
			Status:    string(conn.Status),
		})
	}

	var partitions [][]mesh.NodeID
	if len(snapshot.Partitions) > 1 {
		partitions = snapshot.Partitions
	}

	return VizGraph{
		Nodes:      nodes,
		Edges:      edges,
		Partitions: partitions,
		TakenAt:    snapshot.TakenAt,
	}
}

package topology

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/libs/log"
)

// GraphSource provides a consistent copy of the overlay graph. The mesh
// manager implements it; tests may substitute fixtures.
type GraphSource interface {
	LocalID() mesh.NodeID
	Graph() (map[mesh.NodeID]mesh.Peer, map[mesh.PairKey]mesh.Connection)
	Version() uint64
}

// Config specifies options for an Analyzer.
type Config struct {
	// ExactDiameter switches the diameter metric from the O(N) log-ratio
	// approximation to exact multi-source BFS eccentricity. The exact
	// variant is O(N*E) and changes observable snapshot values, so it is
	// opt-in.
	ExactDiameter bool
}

// Analyzer recomputes structural metrics of the overlay graph on demand.
// Snapshots are cached per graph version: repeated calls without an
// intervening mutation return the same snapshot.
type Analyzer struct {
	logger log.Logger
	source GraphSource
	cfg    Config

	mtx    sync.Mutex
	cached *Snapshot
}

// NewAnalyzer creates a new topology analyzer over the given graph source.
func NewAnalyzer(logger log.Logger, source GraphSource, cfg Config) *Analyzer {
	return &Analyzer{
		logger: logger,
		source: source,
		cfg:    cfg,
	}
}

// Snapshot returns the current topology snapshot, recomputing it only if the
// graph changed since the last call.
func (a *Analyzer) Snapshot() *Snapshot {
	version := a.source.Version()

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.cached != nil && a.cached.Version == version {
		return a.cached
	}

	peers, conns := a.source.Graph()
	snapshot := a.compute(peers, conns)
	snapshot.LocalID = a.source.LocalID()
	snapshot.Version = version
	snapshot.TakenAt = time.Now()

	a.cached = snapshot
	a.logger.Debug("topology snapshot recomputed",
		"nodes", snapshot.TotalNodes,
		"connections", snapshot.ActiveConnections,
		"partitions", len(snapshot.Partitions),
	)
	return snapshot
}

// compute derives all structural metrics from a graph copy.
func (a *Analyzer) compute(peers map[mesh.NodeID]mesh.Peer, conns map[mesh.PairKey]mesh.Connection) *Snapshot {
	adjacency, edges := buildAdjacency(peers, conns)

	n := len(peers)
	snapshot := &Snapshot{
		Peers:             peers,
		Connections:       conns,
		TotalNodes:        n,
		ActiveConnections: len(edges),
	}

	snapshot.MeshDensity = connectivityRatio(n, len(edges))
	snapshot.AverageLatency = averageLatency(conns)
	snapshot.Partitions = components(adjacency)
	snapshot.Clustering = clusteringCoefficient(adjacency)
	snapshot.Redundancy = redundancy(adjacency, edges)

	if a.cfg.ExactDiameter {
		snapshot.Diameter = exactDiameter(adjacency)
	} else {
		snapshot.Diameter = approximateDiameter(n, len(edges))
	}

	return snapshot
}

// buildAdjacency converts the connection table into sorted adjacency lists,
// considering only active links whose endpoints are both registered. The
// returned edge list is sorted by key.
func buildAdjacency(peers map[mesh.NodeID]mesh.Peer, conns map[mesh.PairKey]mesh.Connection) (map[mesh.NodeID][]mesh.NodeID, []mesh.PairKey) {
	adjacency := make(map[mesh.NodeID][]mesh.NodeID, len(peers))
	for id := range peers {
		adjacency[id] = nil
	}

	var edges []mesh.PairKey
	for key, conn := range conns {
		if conn.Status != mesh.ConnStatusConnected {
			continue
		}
		if _, ok := peers[key.A]; !ok {
			continue
		}
		if _, ok := peers[key.B]; !ok {
			continue
		}
		adjacency[key.A] = append(adjacency[key.A], key.B)
		adjacency[key.B] = append(adjacency[key.B], key.A)
		edges = append(edges, key)
	}

	for id := range adjacency {
		neighbors := adjacency[id]
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	return adjacency, edges
}

// connectivityRatio is the fraction of the complete graph realized. A
// single-node network is trivially fully connected; an empty one has no
// connectivity at all.
func connectivityRatio(nodes, edges int) float64 {
	switch {
	case nodes == 0:
		return 0
	case nodes == 1:
		return 1
	}
	possible := float64(nodes*(nodes-1)) / 2
	return float64(edges) / possible
}

func averageLatency(conns map[mesh.PairKey]mesh.Connection) time.Duration {
	var total time.Duration
	count := 0
	for _, conn := range conns {
		if conn.Status != mesh.ConnStatusConnected {
			continue
		}
		total += conn.Latency
		count++
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// approximateDiameter estimates the diameter as ceil(log N / log avgDegree)
// with avgDegree the mean node degree. This is O(N) rather than O(N*E), at
// the cost of accuracy on irregular graphs. Sparse graphs (avgDegree <= 1)
// fall back to the path-graph worst case N-1.
func approximateDiameter(nodes, edges int) int {
	if nodes <= 1 {
		return 0
	}
	avgDegree := 2 * float64(edges) / float64(nodes)
	if avgDegree <= 1 {
		return nodes - 1
	}
	return int(math.Ceil(math.Log(float64(nodes)) / math.Log(avgDegree)))
}

// exactDiameter runs BFS from every node and returns the largest finite
// eccentricity. Disconnected pairs are ignored, so the value is the diameter
// of the largest-diameter component.
func exactDiameter(adjacency map[mesh.NodeID][]mesh.NodeID) int {
	if len(adjacency) <= 1 {
		return 0
	}
	diameter := 0
	for id := range adjacency {
		dist := bfsDistances(adjacency, id)
		for _, d := range dist {
			if d > diameter {
				diameter = d
			}
		}
	}
	return diameter
}

func bfsDistances(adjacency map[mesh.NodeID][]mesh.NodeID, start mesh.NodeID) map[mesh.NodeID]int {
	dist := map[mesh.NodeID]int{start: 0}
	queue := []mesh.NodeID{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[current] + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// components discovers the connected components of the graph via BFS from
// every unvisited node. Each component is sorted by node ID, and components
// are ordered by their first member.
func components(adjacency map[mesh.NodeID][]mesh.NodeID) [][]mesh.NodeID {
	ids := make([]mesh.NodeID, 0, len(adjacency))
	for id := range adjacency {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	visited := make(map[mesh.NodeID]bool, len(ids))
	var result [][]mesh.NodeID
	for _, start := range ids {
		if visited[start] {
			continue
		}
		var component []mesh.NodeID
		queue := []mesh.NodeID{start}
		visited[start] = true
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			component = append(component, current)
			for _, next := range adjacency[current] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		sort.Slice(component, func(i, j int) bool { return component[i] < component[j] })
		result = append(result, component)
	}
	return result
}

// clusteringCoefficient averages, over all nodes of degree >= 2, the ratio of
// closed triangles among each node's neighbors to the maximum possible.
// Nodes of degree < 2 cannot close a triangle and are excluded from the
// average.
func clusteringCoefficient(adjacency map[mesh.NodeID][]mesh.NodeID) float64 {
	total := 0.0
	counted := 0
	for _, neighbors := range adjacency {
		degree := len(neighbors)
		if degree < 2 {
			continue
		}
		links := 0
		for i := 0; i < degree; i++ {
			for j := i + 1; j < degree; j++ {
				if hasEdge(adjacency, neighbors[i], neighbors[j]) {
					links++
				}
			}
		}
		possible := degree * (degree - 1) / 2
		total += float64(links) / float64(possible)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

// redundancy is the mean number of alternate 2-hop paths per existing edge,
// i.e. the mean count of common neighbors over all edges.
func redundancy(adjacency map[mesh.NodeID][]mesh.NodeID, edges []mesh.PairKey) float64 {
	if len(edges) == 0 {
		return 0
	}
	total := 0
	for _, edge := range edges {
		total += commonNeighbors(adjacency[edge.A], adjacency[edge.B])
	}
	return float64(total) / float64(len(edges))
}

// commonNeighbors counts the intersection of two sorted neighbor lists.
func commonNeighbors(a, b []mesh.NodeID) int {
	count := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			count++
			i++
			j++
		}
	}
	return count
}

// hasEdge reports whether v is in u's sorted neighbor list.
func hasEdge(adjacency map[mesh.NodeID][]mesh.NodeID, u, v mesh.NodeID) bool {
	neighbors := adjacency[u]
	idx := sort.Search(len(neighbors), func(i int) bool { return neighbors[i] >= v })
	return idx < len(neighbors) && neighbors[idx] == v
}

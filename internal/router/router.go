package router

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	wr "github.com/mroth/weightedrand"

	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/libs/log"
)

const (
	defaultTTL          = 16
	defaultGossipFanout = 3
)

// Options specifies options for a Router.
type Options struct {
	// HopDelay is the simulated forwarding delay applied per hop, making
	// path length observable in delivery timing. 0 disables the delay.
	HopDelay time.Duration

	// DefaultTTL is the hop budget assigned to new messages. Defaults to
	// 16.
	DefaultTTL int

	// GossipFanout is the number of neighbors a gossip round targets.
	// Defaults to 3.
	GossipFanout int

	// Metrics for the router. Defaults to NopMetrics.
	Metrics *Metrics
}

// Validate validates the options and fills in defaults.
func (o *Options) Validate() error {
	if o.HopDelay < 0 {
		return errors.New("hop delay cannot be negative")
	}
	if o.DefaultTTL < 0 {
		return errors.New("default TTL cannot be negative")
	}
	if o.DefaultTTL == 0 {
		o.DefaultTTL = defaultTTL
	}
	if o.GossipFanout == 0 {
		o.GossipFanout = defaultGossipFanout
	}
	return nil
}

// Router computes paths over the current overlay graph and delivers messages
// along them. Delivery is at-most-once: TTL exhaustion and lossy links drop
// messages silently, and senders must not assume acknowledgment.
type Router struct {
	logger  log.Logger
	metrics *Metrics
	mesh    *mesh.Manager
	options Options

	mtx sync.Mutex
	rng *rand.Rand
}

// NewRouter creates a new router over the given mesh.
func NewRouter(logger log.Logger, meshMgr *mesh.Manager, options Options) (*Router, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		logger:  logger,
		metrics: NopMetrics(),
		mesh:    meshMgr,
		options: options,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // nolint:gosec
	}
	if options.Metrics != nil {
		r.metrics = options.Metrics
	}
	return r, nil
}

// SendUnicast routes a message from one peer to another over the shortest
// path (unweighted hop count, first-found path wins with neighbors visited
// in lexical order, so results are deterministic). It fails with ErrNoRoute
// if the destination is unreachable. A message dropped in flight by TTL
// exhaustion or a lossy link is not an error; the returned message's route
// shows how far it travelled.
func (r *Router) SendUnicast(ctx context.Context, from, to mesh.NodeID, mt MessageType, payload []byte) (*Message, error) {
	for _, id := range []mesh.NodeID{from, to} {
		if _, ok := r.mesh.Peer(id); !ok {
			return nil, mesh.ErrPeerUnknown{ID: id}
		}
	}

	path := r.shortestPath(from, to)
	if path == nil {
		return nil, ErrNoRoute{From: from, To: to}
	}

	msg := NewMessage(mt, from, to, payload, r.options.DefaultTTL)
	for i := 1; i < len(path); i++ {
		if msg.TTL <= 0 {
			r.metrics.MessagesDropped.With("reason", "ttl").Add(1)
			r.logger.Debug("message dropped, TTL exhausted", "msg", msg.ID, "at", path[i-1])
			return msg, nil
		}
		if r.lossy() {
			r.metrics.MessagesDropped.With("reason", "loss").Add(1)
			r.logger.Debug("message lost in flight", "msg", msg.ID, "link", mesh.MakePairKey(path[i-1], path[i]))
			return msg, nil
		}
		if err := r.hopDelay(ctx); err != nil {
			return nil, err
		}

		r.mesh.RecordSend(path[i-1], path[i])
		r.mesh.RecordReceive(path[i-1], path[i])
		msg.advance(path[i])
	}

	r.metrics.MessagesRouted.With("type", string(mt)).Add(1)
	r.metrics.MessageHops.Observe(float64(msg.HopCount))
	r.logger.Debug("message delivered", "msg", msg.ID, "hops", msg.HopCount)
	return msg, nil
}

// Broadcast delivers a message to every directly connected neighbor of the
// sender that is not already on the message's route. Delivery is
// best-effort: a partitioned graph yields partial reach and lossy links drop
// individual deliveries, neither of which is an error. It returns the
// message and the neighbors actually reached.
func (r *Router) Broadcast(ctx context.Context, from mesh.NodeID, mt MessageType, payload []byte) (*Message, []mesh.NodeID, error) {
	msg := NewMessage(mt, from, BroadcastDestination, payload, r.options.DefaultTTL)
	delivered, err := r.deliverDirect(ctx, msg, r.mesh.Neighbors(from))
	if err != nil {
		return nil, nil, err
	}
	return msg, delivered, nil
}

// Gossip disseminates a message to a bounded random selection of the
// sender's neighbors, favoring low-latency links. Like Broadcast it is
// best-effort and returns the neighbors actually reached.
func (r *Router) Gossip(ctx context.Context, from mesh.NodeID, mt MessageType, payload []byte) (*Message, []mesh.NodeID, error) {
	msg := NewMessage(mt, from, BroadcastDestination, payload, r.options.DefaultTTL)
	targets, err := r.gossipTargets(from)
	if err != nil {
		return nil, nil, err
	}
	delivered, err := r.deliverDirect(ctx, msg, targets)
	if err != nil {
		return nil, nil, err
	}
	return msg, delivered, nil
}

// deliverDirect fans a message out one hop to the given targets, skipping
// nodes already on the route. Deliveries run concurrently, each paying the
// per-hop delay.
func (r *Router) deliverDirect(ctx context.Context, msg *Message, targets []mesh.NodeID) ([]mesh.NodeID, error) {
	if _, ok := r.mesh.Peer(msg.Source); !ok {
		return nil, mesh.ErrPeerUnknown{ID: msg.Source}
	}
	if msg.TTL <= 0 {
		r.metrics.MessagesDropped.With("reason", "ttl").Add(1)
		return nil, nil
	}

	var (
		mtx       sync.Mutex
		delivered []mesh.NodeID
	)
	g := taskgroup.New(nil)
	for _, target := range targets {
		target := target
		if msg.Visited(target) {
			continue
		}
		g.Go(func() error {
			if r.lossy() {
				r.metrics.MessagesDropped.With("reason", "loss").Add(1)
				return nil
			}
			if err := r.hopDelay(ctx); err != nil {
				return nil
			}
			r.mesh.RecordSend(msg.Source, target)
			r.mesh.RecordReceive(msg.Source, target)

			mtx.Lock()
			delivered = append(delivered, target)
			mtx.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(delivered, func(i, j int) bool { return delivered[i] < delivered[j] })
	msg.TTL--
	msg.HopCount = 1
	msg.Route = append(msg.Route, delivered...)

	r.metrics.MessagesRouted.With("type", string(msg.Type)).Add(float64(len(delivered)))
	r.logger.Debug("message fanned out", "msg", msg.ID, "reached", len(delivered))
	return delivered, nil
}

// gossipTargets picks up to GossipFanout distinct neighbors of from, with
// selection probability weighted by inverse link latency.
func (r *Router) gossipTargets(from mesh.NodeID) ([]mesh.NodeID, error) {
	neighbors := r.mesh.Neighbors(from)
	if len(neighbors) <= r.options.GossipFanout {
		return neighbors, nil
	}

	choices := make([]wr.Choice, 0, len(neighbors))
	for _, id := range neighbors {
		weight := uint(1)
		if conn, ok := r.mesh.Connection(from, id); ok {
			ms := float64(conn.Latency) / float64(time.Millisecond)
			weight = uint(1000/(1+ms)) + 1
		}
		choices = append(choices, wr.Choice{Item: id, Weight: weight})
	}
	chooser, err := wr.NewChooser(choices...)
	if err != nil {
		return nil, err
	}

	picked := make(map[mesh.NodeID]bool, r.options.GossipFanout)
	var targets []mesh.NodeID
	r.mtx.Lock()
	for attempts := 0; len(targets) < r.options.GossipFanout && attempts < 10*r.options.GossipFanout; attempts++ {
		id := chooser.PickSource(r.rng).(mesh.NodeID)
		if !picked[id] {
			picked[id] = true
			targets = append(targets, id)
		}
	}
	r.mtx.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets, nil
}

// shortestPath runs BFS over the active connection graph and returns the
// node sequence from -> ... -> to, or nil if to is unreachable. Neighbor
// lists are sorted, so among equal-length paths the lexically first is
// found.
func (r *Router) shortestPath(from, to mesh.NodeID) []mesh.NodeID {
	if from == to {
		return []mesh.NodeID{from}
	}

	peers, conns := r.mesh.Graph()
	adjacency := make(map[mesh.NodeID][]mesh.NodeID, len(peers))
	for key, conn := range conns {
		if conn.Status != mesh.ConnStatusConnected {
			continue
		}
		adjacency[key.A] = append(adjacency[key.A], key.B)
		adjacency[key.B] = append(adjacency[key.B], key.A)
	}
	for id := range adjacency {
		neighbors := adjacency[id]
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
	}

	parent := map[mesh.NodeID]mesh.NodeID{from: from}
	queue := []mesh.NodeID{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = current
			if next == to {
				return reconstructPath(parent, from, to)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func reconstructPath(parent map[mesh.NodeID]mesh.NodeID, from, to mesh.NodeID) []mesh.NodeID {
	var path []mesh.NodeID
	for current := to; ; current = parent[current] {
		path = append(path, current)
		if current == from {
			break
		}
	}
	// reverse in place
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// lossy samples the global loss rate.
func (r *Router) lossy() bool {
	rate := r.mesh.LossRate()
	if rate <= 0 {
		return false
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.rng.Float64() < rate
}

// hopDelay waits the configured per-hop forwarding delay, honoring
// cancellation.
func (r *Router) hopDelay(ctx context.Context) error {
	if r.options.HopDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(r.options.HopDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

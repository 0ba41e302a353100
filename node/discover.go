package node

import (
	"context"
	"sort"
	"sync"

	"github.com/creachadair/taskgroup"

	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/internal/router"
)

// Discover walks the connected mesh breadth-first from the local node,
// sending a discovery probe down each unexplored link and refreshing the
// last-seen timestamp of every peer reached. It returns the reachable peer
// IDs in the order they were found. The walk stops early when ctx expires.
func (n *Node) Discover(ctx context.Context) ([]mesh.NodeID, error) {
	self := n.mesh.SelfID()
	visited := map[mesh.NodeID]bool{self: true}
	queue := []mesh.NodeID{self}

	var found []mesh.NodeID
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		current := queue[0]
		queue = queue[1:]

		for _, neighbor := range n.mesh.Neighbors(current) {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			n.mesh.Touch(neighbor)
			found = append(found, neighbor)
			queue = append(queue, neighbor)
		}
	}

	if len(found) > 0 {
		if _, _, err := n.router.Broadcast(ctx, self, router.MessageTypeDiscovery, nil); err != nil {
			return found, err
		}
	}
	return found, nil
}

// Sync fans a metadata refresh out to every direct neighbor in parallel and
// returns the IDs that acknowledged, sorted. Unreachable neighbors are
// skipped rather than failing the whole sync.
func (n *Node) Sync(ctx context.Context) ([]mesh.NodeID, error) {
	self := n.mesh.SelfID()
	neighbors := n.mesh.Neighbors(self)

	var (
		mtx    sync.Mutex
		synced []mesh.NodeID
	)
	g := taskgroup.New(nil)
	for _, neighbor := range neighbors {
		neighbor := neighbor
		g.Go(func() error {
			if _, err := n.router.SendUnicast(ctx, self, neighbor, router.MessageTypeSync, nil); err != nil {
				n.logger.Debug("sync skipped unreachable neighbor", "peer", neighbor, "err", err)
				return nil
			}
			n.mesh.Touch(neighbor)
			mtx.Lock()
			synced = append(synced, neighbor)
			mtx.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(synced, func(i, j int) bool { return synced[i] < synced[j] })
	return synced, ctx.Err()
}

package router

import (
	"fmt"

	"github.com/agentmesh/meshnet/internal/mesh"
)

// ErrNoRoute is returned by unicast routing when the destination is
// unreachable from the source.
type ErrNoRoute struct {
	From mesh.NodeID
	To   mesh.NodeID
}

func (e ErrNoRoute) Error() string {
	return fmt.Sprintf("no route from %q to %q", e.From, e.To)
}

package mesh

import (
	"fmt"
)

// ErrPeerUnknown is returned when an operation references a peer ID that is
// not present in the registry.
type ErrPeerUnknown struct {
	ID NodeID
}

func (e ErrPeerUnknown) Error() string {
	return fmt.Sprintf("unknown peer %q", e.ID)
}

// ErrDuplicateRegistration is returned by JoinStrict when the peer is already
// registered and still connected. The lenient Join treats re-registration as
// a metadata refresh instead.
type ErrDuplicateRegistration struct {
	ID NodeID
}

func (e ErrDuplicateRegistration) Error() string {
	return fmt.Sprintf("peer %q is already registered", e.ID)
}

// ErrSelfConnection is returned when a link would loop a node back to itself.
type ErrSelfConnection struct {
	ID NodeID
}

func (e ErrSelfConnection) Error() string {
	return fmt.Sprintf("cannot connect peer %q to itself", e.ID)
}

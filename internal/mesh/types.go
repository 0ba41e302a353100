package mesh

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NodeID is the unique identifier of a node in the overlay.
type NodeID string

// Validate checks that the node ID is well formed.
func (id NodeID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty node ID")
	case len(id) > maxNodeIDLength:
		return fmt.Errorf("node ID %q is too long (max %d)", id, maxNodeIDLength)
	}
	return nil
}

const maxNodeIDLength = 64

// PeerStatus is the observed status of a peer node.
type PeerStatus string

const (
	PeerStatusConnected    PeerStatus = "connected"
	PeerStatusDisconnected PeerStatus = "disconnected"
)

// MetadataVersion identifies the current PeerMetadata schema. New fields must
// be appended together with a version bump so that records persisted by older
// binaries remain decodable; absent fields decode to their zero values.
const MetadataVersion = 1

// PeerMetadata is the fixed, versioned metadata record advertised by a peer.
// It is refreshed on every heartbeat or sync exchange.
type PeerMetadata struct {
	Version       int      `json:"version"`
	ActiveAgents  int      `json:"activeAgents"`
	CPUPercent    float64  `json:"cpuPercent"`
	MemoryPercent float64  `json:"memoryPercent"`
	LatencyMS     float64  `json:"latencyMs"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Peer is a participant in the overlay network.
type Peer struct {
	ID        NodeID       `json:"id"`
	Addresses []string     `json:"addresses,omitempty"`
	Protocols []string     `json:"protocols,omitempty"`
	Status    PeerStatus   `json:"status"`
	Metadata  PeerMetadata `json:"metadata"`
	LastSeen  time.Time    `json:"lastSeen"`
}

// Validate checks that the peer record is well formed.
func (p Peer) Validate() error {
	if err := p.ID.Validate(); err != nil {
		return err
	}
	if p.Metadata.Version > MetadataVersion {
		return fmt.Errorf("peer %q advertises unknown metadata version %d", p.ID, p.Metadata.Version)
	}
	return nil
}

// Copy returns a deep copy of the peer record.
func (p Peer) Copy() Peer {
	c := p
	c.Addresses = append([]string(nil), p.Addresses...)
	c.Protocols = append([]string(nil), p.Protocols...)
	c.Metadata.Capabilities = append([]string(nil), p.Metadata.Capabilities...)
	return c
}

// ConnStatus is the status of a logical link.
type ConnStatus string

const (
	ConnStatusConnecting   ConnStatus = "connecting"
	ConnStatusConnected    ConnStatus = "connected"
	ConnStatusDisconnected ConnStatus = "disconnected"
	ConnStatusError        ConnStatus = "error"
)

// PairKey identifies an undirected link by its lexically ordered endpoint
// pair. It serializes as "a|b" so it can key JSON maps.
type PairKey struct {
	A NodeID
	B NodeID
}

// MakePairKey builds the canonical key for the link between two nodes.
func MakePairKey(a, b NodeID) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// Contains reports whether the link touches the given node.
func (k PairKey) Contains(id NodeID) bool {
	return k.A == id || k.B == id
}

// Other returns the endpoint opposite to id, which must be one of the two
// endpoints.
func (k PairKey) Other(id NodeID) NodeID {
	if k.A == id {
		return k.B
	}
	return k.A
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s<->%s", k.A, k.B)
}

// MarshalText implements encoding.TextMarshaler.
func (k PairKey) MarshalText() ([]byte, error) {
	return []byte(string(k.A) + "|" + string(k.B)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PairKey) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), "|", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid pair key %q", text)
	}
	*k = MakePairKey(NodeID(parts[0]), NodeID(parts[1]))
	return nil
}

// Connection is a logical link record between two peers.
type Connection struct {
	Peers         PairKey       `json:"peers"`
	Status        ConnStatus    `json:"status"`
	Latency       time.Duration `json:"latency"`
	BandwidthKBps float64       `json:"bandwidthKBps"`
	EstablishedAt time.Time     `json:"establishedAt"`
	LastActivity  time.Time     `json:"lastActivity"`
	Sent          uint64        `json:"sent"`
	Received      uint64        `json:"received"`
}

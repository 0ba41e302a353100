package router

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/meshnet/internal/mesh"
)

// MessageType classifies overlay messages.
type MessageType string

const (
	MessageTypeDiscovery MessageType = "discovery"
	MessageTypeSync      MessageType = "sync"
	MessageTypeData      MessageType = "data"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeBroadcast MessageType = "broadcast"
)

// BroadcastDestination is the destination marker for broadcast and gossip
// messages.
const BroadcastDestination mesh.NodeID = "*"

// Message is an overlay message. The payload is opaque to the router. A
// message is immutable after delivery except for its route and hop count,
// which grow as it is forwarded; hops are appended strictly in causal order.
type Message struct {
	ID          string        `json:"id"`
	Type        MessageType   `json:"type"`
	Source      mesh.NodeID   `json:"source"`
	Destination mesh.NodeID   `json:"destination"`
	Timestamp   time.Time     `json:"timestamp"`
	Payload     []byte        `json:"payload,omitempty"`
	HopCount    int           `json:"hopCount"`
	TTL         int           `json:"ttl"`
	Route       []mesh.NodeID `json:"route"`
}

// NewMessage creates a message originating at source. The route starts with
// the source itself.
func NewMessage(mt MessageType, source, destination mesh.NodeID, payload []byte, ttl int) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Type:        mt,
		Source:      source,
		Destination: destination,
		Timestamp:   time.Now(),
		Payload:     payload,
		TTL:         ttl,
		Route:       []mesh.NodeID{source},
	}
}

// Visited reports whether the message has already passed through the given
// node.
func (m *Message) Visited(id mesh.NodeID) bool {
	for _, hop := range m.Route {
		if hop == id {
			return true
		}
	}
	return false
}

// advance records a forwarding hop: the TTL is spent, the hop count grows and
// the visited node is appended to the route.
func (m *Message) advance(to mesh.NodeID) {
	m.TTL--
	m.HopCount++
	m.Route = append(m.Route, to)
}

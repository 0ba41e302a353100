package mesh

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
)

// peerStore stores peer records in an in-memory map backed by a database for
// durability. It is not thread-safe; the Manager serializes access through
// its mutex. Connection records are runtime state and are not persisted.
type peerStore struct {
	db    dbm.DB
	peers map[NodeID]*Peer
}

// newPeerStore creates a new peer store, loading all persisted peers from the
// database into memory.
func newPeerStore(db dbm.DB) (*peerStore, error) {
	store := &peerStore{db: db}
	if err := store.loadPeers(); err != nil {
		return nil, err
	}
	return store, nil
}

// loadPeers loads all peers from the database into memory.
func (s *peerStore) loadPeers() error {
	peers := map[NodeID]*Peer{}

	start, end := keyPeerRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		peer := new(Peer)
		if err := json.Unmarshal(iter.Value(), peer); err != nil {
			return fmt.Errorf("invalid peer record: %w", err)
		}
		if err := peer.Validate(); err != nil {
			return fmt.Errorf("invalid peer record: %w", err)
		}
		peers[peer.ID] = peer
	}
	if iter.Error() != nil {
		return iter.Error()
	}
	s.peers = peers
	return nil
}

// Get fetches a peer. The boolean indicates whether the peer existed or not.
// The returned peer is a copy and can be mutated at will.
func (s *peerStore) Get(id NodeID) (Peer, bool) {
	peer, ok := s.peers[id]
	if !ok {
		return Peer{}, false
	}
	return peer.Copy(), true
}

// Set stores peer data. The input is copied and can safely be reused by the
// caller.
func (s *peerStore) Set(peer Peer) error {
	if err := peer.Validate(); err != nil {
		return err
	}
	peer = peer.Copy()

	bz, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	if err = s.db.Set(keyPeer(peer.ID), bz); err != nil {
		return err
	}

	s.peers[peer.ID] = &peer
	return nil
}

// Delete deletes a peer, or does nothing if it does not exist.
func (s *peerStore) Delete(id NodeID) error {
	if _, ok := s.peers[id]; !ok {
		return nil
	}
	delete(s.peers, id)
	return s.db.Delete(keyPeer(id))
}

// List retrieves all peers ordered by ID. The returned data is a copy and can
// be mutated at will.
func (s *peerStore) List() []Peer {
	peers := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer.Copy())
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Size returns the number of peers in the store.
func (s *peerStore) Size() int {
	return len(s.peers)
}

// Database key prefixes.
const (
	prefixPeer int64 = 1
)

// keyPeer generates a peer database key.
func keyPeer(id NodeID) []byte {
	key, err := orderedcode.Append(nil, prefixPeer, string(id))
	if err != nil {
		panic(err)
	}
	return key
}

// keyPeerRange generates start/end keys for the entire peer key range.
func keyPeerRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixPeer, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixPeer, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}

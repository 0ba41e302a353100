package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	dbm "github.com/tendermint/tm-db"

	"github.com/agentmesh/meshnet/libs/log"
)

// UpdateOp identifies the kind of graph mutation carried by a
// TopologyUpdate.
type UpdateOp string

const (
	OpPeerJoined UpdateOp = "peer-joined"
	OpPeerLeft   UpdateOp = "peer-left"
	OpLinkUp     UpdateOp = "link-up"
	OpLinkDown   UpdateOp = "link-down"
)

// TopologyUpdate is a graph mutation event sent to subscribers. Consumers
// use it as an invalidation signal and pull a fresh snapshot, rather than
// reconstructing state from the events themselves.
type TopologyUpdate struct {
	Op   UpdateOp
	Peer NodeID
	Link PairKey
}

// Subscription is a bounded topology update subscription. Updates are
// dropped, not blocked on, when the subscriber falls behind; the subscriber
// must call Close when done.
type Subscription struct {
	updatesCh chan TopologyUpdate
	closeOnce sync.Once
	closedCh  chan struct{}
}

// Updates returns the channel for consuming topology updates.
func (s *Subscription) Updates() <-chan TopologyUpdate {
	return s.updatesCh
}

// Done returns a channel that is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.closedCh
}

// Close closes the subscription. It is safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.closedCh) })
}

// ManagerOptions specifies options for a Manager.
type ManagerOptions struct {
	// MaxPeers is the maximum number of peers to track. 0 means no limit.
	// Join fails once the limit is reached.
	MaxPeers uint16

	// HandshakeDelay is the simulated handshake duration observed by
	// Connect before the link is established. 0 disables the delay.
	HandshakeDelay time.Duration

	// SubscriptionBuffer is the buffer size of topology update
	// subscriptions. Defaults to 64.
	SubscriptionBuffer int

	// Metrics for the mesh. Defaults to NopMetrics.
	Metrics *Metrics
}

// Validate validates the options.
func (o *ManagerOptions) Validate() error {
	if o.HandshakeDelay < 0 {
		return errors.New("handshake delay cannot be negative")
	}
	if o.SubscriptionBuffer < 0 {
		return errors.New("subscription buffer cannot be negative")
	}
	return nil
}

const defaultSubscriptionBuffer = 64

// Manager owns the local node's view of the overlay: the peer registry and
// the connection table. It is the single contended resource of the engine;
// every mutation is serialized through its mutex so that the connection table
// can never reference an unregistered peer. Reads hand out copies, so
// callers never observe a half-applied mutation.
//
// The peer registry is durable (backed by the given database, reloaded on
// construction), while connections are runtime state rebuilt by the overlay
// after a restart.
type Manager struct {
	selfID  NodeID
	logger  log.Logger
	metrics *Metrics
	latency LatencySource
	options ManagerOptions

	mtx           sync.Mutex
	store         *peerStore
	conns         map[PairKey]*Connection
	lossRate      float64
	version       uint64 // bumped on every graph mutation
	subscriptions map[*Subscription]*Subscription
}

// NewManager creates a new mesh manager for the given local node ID. Peers
// previously persisted to the database are loaded back into the registry.
func NewManager(logger log.Logger, selfID NodeID, peerDB dbm.DB, latency LatencySource, options ManagerOptions) (*Manager, error) {
	if err := selfID.Validate(); err != nil {
		return nil, err
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if latency == nil {
		latency = FixedLatency(0)
	}
	if options.SubscriptionBuffer == 0 {
		options.SubscriptionBuffer = defaultSubscriptionBuffer
	}

	store, err := newPeerStore(peerDB)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		selfID:  selfID,
		logger:  logger,
		metrics: NopMetrics(),
		latency: latency,
		options: options,

		store:         store,
		conns:         map[PairKey]*Connection{},
		subscriptions: map[*Subscription]*Subscription{},
	}
	if options.Metrics != nil {
		m.metrics = options.Metrics
	}
	m.metrics.Peers.Set(float64(store.Size()))

	return m, nil
}

// SelfID returns the local node ID.
func (m *Manager) SelfID() NodeID { return m.selfID }

// LocalID implements the topology GraphSource contract.
func (m *Manager) LocalID() NodeID { return m.selfID }

// Join registers a peer. Re-joining an already-known peer is treated as a
// metadata refresh: the stored record is updated in place and no error is
// returned. The stored peer is returned in both cases.
func (m *Manager) Join(peer Peer) (Peer, error) {
	return m.join(peer, false)
}

// JoinStrict registers a peer like Join, but fails with
// ErrDuplicateRegistration if the peer is already registered and still
// connected.
func (m *Manager) JoinStrict(peer Peer) (Peer, error) {
	return m.join(peer, true)
}

func (m *Manager) join(peer Peer, strict bool) (Peer, error) {
	if err := peer.Validate(); err != nil {
		return Peer{}, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	current, exists := m.store.Get(peer.ID)
	if exists {
		if strict && current.Status == PeerStatusConnected {
			return Peer{}, ErrDuplicateRegistration{ID: peer.ID}
		}
		current.Addresses = mergeStrings(current.Addresses, peer.Addresses)
		current.Protocols = mergeStrings(current.Protocols, peer.Protocols)
		current.Metadata = peer.Metadata
		current.Status = PeerStatusConnected
		current.LastSeen = time.Now()
		if err := m.store.Set(current); err != nil {
			return Peer{}, err
		}
		m.bumpLocked()
		return current, nil
	}

	if m.options.MaxPeers > 0 && m.store.Size() >= int(m.options.MaxPeers) {
		return Peer{}, errors.New("peer registry is full")
	}

	peer = peer.Copy()
	peer.Status = PeerStatusConnected
	if peer.LastSeen.IsZero() {
		peer.LastSeen = time.Now()
	}
	if peer.Metadata.Version == 0 {
		peer.Metadata.Version = MetadataVersion
	}
	if err := m.store.Set(peer); err != nil {
		return Peer{}, err
	}

	m.metrics.Peers.Set(float64(m.store.Size()))
	m.bumpLocked()
	m.publishLocked(TopologyUpdate{Op: OpPeerJoined, Peer: peer.ID})
	m.logger.Debug("peer joined", "peer", peer.ID)

	return peer, nil
}

// Leave removes a peer and all connections referencing it. It is a no-op if
// the peer is absent.
func (m *Manager) Leave(id NodeID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.store.Get(id); !ok {
		return nil
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	for key := range m.conns {
		if key.Contains(id) {
			delete(m.conns, key)
		}
	}

	m.metrics.Peers.Set(float64(m.store.Size()))
	m.metrics.Connections.Set(float64(len(m.conns)))
	m.bumpLocked()
	m.publishLocked(TopologyUpdate{Op: OpPeerLeft, Peer: id})
	m.logger.Debug("peer left", "peer", id)

	return nil
}

// Connect establishes a logical link between two registered peers. The
// handshake is modeled as an observable delay, and the link's latency
// estimate is recorded into the connection record where the topology
// analyzer picks it up. Connecting an already-linked pair refreshes the
// latency estimate instead of failing.
func (m *Manager) Connect(ctx context.Context, a, b NodeID) (Connection, error) {
	if a == b {
		return Connection{}, ErrSelfConnection{ID: a}
	}

	m.mtx.Lock()
	for _, id := range []NodeID{a, b} {
		if _, ok := m.store.Get(id); !ok {
			m.mtx.Unlock()
			return Connection{}, ErrPeerUnknown{ID: id}
		}
	}
	m.mtx.Unlock()

	// Handshake happens outside the lock so that slow link establishment
	// does not stall reads or other writers.
	if delay := m.options.HandshakeDelay; delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Connection{}, ctx.Err()
		}
	}

	latency := m.latency.Estimate(a, b)
	now := time.Now()

	m.mtx.Lock()
	defer m.mtx.Unlock()

	// Re-check registration: a peer may have left during the handshake.
	for _, id := range []NodeID{a, b} {
		if _, ok := m.store.Get(id); !ok {
			return Connection{}, ErrPeerUnknown{ID: id}
		}
	}

	key := MakePairKey(a, b)
	if conn, ok := m.conns[key]; ok {
		conn.Status = ConnStatusConnected
		conn.Latency = latency
		conn.LastActivity = now
		return *conn, nil
	}

	conn := &Connection{
		Peers:         key,
		Status:        ConnStatusConnected,
		Latency:       latency,
		BandwidthKBps: bandwidthEstimate(latency),
		EstablishedAt: now,
		LastActivity:  now,
	}
	m.conns[key] = conn

	m.metrics.Connections.Set(float64(len(m.conns)))
	m.bumpLocked()
	m.publishLocked(TopologyUpdate{Op: OpLinkUp, Link: key})
	m.logger.Debug("link established", "link", key, "latency", latency)

	return *conn, nil
}

// Disconnect removes the link between two peers in both directions. It is a
// no-op if no link exists.
func (m *Manager) Disconnect(a, b NodeID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.severLocked(MakePairKey(a, b))
}

func (m *Manager) severLocked(key PairKey) {
	if _, ok := m.conns[key]; !ok {
		return
	}
	delete(m.conns, key)
	m.metrics.Connections.Set(float64(len(m.conns)))
	m.bumpLocked()
	m.publishLocked(TopologyUpdate{Op: OpLinkDown, Link: key})
	m.logger.Debug("link severed", "link", key)
}

// Peer fetches a copy of a peer record.
func (m *Manager) Peer(id NodeID) (Peer, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.store.Get(id)
}

// Peers lists all registered peers ordered by ID.
func (m *Manager) Peers() []Peer {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.store.List()
}

// Connection fetches a copy of the link record between two peers.
func (m *Manager) Connection(a, b NodeID) (Connection, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	conn, ok := m.conns[MakePairKey(a, b)]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Connections lists all link records ordered by key.
func (m *Manager) Connections() []Connection {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	conns := make([]Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, *conn)
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].Peers.A != conns[j].Peers.A {
			return conns[i].Peers.A < conns[j].Peers.A
		}
		return conns[i].Peers.B < conns[j].Peers.B
	})
	return conns
}

// Neighbors returns the IDs of all peers directly linked to id through an
// active connection, in lexical order. The ordering makes path discovery
// deterministic.
func (m *Manager) Neighbors(id NodeID) []NodeID {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.neighborsLocked(id)
}

func (m *Manager) neighborsLocked(id NodeID) []NodeID {
	var neighbors []NodeID
	for key, conn := range m.conns {
		if conn.Status != ConnStatusConnected || !key.Contains(id) {
			continue
		}
		neighbors = append(neighbors, key.Other(id))
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
	return neighbors
}

// Graph returns a consistent copy of the peer and connection maps for the
// topology analyzer. The copy is safe to read without further
// synchronization.
func (m *Manager) Graph() (map[NodeID]Peer, map[PairKey]Connection) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	peers := make(map[NodeID]Peer, m.store.Size())
	for _, peer := range m.store.List() {
		peers[peer.ID] = peer
	}
	conns := make(map[PairKey]Connection, len(m.conns))
	for key, conn := range m.conns {
		conns[key] = *conn
	}
	return peers, conns
}

// Version returns the current graph version. It is bumped on every mutation
// and lets snapshot consumers cheaply detect staleness.
func (m *Manager) Version() uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.version
}

// RecordSend bumps the sent counter and activity time on the link between
// two peers. It is a no-op if no link exists.
func (m *Manager) RecordSend(a, b NodeID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if conn, ok := m.conns[MakePairKey(a, b)]; ok {
		conn.Sent++
		conn.LastActivity = time.Now()
	}
}

// RecordReceive bumps the received counter and activity time on the link
// between two peers, and refreshes the receiver's last-seen time.
func (m *Manager) RecordReceive(a, b NodeID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if conn, ok := m.conns[MakePairKey(a, b)]; ok {
		conn.Received++
		conn.LastActivity = time.Now()
	}
	if peer, ok := m.store.Get(b); ok {
		peer.LastSeen = time.Now()
		_ = m.store.Set(peer)
	}
}

// Touch refreshes a peer's last-seen time, as done on every heartbeat.
func (m *Manager) Touch(id NodeID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if peer, ok := m.store.Get(id); ok {
		peer.LastSeen = time.Now()
		_ = m.store.Set(peer)
	}
}

// PruneStale removes peers that have not been seen for longer than maxAge,
// together with their links. It returns the removed peer IDs.
func (m *Manager) PruneStale(maxAge time.Duration) []NodeID {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var pruned []NodeID
	for _, peer := range m.store.List() {
		if peer.LastSeen.After(cutoff) {
			continue
		}
		if err := m.store.Delete(peer.ID); err != nil {
			m.logger.Error("failed to prune peer", "peer", peer.ID, "err", err)
			continue
		}
		for key := range m.conns {
			if key.Contains(peer.ID) {
				delete(m.conns, key)
			}
		}
		pruned = append(pruned, peer.ID)
	}
	if len(pruned) > 0 {
		m.metrics.Peers.Set(float64(m.store.Size()))
		m.metrics.Connections.Set(float64(len(m.conns)))
		m.bumpLocked()
		for _, id := range pruned {
			m.publishLocked(TopologyUpdate{Op: OpPeerLeft, Peer: id})
		}
		m.logger.Info("pruned stale peers", "count", len(pruned))
	}
	return pruned
}

// SetPeerStatus overrides a peer's status. Used by the fault manager to mark
// failed nodes.
func (m *Manager) SetPeerStatus(id NodeID, status PeerStatus) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	peer, ok := m.store.Get(id)
	if !ok {
		return ErrPeerUnknown{ID: id}
	}
	peer.Status = status
	if err := m.store.Set(peer); err != nil {
		return err
	}
	m.bumpLocked()
	return nil
}

// SeverPeerLinks removes every link touching the given peer and returns the
// removed keys so that a recovery procedure can restore them.
func (m *Manager) SeverPeerLinks(id NodeID) []PairKey {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var severed []PairKey
	for key := range m.conns {
		if key.Contains(id) {
			severed = append(severed, key)
		}
	}
	sort.Slice(severed, func(i, j int) bool {
		if severed[i].A != severed[j].A {
			return severed[i].A < severed[j].A
		}
		return severed[i].B < severed[j].B
	})
	for _, key := range severed {
		m.severLocked(key)
	}
	return severed
}

// SetLinkLatency overrides the latency estimate recorded on a link.
func (m *Manager) SetLinkLatency(a, b NodeID, latency time.Duration) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if conn, ok := m.conns[MakePairKey(a, b)]; ok {
		conn.Latency = latency
		m.bumpLocked()
	}
}

// ScaleLatencies multiplies every recorded link latency by the given factor.
// The fault manager uses it both to inject latency spikes (factor > 1) and to
// relax them back toward baseline (factor < 1).
func (m *Manager) ScaleLatencies(factor float64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, conn := range m.conns {
		conn.Latency = time.Duration(float64(conn.Latency) * factor)
	}
	m.bumpLocked()
}

// SetLossRate sets the global message loss rate in [0, 1].
func (m *Manager) SetLossRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.lossRate = rate
	m.metrics.LossRate.Set(rate)
}

// LossRate returns the global message loss rate.
func (m *Manager) LossRate() float64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.lossRate
}

// Subscribe returns a bounded subscription to topology updates. The caller
// must Close it when done.
func (m *Manager) Subscribe() *Subscription {
	sub := &Subscription{
		updatesCh: make(chan TopologyUpdate, m.options.SubscriptionBuffer),
		closedCh:  make(chan struct{}),
	}

	m.mtx.Lock()
	m.subscriptions[sub] = sub
	m.mtx.Unlock()

	go func() {
		<-sub.closedCh
		m.mtx.Lock()
		delete(m.subscriptions, sub)
		m.mtx.Unlock()
	}()

	return sub
}

// publishLocked fans an update out to all subscribers without blocking:
// subscribers that have fallen behind lose updates, which is acceptable since
// updates are pure invalidation signals.
func (m *Manager) publishLocked(update TopologyUpdate) {
	for _, sub := range m.subscriptions {
		select {
		case sub.updatesCh <- update:
		case <-sub.closedCh:
		default:
			m.logger.Debug("dropping topology update for slow subscriber", "op", update.Op)
		}
	}
}

func (m *Manager) bumpLocked() {
	m.version++
}

// mergeStrings appends the elements of add not already present in base.
func mergeStrings(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			base = append(base, s)
			seen[s] = true
		}
	}
	return base
}

// bandwidthEstimate derives a rough bandwidth figure from a latency
// estimate. Links are logical, so this only needs to vary plausibly with
// latency for the health and visualization surfaces.
func bandwidthEstimate(latency time.Duration) float64 {
	ms := float64(latency) / float64(time.Millisecond)
	return 100_000 / (1 + ms)
}

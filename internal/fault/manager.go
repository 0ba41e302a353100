package fault

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	dbm "github.com/tendermint/tm-db"

	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/internal/topology"
	"github.com/agentmesh/meshnet/libs/log"
)

const (
	defaultRecoveryTimeout = time.Second
	defaultRecoveryRetries = 3
	defaultInjectedLoss    = 0.3
)

// Options specifies options for a fault Manager.
type Options struct {
	// RecoveryTimeout bounds a single Recover call. Defaults to 1s.
	RecoveryTimeout time.Duration

	// RecoveryRetries is how many times Recover re-attempts bridging
	// before surfacing ErrRecoveryTimeout. Defaults to 3.
	RecoveryRetries int

	// InjectedLossRate is the loss rate installed by a message-loss
	// fault. Defaults to 0.3.
	InjectedLossRate float64

	// EscalationThreshold is recorded into each episode's recovery
	// strategy.
	EscalationThreshold int

	// Metrics for the fault manager. Defaults to NopMetrics.
	Metrics *Metrics
}

// Validate validates the options and fills in defaults.
func (o *Options) Validate() error {
	if o.RecoveryTimeout < 0 {
		return errors.New("recovery timeout cannot be negative")
	}
	if o.RecoveryTimeout == 0 {
		o.RecoveryTimeout = defaultRecoveryTimeout
	}
	if o.RecoveryRetries < 0 {
		return errors.New("recovery retries cannot be negative")
	}
	if o.RecoveryRetries == 0 {
		o.RecoveryRetries = defaultRecoveryRetries
	}
	if o.InjectedLossRate < 0 || o.InjectedLossRate > 1 {
		return errors.New("injected loss rate must be in [0,1]")
	}
	if o.InjectedLossRate == 0 {
		o.InjectedLossRate = defaultInjectedLoss
	}
	return nil
}

// Manager injects and detects network faults and drives bounded-time
// recovery. Each partition episode moves through the states
// stable -> detected -> recovering -> resolved; resolved episodes are kept
// in order for audit and persisted to the audit store.
type Manager struct {
	logger   log.Logger
	metrics  *Metrics
	mesh     *mesh.Manager
	analyzer *topology.Analyzer
	store    *auditStore
	options  Options

	mtx      sync.Mutex
	episodes []*Partition                   // monotone append, never reordered
	failed   map[mesh.NodeID][]mesh.PairKey // links severed by node-failure, for restoration
	loss     bool                           // message-loss fault active
	inflated bool                           // latency-spike fault active
	rng      *rand.Rand
}

// NewManager creates a new fault manager operating on the given mesh and
// analyzer. Partition episodes are persisted to auditDB.
func NewManager(logger log.Logger, meshMgr *mesh.Manager, analyzer *topology.Analyzer, auditDB dbm.DB, options Options) (*Manager, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		logger:   logger,
		metrics:  NopMetrics(),
		mesh:     meshMgr,
		analyzer: analyzer,
		store:    newAuditStore(auditDB),
		options:  options,
		failed:   map[mesh.NodeID][]mesh.PairKey{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), // nolint:gosec
	}
	if options.Metrics != nil {
		m.metrics = options.Metrics
	}
	return m, nil
}

// Inject introduces a fault into the overlay. For a partition fault the
// returned record describes the isolated half; other kinds return nil.
func (m *Manager) Inject(ctx context.Context, kind Kind) (*Partition, error) {
	switch kind {
	case KindPartition:
		return m.injectPartition(ctx)
	case KindNodeFailure:
		return nil, m.injectNodeFailure()
	case KindMessageLoss:
		m.mesh.SetLossRate(m.options.InjectedLossRate)
		m.mtx.Lock()
		m.loss = true
		m.mtx.Unlock()
		m.metrics.FaultsInjected.With("kind", string(kind)).Add(1)
		m.logger.Info("message loss injected", "rate", m.options.InjectedLossRate)
		return nil, nil
	case KindLatencySpike:
		m.mesh.ScaleLatencies(2)
		m.mtx.Lock()
		m.inflated = true
		m.mtx.Unlock()
		m.metrics.FaultsInjected.With("kind", string(kind)).Add(1)
		m.logger.Info("latency spike injected")
		return nil, nil
	default:
		return nil, ErrInvalidKind{Kind: kind}
	}
}

// injectPartition splits the node set into two halves and severs every
// cross-link.
func (m *Manager) injectPartition(ctx context.Context) (*Partition, error) {
	peers := m.mesh.Peers()
	if len(peers) < 2 {
		return nil, errors.New("need at least two peers to partition")
	}

	ids := make([]mesh.NodeID, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	half := len(ids) / 2
	groupA, groupB := ids[:half], ids[half:]
	for _, a := range groupA {
		for _, b := range groupB {
			m.mesh.Disconnect(a, b)
		}
	}

	episode := m.recordEpisode(groupA, PartitionComplete, len(ids))
	m.metrics.FaultsInjected.With("kind", string(KindPartition)).Add(1)
	m.logger.Info("partition injected", "isolated", len(groupA), "id", episode.ID)
	return episode, nil
}

// injectNodeFailure marks one random node disconnected and removes its
// edges, remembering them for recovery.
func (m *Manager) injectNodeFailure() error {
	peers := m.mesh.Peers()
	var candidates []mesh.NodeID
	for _, p := range peers {
		if p.Status == mesh.PeerStatusConnected {
			candidates = append(candidates, p.ID)
		}
	}
	if len(candidates) == 0 {
		return errors.New("no connected peers to fail")
	}

	m.mtx.Lock()
	victim := candidates[m.rng.Intn(len(candidates))]
	m.mtx.Unlock()

	if err := m.mesh.SetPeerStatus(victim, mesh.PeerStatusDisconnected); err != nil {
		return err
	}
	severed := m.mesh.SeverPeerLinks(victim)

	m.mtx.Lock()
	m.failed[victim] = severed
	m.mtx.Unlock()

	m.metrics.FaultsInjected.With("kind", string(KindNodeFailure)).Add(1)
	m.logger.Info("node failure injected", "peer", victim, "links", len(severed))
	return nil
}

// Detect inspects the current topology snapshot and records an episode for
// every component that is split off from the largest one, unless an
// unresolved episode already covers the same node set. It returns the active
// (unresolved) episodes.
func (m *Manager) Detect() []Partition {
	snapshot := m.analyzer.Snapshot()
	if len(snapshot.Partitions) > 1 {
		largest := 0
		for i, component := range snapshot.Partitions {
			if len(component) > len(snapshot.Partitions[largest]) {
				largest = i
			}
		}
		for i, component := range snapshot.Partitions {
			if i == largest {
				continue
			}
			if m.hasActiveEpisode(component) {
				continue
			}
			episode := m.recordEpisode(component, PartitionPartial, snapshot.TotalNodes)
			m.logger.Info("partition detected", "nodes", len(component), "id", episode.ID)
		}
	}
	return m.ActivePartitions()
}

// Recover drives the overlay back to a single connected component within the
// configured budget: failed nodes are restored, bridging edges are
// reconnected between components, inflated latencies are relaxed and the
// loss rate reset. Bridging is retried internally up to RecoveryRetries
// before ErrRecoveryTimeout is surfaced. Recovering an already-healthy
// overlay only resolves any stale episodes and is otherwise a no-op.
func (m *Manager) Recover(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.options.RecoveryTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= m.options.RecoveryRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if err := m.recoverOnce(ctx); err != nil {
			lastErr = err
			m.logger.Debug("recovery attempt failed", "attempt", attempt, "err", err)
			continue
		}

		m.relaxDegradations()
		m.resolveEpisodes()
		elapsed := time.Since(start)
		m.metrics.Recoveries.With("outcome", "ok").Add(1)
		m.metrics.RecoveryDuration.Observe(elapsed.Seconds())
		m.logger.Info("recovery complete", "elapsed", elapsed, "attempts", attempt+1)
		return nil
	}

	elapsed := time.Since(start)
	m.metrics.Recoveries.With("outcome", "timeout").Add(1)
	m.metrics.RecoveryDuration.Observe(elapsed.Seconds())
	m.logger.Error("recovery timed out", "elapsed", elapsed, "err", lastErr)
	return ErrRecoveryTimeout{Elapsed: elapsed, Retries: m.options.RecoveryRetries}
}

// recoverOnce performs one restoration pass and reports whether the graph is
// a single component afterwards.
func (m *Manager) recoverOnce(ctx context.Context) error {
	// Bring failed nodes back first so that bridging sees them.
	m.mtx.Lock()
	failed := m.failed
	m.failed = map[mesh.NodeID][]mesh.PairKey{}
	m.mtx.Unlock()

	for victim, links := range failed {
		if err := m.mesh.SetPeerStatus(victim, mesh.PeerStatusConnected); err != nil {
			m.logger.Error("failed to restore peer", "peer", victim, "err", err)
			continue
		}
		for _, link := range links {
			if _, err := m.mesh.Connect(ctx, link.A, link.B); err != nil {
				m.logger.Error("failed to restore link", "link", link, "err", err)
			}
		}
	}

	snapshot := m.analyzer.Snapshot()
	if len(snapshot.Partitions) <= 1 {
		return nil
	}

	// Reconnect one bridging edge from the first component to each of the
	// others, in parallel since each connect pays a handshake delay.
	anchor := snapshot.Partitions[0][0]
	g := taskgroup.New(nil)
	for _, component := range snapshot.Partitions[1:] {
		target := component[0]
		g.Go(func() error {
			_, err := m.mesh.Connect(ctx, anchor, target)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	snapshot = m.analyzer.Snapshot()
	if len(snapshot.Partitions) > 1 {
		return errors.New("network still partitioned after bridging")
	}
	return nil
}

// relaxDegradations clears message-loss and latency-spike faults.
func (m *Manager) relaxDegradations() {
	m.mtx.Lock()
	loss, inflated := m.loss, m.inflated
	m.loss, m.inflated = false, false
	m.mtx.Unlock()

	if loss {
		m.mesh.SetLossRate(0)
	}
	if inflated {
		m.mesh.ScaleLatencies(0.5)
	}
}

// resolveEpisodes marks all active episodes resolved. The transition is
// idempotent: an already-resolved episode keeps its original end time.
func (m *Manager) resolveEpisodes() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := time.Now()
	for _, episode := range m.episodes {
		if episode.Resolved {
			continue
		}
		episode.Resolved = true
		episode.End = now
		if err := m.store.Save(episode.Copy()); err != nil {
			m.logger.Error("failed to persist resolved partition", "id", episode.ID, "err", err)
		}
	}
}

// ActivePartitions returns copies of all unresolved episodes, in recording
// order.
func (m *Manager) ActivePartitions() []Partition {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var out []Partition
	for _, episode := range m.episodes {
		if !episode.Resolved {
			out = append(out, episode.Copy())
		}
	}
	return out
}

// Partitions returns copies of all episodes, resolved or not, in recording
// order.
func (m *Manager) Partitions() []Partition {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	out := make([]Partition, len(m.episodes))
	for i, episode := range m.episodes {
		out[i] = episode.Copy()
	}
	return out
}

// Audit returns the persisted partition trail in chronological order.
func (m *Manager) Audit() ([]Partition, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.store.List()
}

// LossActive reports whether a message-loss fault is currently active.
func (m *Manager) LossActive() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.loss
}

func (m *Manager) recordEpisode(nodes []mesh.NodeID, ptype PartitionType, totalNodes int) *Partition {
	episode := &Partition{
		ID:       uuid.NewString(),
		Nodes:    append([]mesh.NodeID(nil), nodes...),
		Start:    time.Now(),
		Type:     ptype,
		Severity: severityFor(len(nodes), totalNodes),
		Strategy: RecoveryStrategy{
			Type:                StrategyAutomatic,
			Timeout:             m.options.RecoveryTimeout,
			RetryCount:          m.options.RecoveryRetries,
			EscalationThreshold: m.options.EscalationThreshold,
		},
	}

	m.mtx.Lock()
	m.episodes = append(m.episodes, episode)
	m.mtx.Unlock()

	m.metrics.PartitionsRecorded.Add(1)
	if err := m.store.Save(episode.Copy()); err != nil {
		m.logger.Error("failed to persist partition", "id", episode.ID, "err", err)
	}
	return episode
}

// hasActiveEpisode reports whether an unresolved episode already covers the
// exact node set.
func (m *Manager) hasActiveEpisode(nodes []mesh.NodeID) bool {
	key := nodeSetKey(nodes)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, episode := range m.episodes {
		if !episode.Resolved && nodeSetKey(episode.Nodes) == key {
			return true
		}
	}
	return false
}

func nodeSetKey(nodes []mesh.NodeID) string {
	sorted := make([]string, len(nodes))
	for i, id := range nodes {
		sorted[i] = string(id)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

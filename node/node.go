// Package node assembles the mesh engine: the peer registry and connection
// manager, the topology analyzer, the router, the fault manager and the
// health scorer, wired together behind a single service with a read-only
// query surface for monitoring collaborators.
package node

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/agentmesh/meshnet/config"
	"github.com/agentmesh/meshnet/internal/fault"
	"github.com/agentmesh/meshnet/internal/health"
	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/internal/router"
	"github.com/agentmesh/meshnet/internal/topology"
	"github.com/agentmesh/meshnet/libs/log"
	"github.com/agentmesh/meshnet/libs/service"
)

// Node is the top-level mesh engine service. All collaborators receive it by
// explicit construction; there is no ambient global instance.
type Node struct {
	*service.BaseService

	cfg    *config.Config
	logger log.Logger

	db       dbm.DB
	mesh     *mesh.Manager
	analyzer *topology.Analyzer
	router   *router.Router
	faults   *fault.Manager
	scorer   *health.Scorer

	startedAt time.Time
	sent      uint64 // atomic, messages originated by this node

	promSrv *http.Server
}

// New constructs a node from its configuration. The durable stores open
// under the configured database backend; tests typically use memdb.
func New(logger log.Logger, cfg *config.Config) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}

	db, err := dbm.NewDB("meshnet", dbm.BackendType(cfg.DBBackend), cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	selfID := mesh.NodeID(cfg.NodeID)
	latency := mesh.NewJitterLatency(cfg.Mesh.BaseLatency, cfg.Mesh.LatencyJitter)

	var (
		meshMetrics   = mesh.NopMetrics()
		routerMetrics = router.NopMetrics()
		faultMetrics  = fault.NopMetrics()
	)
	if cfg.Instrumentation.Prometheus {
		ns := cfg.Instrumentation.Namespace
		meshMetrics = mesh.PrometheusMetrics(ns)
		routerMetrics = router.PrometheusMetrics(ns)
		faultMetrics = fault.PrometheusMetrics(ns)
	}

	meshMgr, err := mesh.NewManager(logger.With("module", "mesh"), selfID,
		dbm.NewPrefixDB(db, []byte("peers/")), latency, mesh.ManagerOptions{
			MaxPeers:       cfg.Mesh.MaxPeers,
			HandshakeDelay: cfg.Mesh.HandshakeDelay,
			Metrics:        meshMetrics,
		})
	if err != nil {
		return nil, err
	}

	analyzer := topology.NewAnalyzer(logger.With("module", "topology"), meshMgr, topology.Config{})

	rtr, err := router.NewRouter(logger.With("module", "router"), meshMgr, router.Options{
		HopDelay:     cfg.Router.HopDelay,
		DefaultTTL:   cfg.Router.DefaultTTL,
		GossipFanout: cfg.Router.GossipFanout,
		Metrics:      routerMetrics,
	})
	if err != nil {
		return nil, err
	}

	faults, err := fault.NewManager(logger.With("module", "fault"), meshMgr, analyzer,
		dbm.NewPrefixDB(db, []byte("faults/")), fault.Options{
			RecoveryTimeout:     cfg.Fault.RecoveryTimeout,
			RecoveryRetries:     cfg.Fault.RecoveryRetries,
			InjectedLossRate:    cfg.Fault.InjectedLossRate,
			EscalationThreshold: cfg.Fault.EscalationThreshold,
			Metrics:             faultMetrics,
		})
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		mesh:     meshMgr,
		analyzer: analyzer,
		router:   rtr,
		faults:   faults,
		scorer:   health.NewScorer(logger.With("module", "health")),
	}
	n.BaseService = service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart implements service.Service. It launches the background detection
// and pruning loops.
func (n *Node) OnStart(ctx context.Context) error {
	n.startedAt = time.Now()

	if interval := n.cfg.Fault.DetectInterval; interval > 0 {
		go n.detectLoop(ctx, interval)
	}
	if age := n.cfg.Mesh.StalePeerAge; age > 0 {
		go n.pruneLoop(ctx, age)
	}
	if n.cfg.Instrumentation.Prometheus {
		n.promSrv = n.startPrometheusServer(n.cfg.Instrumentation.PrometheusListenAddr)
	}
	return nil
}

// OnStop implements service.Service.
func (n *Node) OnStop() {
	if n.promSrv != nil {
		if err := n.promSrv.Close(); err != nil {
			n.logger.Error("failed to close prometheus server", "err", err)
		}
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error("failed to close database", "err", err)
	}
}

func (n *Node) detectLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if active := n.faults.Detect(); len(active) > 0 {
				n.logger.Info("active partitions detected", "count", len(active))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) pruneLoop(ctx context.Context, age time.Duration) {
	ticker := time.NewTicker(age / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.mesh.PruneStale(age)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			n.logger.Error("prometheus server terminated", "err", err)
		}
	}()
	return srv
}

//-----------------------------------------------------------------------------
// Inbound operations

// Mesh exposes the underlying mesh manager for peer join/leave notifications
// from discovery collaborators.
func (n *Node) Mesh() *mesh.Manager { return n.mesh }

// Faults exposes the fault manager for injection and recovery control.
func (n *Node) Faults() *fault.Manager { return n.faults }

// SendUnicast routes an opaque payload to a peer over the shortest path.
func (n *Node) SendUnicast(ctx context.Context, to mesh.NodeID, payload []byte) (*router.Message, error) {
	msg, err := n.router.SendUnicast(ctx, n.mesh.SelfID(), to, router.MessageTypeData, payload)
	if err == nil {
		atomic.AddUint64(&n.sent, 1)
	}
	return msg, err
}

// Broadcast floods an opaque payload to all direct neighbors.
func (n *Node) Broadcast(ctx context.Context, payload []byte) (*router.Message, []mesh.NodeID, error) {
	msg, reached, err := n.router.Broadcast(ctx, n.mesh.SelfID(), router.MessageTypeBroadcast, payload)
	if err == nil {
		atomic.AddUint64(&n.sent, uint64(len(reached)))
	}
	return msg, reached, err
}

// Gossip disseminates an opaque payload to a weighted random fanout of
// neighbors.
func (n *Node) Gossip(ctx context.Context, payload []byte) (*router.Message, []mesh.NodeID, error) {
	msg, reached, err := n.router.Gossip(ctx, n.mesh.SelfID(), router.MessageTypeData, payload)
	if err == nil {
		atomic.AddUint64(&n.sent, uint64(len(reached)))
	}
	return msg, reached, err
}

//-----------------------------------------------------------------------------
// Query surface

// Snapshot returns the current topology snapshot. Read-only, no side
// effects.
func (n *Node) Snapshot() *topology.Snapshot {
	return n.analyzer.Snapshot()
}

// Health returns the current health report. It never fails: an empty
// network reports neutral values.
func (n *Node) Health() health.Report {
	return n.scorer.Score(n.analyzer.Snapshot(), n.mesh.LossRate())
}

// NetworkMetrics are the aggregate counters exported for telemetry.
type NetworkMetrics struct {
	TotalNodes        int       `json:"totalNodes"`
	ActiveConnections int       `json:"activeConnections"`
	MessagesPerSecond float64   `json:"messagesPerSecond"`
	AverageLatency    float64   `json:"averageLatency"`    // milliseconds
	NetworkThroughput float64   `json:"networkThroughput"` // KB/s, summed over links
	ConsensusLatency  float64   `json:"consensusLatency"`  // milliseconds, round-trip estimate
	FaultTolerance    float64   `json:"faultTolerance"`    // [0,1]
	Uptime            float64   `json:"uptime"`            // seconds
	LastUpdated       time.Time `json:"lastUpdated"`
}

// Metrics returns the aggregate telemetry counters. It never fails: before
// any data exists all values are zero.
func (n *Node) Metrics() NetworkMetrics {
	snapshot := n.analyzer.Snapshot()

	var throughput float64
	for _, conn := range snapshot.Connections {
		if conn.Status == mesh.ConnStatusConnected {
			throughput += conn.BandwidthKBps
		}
	}

	uptime := 0.0
	mps := 0.0
	if !n.startedAt.IsZero() {
		uptime = time.Since(n.startedAt).Seconds()
		if uptime > 0 {
			mps = float64(atomic.LoadUint64(&n.sent)) / uptime
		}
	}

	return NetworkMetrics{
		TotalNodes:        snapshot.TotalNodes,
		ActiveConnections: snapshot.ActiveConnections,
		MessagesPerSecond: mps,
		AverageLatency:    snapshot.AverageLatencyMS(),
		NetworkThroughput: throughput,
		ConsensusLatency:  snapshot.AverageLatencyMS() * 2,
		FaultTolerance:    faultTolerance(snapshot),
		Uptime:            uptime,
		LastUpdated:       time.Now(),
	}
}

// faultTolerance folds redundancy and connectivity into a [0,1] figure: a
// partitioned network tolerates nothing further, a dense redundant one
// tolerates most single failures.
func faultTolerance(snapshot *topology.Snapshot) float64 {
	if snapshot.TotalNodes == 0 || len(snapshot.Partitions) > 1 {
		return 0
	}
	v := (snapshot.Redundancy + snapshot.MeshDensity) / 2
	if v > 1 {
		v = 1
	}
	return v
}

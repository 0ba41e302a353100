package health

import (
	"github.com/agentmesh/meshnet/internal/topology"
	"github.com/agentmesh/meshnet/libs/log"
)

// Deduction thresholds and weights. The checks run in this order and each
// triggered check contributes one issue and one recommendation to the
// report.
const (
	minConnectivity  = 0.3
	connectivityCost = 20
	partitionCost    = 30
	maxAvgLatencyMS  = 100
	latencyCost      = 15
	maxLossRate      = 0.10
	lossCost         = 25
)

// ComponentScores are the per-aspect sub-scores of a health report, each in
// [0, 100].
type ComponentScores struct {
	Connectivity float64 `json:"connectivity"`
	Consensus    float64 `json:"consensus"`
	Performance  float64 `json:"performance"`
	Security     float64 `json:"security"`
	Reliability  float64 `json:"reliability"`
}

// Report is the composite health assessment of the overlay.
type Report struct {
	Score           float64         `json:"score"`
	Components      ComponentScores `json:"components"`
	Issues          []string        `json:"issues,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Alerts          []string        `json:"alerts,omitempty"`
}

// Scorer aggregates topology and fault state into a single actionable health
// score. Scoring never fails: absent data scores as a healthy empty network.
type Scorer struct {
	logger log.Logger
}

// NewScorer creates a new health scorer.
func NewScorer(logger log.Logger) *Scorer {
	return &Scorer{logger: logger}
}

// Score computes the health report for a topology snapshot and the current
// message loss rate. The score starts at 100 and deductions apply in a fixed
// order: weak connectivity, partitions, high latency, message loss.
func (s *Scorer) Score(snapshot *topology.Snapshot, lossRate float64) Report {
	report := Report{Score: 100}

	if snapshot == nil || snapshot.TotalNodes == 0 {
		report.Components = ComponentScores{
			Connectivity: 100, Consensus: 100, Performance: 100, Security: 100, Reliability: 100,
		}
		return report
	}

	if snapshot.MeshDensity < minConnectivity {
		report.Score -= connectivityCost
		report.Issues = append(report.Issues, "low network connectivity")
		report.Recommendations = append(report.Recommendations, "establish additional peer connections to raise mesh density")
	}
	if len(snapshot.Partitions) > 1 {
		report.Score -= partitionCost
		report.Issues = append(report.Issues, "network partition detected")
		report.Recommendations = append(report.Recommendations, "run recovery to reconnect partitioned segments")
		report.Alerts = append(report.Alerts, "partition: network is split into multiple components")
	}
	if snapshot.AverageLatencyMS() > maxAvgLatencyMS {
		report.Score -= latencyCost
		report.Issues = append(report.Issues, "high average message latency")
		report.Recommendations = append(report.Recommendations, "prefer low-latency links or reduce per-hop load")
	}
	if lossRate > maxLossRate {
		report.Score -= lossCost
		report.Issues = append(report.Issues, "elevated packet loss rate")
		report.Recommendations = append(report.Recommendations, "investigate lossy links and retransmission pressure")
		report.Alerts = append(report.Alerts, "loss: packet loss above threshold")
	}

	if report.Score < 0 {
		report.Score = 0
	}
	if report.Score > 100 {
		report.Score = 100
	}

	report.Components = s.componentScores(snapshot, lossRate)

	if len(report.Issues) > 0 {
		s.logger.Debug("health degraded", "score", report.Score, "issues", len(report.Issues))
	}
	return report
}

// componentScores derives the per-aspect sub-scores from the same signals as
// the composite deductions.
func (s *Scorer) componentScores(snapshot *topology.Snapshot, lossRate float64) ComponentScores {
	connectivity := clampScore(snapshot.MeshDensity / minConnectivity * 100)
	consensus := 100.0
	if len(snapshot.Partitions) > 1 {
		// Consensus cannot span components; score by the share of nodes
		// in the largest one.
		largest := 0
		for _, component := range snapshot.Partitions {
			if len(component) > largest {
				largest = len(component)
			}
		}
		consensus = clampScore(float64(largest) / float64(snapshot.TotalNodes) * 100)
	}
	performance := 100.0
	if ms := snapshot.AverageLatencyMS(); ms > 0 {
		performance = clampScore(maxAvgLatencyMS / ms * 100)
	}
	reliability := clampScore((1 - lossRate) * 100)
	security := 100.0 // transport security is out of scope; reported neutral

	return ComponentScores{
		Connectivity: connectivity,
		Consensus:    consensus,
		Performance:  performance,
		Security:     security,
		Reliability:  reliability,
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

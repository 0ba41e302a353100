package fault

import (
	"time"

	"github.com/agentmesh/meshnet/internal/mesh"
)

// Kind identifies an injectable fault.
type Kind string

const (
	KindPartition    Kind = "partition"
	KindNodeFailure  Kind = "node-failure"
	KindMessageLoss  Kind = "message-loss"
	KindLatencySpike Kind = "latency-spike"
)

// PartitionType distinguishes a full connectivity split from a degraded one.
type PartitionType string

const (
	PartitionPartial  PartitionType = "partial"
	PartitionComplete PartitionType = "complete"
)

// Severity grades the impact of a partition.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// StrategyType selects how a partition is recovered.
type StrategyType string

const (
	StrategyAutomatic StrategyType = "automatic"
	StrategyManual    StrategyType = "manual"
	StrategyHybrid    StrategyType = "hybrid"
)

// RecoveryStrategy bounds and parameterizes the recovery procedure for a
// partition episode.
type RecoveryStrategy struct {
	Type                StrategyType  `json:"type"`
	Timeout             time.Duration `json:"timeout"`
	RetryCount          int           `json:"retryCount"`
	FallbackNodes       []mesh.NodeID `json:"fallbackNodes,omitempty"`
	EscalationThreshold int           `json:"escalationThreshold"`
}

// Partition records one connectivity-split episode, injected or organically
// detected. Records are appended monotonically and retained for audit after
// resolution; the resolved transition is idempotent.
type Partition struct {
	ID       string           `json:"id"`
	Nodes    []mesh.NodeID    `json:"nodes"`
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end,omitempty"`
	Type     PartitionType    `json:"type"`
	Severity Severity         `json:"severity"`
	Strategy RecoveryStrategy `json:"strategy"`
	Resolved bool             `json:"resolved"`
}

// Copy returns a deep copy of the partition record.
func (p Partition) Copy() Partition {
	c := p
	c.Nodes = append([]mesh.NodeID(nil), p.Nodes...)
	c.Strategy.FallbackNodes = append([]mesh.NodeID(nil), p.Strategy.FallbackNodes...)
	return c
}

// severityFor grades a split by the share of the network on its smaller
// side.
func severityFor(isolated, total int) Severity {
	if total == 0 {
		return SeverityLow
	}
	share := float64(isolated) / float64(total)
	switch {
	case share >= 0.5:
		return SeverityCritical
	case share >= 0.25:
		return SeverityHigh
	case share >= 0.1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

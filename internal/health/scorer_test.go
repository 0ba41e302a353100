package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/meshnet/internal/health"
	"github.com/agentmesh/meshnet/internal/mesh"
	"github.com/agentmesh/meshnet/internal/topology"
	"github.com/agentmesh/meshnet/libs/log"
)

func makeScorer(t *testing.T) *health.Scorer {
	t.Helper()
	return health.NewScorer(log.NewTestingLogger(t))
}

func healthySnapshot() *topology.Snapshot {
	return &topology.Snapshot{
		TotalNodes:     4,
		MeshDensity:    1.0,
		AverageLatency: 10 * time.Millisecond,
		Partitions:     [][]mesh.NodeID{{"a", "b", "c", "d"}},
	}
}

func TestScoreEmptyNetwork(t *testing.T) {
	s := makeScorer(t)

	// No data scores as a healthy empty network, never as an error.
	for _, snapshot := range []*topology.Snapshot{nil, {}} {
		report := s.Score(snapshot, 0)
		require.Equal(t, 100.0, report.Score)
		require.Empty(t, report.Issues)
		require.Empty(t, report.Alerts)
		require.Equal(t, 100.0, report.Components.Connectivity)
		require.Equal(t, 100.0, report.Components.Reliability)
	}
}

func TestScoreHealthy(t *testing.T) {
	report := makeScorer(t).Score(healthySnapshot(), 0)
	require.Equal(t, 100.0, report.Score)
	require.Empty(t, report.Issues)
	require.Empty(t, report.Recommendations)
	require.Equal(t, 100.0, report.Components.Consensus)
	require.Equal(t, 100.0, report.Components.Security)
}

func TestScoreDeductions(t *testing.T) {
	testcases := map[string]struct {
		mutate func(*topology.Snapshot)
		loss   float64
		expect float64
		issues int
		alerts int
	}{
		"low connectivity": {
			mutate: func(s *topology.Snapshot) { s.MeshDensity = 0.2 },
			expect: 80,
			issues: 1,
		},
		"partition": {
			mutate: func(s *topology.Snapshot) {
				s.Partitions = [][]mesh.NodeID{{"a", "b", "c"}, {"d"}}
			},
			expect: 70,
			issues: 1,
			alerts: 1,
		},
		"high latency": {
			mutate: func(s *topology.Snapshot) { s.AverageLatency = 150 * time.Millisecond },
			expect: 85,
			issues: 1,
		},
		"packet loss": {
			mutate: func(s *topology.Snapshot) {},
			loss:   0.2,
			expect: 75,
			issues: 1,
			alerts: 1,
		},
		"boundary latency not deducted": {
			mutate: func(s *topology.Snapshot) { s.AverageLatency = 100 * time.Millisecond },
			expect: 100,
		},
		"boundary loss not deducted": {
			mutate: func(s *topology.Snapshot) {},
			loss:   0.10,
			expect: 100,
		},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			snapshot := healthySnapshot()
			tc.mutate(snapshot)
			report := makeScorer(t).Score(snapshot, tc.loss)
			require.Equal(t, tc.expect, report.Score)
			require.Len(t, report.Issues, tc.issues)
			require.Len(t, report.Alerts, tc.alerts)
			// Every issue carries a recommendation.
			require.Len(t, report.Recommendations, tc.issues)
		})
	}
}

func TestScoreClamped(t *testing.T) {
	// All deductions at once: 100 - 20 - 30 - 15 - 25 = 10, still >= 0.
	snapshot := &topology.Snapshot{
		TotalNodes:     4,
		MeshDensity:    0.1,
		AverageLatency: 500 * time.Millisecond,
		Partitions:     [][]mesh.NodeID{{"a"}, {"b"}, {"c"}, {"d"}},
	}
	report := makeScorer(t).Score(snapshot, 1)
	require.Equal(t, 10.0, report.Score)
	require.GreaterOrEqual(t, report.Score, 0.0)
	require.Len(t, report.Issues, 4)

	// Component scores stay in range too.
	require.Equal(t, 0.0, report.Components.Reliability)
	require.Equal(t, 25.0, report.Components.Consensus)
	require.LessOrEqual(t, report.Components.Performance, 100.0)
}

func TestScoreConsensusLargestShare(t *testing.T) {
	snapshot := healthySnapshot()
	snapshot.Partitions = [][]mesh.NodeID{{"a", "b", "c"}, {"d"}}
	report := makeScorer(t).Score(snapshot, 0)
	require.Equal(t, 75.0, report.Components.Consensus)
}

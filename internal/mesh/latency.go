package mesh

import (
	"math/rand"
	"sync"
	"time"
)

// LatencySource provides the current latency estimate for a logical link.
// The connection manager and router consult it whenever a link is established
// or a message is forwarded, so tests can swap in a deterministic source
// while production uses a measured (jittered) one.
type LatencySource interface {
	Estimate(a, b NodeID) time.Duration
}

// FixedLatency is a deterministic LatencySource returning a constant
// estimate. It is the test double of choice.
type FixedLatency time.Duration

func (f FixedLatency) Estimate(a, b NodeID) time.Duration {
	return time.Duration(f)
}

// jitterLatency returns base plus a uniformly random delta in [0, jitter).
type jitterLatency struct {
	base   time.Duration
	jitter time.Duration

	mtx sync.Mutex
	rng *rand.Rand
}

// NewJitterLatency returns a LatencySource that models link latency as a base
// estimate with bounded random jitter. A jitter of 0 makes it equivalent to
// FixedLatency(base).
func NewJitterLatency(base, jitter time.Duration) LatencySource {
	return &jitterLatency{
		base:   base,
		jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), // nolint:gosec
	}
}

func (j *jitterLatency) Estimate(a, b NodeID) time.Duration {
	if j.jitter <= 0 {
		return j.base
	}
	j.mtx.Lock()
	defer j.mtx.Unlock()
	return j.base + time.Duration(j.rng.Int63n(int64(j.jitter)))
}

package authz

import (
	"sync/atomic"
	"time"
)

// Metrics are process-local decision counters behind /metrics/performance.
type Metrics struct {
	Total         atomic.Uint64
	Permit        atomic.Uint64
	Deny          atomic.Uint64
	Indeterminate atomic.Uint64
	Coalesced     atomic.Uint64
	BulkRequests  atomic.Uint64
	BulkEntries   atomic.Uint64

	evalMicros atomic.Uint64
	evalCount  atomic.Uint64

	startedAt time.Time
}

func newMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) recordDecision(effect Effect) {
	m.Total.Add(1)
	switch effect {
	case EffectPermit:
		m.Permit.Add(1)
	case EffectDeny:
		m.Deny.Add(1)
	default:
		m.Indeterminate.Add(1)
	}
}

func (m *Metrics) recordEvaluation(d time.Duration) {
	m.evalMicros.Add(uint64(d.Microseconds()))
	m.evalCount.Add(1)
}

// AverageEvaluationMS is the mean wall time of real (non-cached)
// evaluations.
func (m *Metrics) AverageEvaluationMS() float64 {
	count := m.evalCount.Load()
	if count == 0 {
		return 0
	}
	return float64(m.evalMicros.Load()) / float64(count) / 1000.0
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

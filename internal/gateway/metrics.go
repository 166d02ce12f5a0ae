package gateway

import (
	"sync/atomic"
	"time"
)

// Metrics are the gateway's request counters behind /gateway/metrics.
type Metrics struct {
	Total       atomic.Uint64
	Authn       atomic.Uint64
	Authz       atomic.Uint64
	RateLimited atomic.Uint64
	Errors      atomic.Uint64
	Fallbacks   atomic.Uint64

	startedAt time.Time
}

func newMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) countService(service string) {
	switch service {
	case ServiceAuthn:
		m.Authn.Add(1)
	case ServiceAuthz:
		m.Authz.Add(1)
	}
}

// MetricsSnapshot is the /gateway/metrics wire shape.
type MetricsSnapshot struct {
	Requests struct {
		Total       uint64            `json:"total"`
		ByService   map[string]uint64 `json:"by_service"`
		RateLimited uint64            `json:"rate_limited"`
		Errors      uint64            `json:"errors"`
		Fallbacks   uint64            `json:"fallbacks"`
	} `json:"requests"`
	StartedAt time.Time `json:"started_at"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	var snap MetricsSnapshot
	snap.Requests.Total = m.Total.Load()
	snap.Requests.ByService = map[string]uint64{
		ServiceAuthn: m.Authn.Load(),
		ServiceAuthz: m.Authz.Load(),
	}
	snap.Requests.RateLimited = m.RateLimited.Load()
	snap.Requests.Errors = m.Errors.Load()
	snap.Requests.Fallbacks = m.Fallbacks.Load()
	snap.StartedAt = m.startedAt.UTC()
	return snap
}

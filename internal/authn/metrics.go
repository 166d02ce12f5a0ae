package authn

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics are process-local counters surfaced by GET /metrics. Store-derived
// figures (user and session counts) are queried at snapshot time instead of
// being tracked incrementally, so they survive restarts.
type Metrics struct {
	LoginSuccess    atomic.Uint64
	LoginFailed     atomic.Uint64
	TokensIssued    atomic.Uint64
	TokensRevoked   atomic.Uint64
	TokensRefreshed atomic.Uint64

	startedAt time.Time
}

func newMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// MetricsSnapshot is the /metrics wire shape.
type MetricsSnapshot struct {
	Users struct {
		Total  int `json:"total"`
		Active int `json:"active"`
		Locked int `json:"locked"`
	} `json:"users"`
	Sessions struct {
		Active int `json:"active"`
	} `json:"sessions"`
	Tokens struct {
		Issued    uint64 `json:"issued"`
		Revoked   uint64 `json:"revoked"`
		Refreshed uint64 `json:"refreshed"`
	} `json:"tokens"`
	Logins struct {
		Success uint64 `json:"success"`
		Failed  uint64 `json:"failed"`
	} `json:"logins"`
	UserCache struct {
		Hits   uint64 `json:"hits"`
		Misses uint64 `json:"misses"`
	} `json:"user_cache"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// MetricsSnapshot assembles the counters with fresh store counts.
func (s *Service) MetricsSnapshot(ctx context.Context) (*MetricsSnapshot, error) {
	var snap MetricsSnapshot

	total, active, locked, err := s.users.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	snap.Users.Total = total
	snap.Users.Active = active
	snap.Users.Locked = locked

	sessions, err := s.sessions.CountActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	snap.Sessions.Active = sessions

	snap.Tokens.Issued = s.metrics.TokensIssued.Load()
	snap.Tokens.Revoked = s.metrics.TokensRevoked.Load()
	snap.Tokens.Refreshed = s.metrics.TokensRefreshed.Load()
	snap.Logins.Success = s.metrics.LoginSuccess.Load()
	snap.Logins.Failed = s.metrics.LoginFailed.Load()
	snap.UserCache.Hits, snap.UserCache.Misses = s.cache.stats()
	snap.UptimeSeconds = int64(time.Since(s.metrics.startedAt).Seconds())

	return &snap, nil
}

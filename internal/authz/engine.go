package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"gatekeeper/internal/audit"
)

// Config is the engine's tunable behavior.
type Config struct {
	DefaultEffect   Effect
	CacheTTL        time.Duration
	CacheSize       int
	BulkConcurrency int
}

// Engine evaluates authorization requests against the active policy set.
// Authorize never returns an error: infrastructure failures come back as
// indeterminate decisions so callers always hold a Decision they can act on
// (and indeterminate is not permit).
type Engine struct {
	config   Config
	policies PolicyStore
	subjects SubjectResolver
	cache    *DecisionCache
	group    singleflight.Group
	sink     audit.Sink
	logger   *slog.Logger
	metrics  *Metrics
}

func NewEngine(cfg Config, policies PolicyStore, subjects SubjectResolver, sink audit.Sink, logger *slog.Logger) *Engine {
	if cfg.DefaultEffect != EffectPermit {
		cfg.DefaultEffect = EffectDeny
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 8
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Engine{
		config:   cfg,
		policies: policies,
		subjects: subjects,
		cache:    NewDecisionCache(cfg.CacheSize, cfg.CacheTTL),
		sink:     sink,
		logger:   logger,
		metrics:  newMetrics(),
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// Authorize runs the full decision path: cache, coalesced evaluation,
// combining, audit.
func (e *Engine) Authorize(ctx context.Context, req Request) *Decision {
	return e.authorize(ctx, req, nil, nil)
}

// authorize is the shared path. attrs, when non-nil, is a subject already
// resolved by a bulk caller; prefiltered, when non-nil, replaces the store
// fetch with a subject-scoped policy list.
func (e *Engine) authorize(ctx context.Context, req Request, attrs *SubjectAttributes, prefiltered []Policy) *Decision {
	start := time.Now()
	fp := req.Fingerprint()

	if cached, ok := e.cache.Get(fp); ok {
		d := cached.clone()
		d.CacheHit = true
		d.EvaluationTimeMS = msSince(start)
		d.Timestamp = time.Now().UTC()
		e.finish(req, fp, d)
		return d
	}

	computed := false
	v, _, _ := e.group.Do(fp, func() (any, error) {
		computed = true
		return e.evaluate(ctx, req, fp, attrs, prefiltered), nil
	})
	if !computed {
		e.metrics.Coalesced.Add(1)
	}

	d := v.(*Decision).clone()
	d.CacheHit = false
	d.Timestamp = time.Now().UTC()
	e.finish(req, fp, d)
	return d
}

// evaluate computes one fresh decision. Only clean evaluations enter the
// cache; error decisions are transient and must not persist for a TTL.
func (e *Engine) evaluate(ctx context.Context, req Request, fp string, attrs *SubjectAttributes, prefiltered []Policy) *Decision {
	start := time.Now()

	if attrs == nil {
		resolved, err := e.subjects.ResolveSubject(ctx, req.Subject)
		if err != nil {
			return e.errorDecision(err, start)
		}
		attrs = resolved
	}

	policies := prefiltered
	if policies == nil {
		fetched, err := e.policies.ListActivePolicies(ctx)
		if err != nil {
			return e.errorDecision(err, start)
		}
		policies = fetched
	}

	attrMap := buildAttributes(req, attrs)
	var matched []applicable
	for i := range policies {
		p := &policies[i]
		if !matchesTarget(p.Target, req, attrs) {
			continue
		}
		matched = append(matched, applicable{policy: p, outcome: evalCondition(p.Condition, attrMap)})
	}

	d := combine(matched, e.config.DefaultEffect)
	elapsed := time.Since(start)
	d.EvaluationTimeMS = float64(elapsed.Microseconds()) / 1000.0
	d.Timestamp = time.Now().UTC()
	e.metrics.recordEvaluation(elapsed)

	e.cache.Put(fp, d)
	return d
}

func (e *Engine) errorDecision(err error, start time.Time) *Decision {
	e.logger.Error("authorization evaluation failed", "error", err)
	sentry.CaptureException(err)
	return &Decision{
		Effect:           EffectIndeterminate,
		Reason:           "Authorization error: " + err.Error(),
		MatchedPolicies:  []uuid.UUID{},
		Obligations:      []string{},
		Advice:           []string{"Check system logs for details"},
		EvaluationTimeMS: msSince(start),
		Timestamp:        time.Now().UTC(),
	}
}

// finish counts the decision and emits its audit record.
func (e *Engine) finish(req Request, fp string, d *Decision) {
	e.metrics.recordDecision(d.Effect)

	matched := make([]string, len(d.MatchedPolicies))
	for i, id := range d.MatchedPolicies {
		matched[i] = id.String()
	}
	e.sink.Write(audit.Record{
		UserID:     req.Subject,
		EventType:  audit.EventDecision,
		Success:    d.Effect == EffectPermit,
		ResourceID: req.Resource,
		Action:     req.Action,
		Decision:   string(d.Effect),
		Metadata: map[string]any{
			"fingerprint":        fp,
			"reason":             d.Reason,
			"matched_policies":   matched,
			"evaluation_time_ms": d.EvaluationTimeMS,
			"cache_hit":          d.CacheHit,
		},
	})
}

// CreatePolicy validates and persists a policy, then drops every cached
// decision. The purge happens after the store commit so no reader can cache
// a decision computed from the old policy set and keep it past the change.
func (e *Engine) CreatePolicy(ctx context.Context, p *Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	if err := e.policies.CreatePolicy(ctx, p); err != nil {
		return err
	}
	purged := e.cache.Purge()
	e.logger.Info("policy created", "policy_id", p.ID, "effect", p.Effect, "cache_purged", purged)
	return nil
}

func (e *Engine) UpdatePolicy(ctx context.Context, p *Policy, bumpVersion bool) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	if err := e.policies.UpdatePolicy(ctx, p, bumpVersion); err != nil {
		return err
	}
	purged := e.cache.Purge()
	e.logger.Info("policy updated", "policy_id", p.ID, "version", p.Version, "cache_purged", purged)
	return nil
}

// DeletePolicy soft-deletes by default; hard removes the row.
func (e *Engine) DeletePolicy(ctx context.Context, id uuid.UUID, hard bool) error {
	var err error
	if hard {
		err = e.policies.HardDeletePolicy(ctx, id)
	} else {
		err = e.policies.SoftDeletePolicy(ctx, id)
	}
	if err != nil {
		return err
	}
	purged := e.cache.Purge()
	e.logger.Info("policy deleted", "policy_id", id, "hard", hard, "cache_purged", purged)
	return nil
}

func (e *Engine) GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	return e.policies.GetPolicy(ctx, id)
}

func (e *Engine) ListPolicies(ctx context.Context, filter PolicyFilter) ([]Policy, error) {
	return e.policies.ListPolicies(ctx, filter)
}

func (e *Engine) CountPolicies(ctx context.Context) (total, active int, err error) {
	return e.policies.CountPolicies(ctx)
}

// PurgeCache empties the decision cache on operator request.
func (e *Engine) PurgeCache() int {
	return e.cache.Purge()
}

func (e *Engine) Cache() *DecisionCache { return e.cache }

func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) Config() Config { return e.config }

// PerformanceSnapshot is the /metrics/performance wire shape.
type PerformanceSnapshot struct {
	Decisions struct {
		Total         uint64 `json:"total"`
		Permit        uint64 `json:"permit"`
		Deny          uint64 `json:"deny"`
		Indeterminate uint64 `json:"indeterminate"`
	} `json:"decisions"`
	Cache struct {
		Hits    uint64  `json:"hits"`
		Misses  uint64  `json:"misses"`
		HitRate float64 `json:"hit_rate"`
	} `json:"cache"`
	Coalesced           uint64  `json:"coalesced"`
	AverageEvaluationMS float64 `json:"average_evaluation_ms"`
	Bulk                struct {
		Requests uint64 `json:"requests"`
		Entries  uint64 `json:"entries"`
	} `json:"bulk"`
}

func (e *Engine) Performance() PerformanceSnapshot {
	var snap PerformanceSnapshot
	snap.Decisions.Total = e.metrics.Total.Load()
	snap.Decisions.Permit = e.metrics.Permit.Load()
	snap.Decisions.Deny = e.metrics.Deny.Load()
	snap.Decisions.Indeterminate = e.metrics.Indeterminate.Load()

	hits, misses := e.cache.Stats()
	snap.Cache.Hits = hits
	snap.Cache.Misses = misses
	if total := hits + misses; total > 0 {
		snap.Cache.HitRate = float64(hits) / float64(total)
	}

	snap.Coalesced = e.metrics.Coalesced.Load()
	snap.AverageEvaluationMS = e.metrics.AverageEvaluationMS()
	snap.Bulk.Requests = e.metrics.BulkRequests.Load()
	snap.Bulk.Entries = e.metrics.BulkEntries.Load()
	return snap
}

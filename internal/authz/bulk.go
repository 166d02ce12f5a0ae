package authz

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BulkEntry is one (resource, action, context) tuple in a bulk call. The
// subject comes from the envelope and is shared by every entry.
type BulkEntry struct {
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context,omitempty"`
}

type BulkSummary struct {
	Total         int `json:"total"`
	Permitted     int `json:"permitted"`
	Denied        int `json:"denied"`
	Indeterminate int `json:"indeterminate"`
}

type BulkResult struct {
	Decisions []*Decision
	Summary   BulkSummary
}

// BulkAuthorize evaluates many tuples for one subject: the subject resolves
// once, duplicate fingerprints evaluate once, unique fingerprints run in
// parallel under the concurrency limit, and results come back in input
// order.
func (e *Engine) BulkAuthorize(ctx context.Context, subject string, entries []BulkEntry) *BulkResult {
	return e.bulk(ctx, subject, entries, false)
}

// BatchAuthorize is BulkAuthorize plus a role-based policy pre-filter: the
// active set is fetched once and narrowed to policies whose subject
// predicate can match this caller before any per-entry work. Meant for large
// batches where policy load dominates.
func (e *Engine) BatchAuthorize(ctx context.Context, subject string, entries []BulkEntry) *BulkResult {
	return e.bulk(ctx, subject, entries, true)
}

func (e *Engine) bulk(ctx context.Context, subject string, entries []BulkEntry, prefilter bool) *BulkResult {
	e.metrics.BulkRequests.Add(1)
	e.metrics.BulkEntries.Add(uint64(len(entries)))

	reqs := make([]Request, len(entries))
	fps := make([]string, len(entries))
	for i, entry := range entries {
		reqs[i] = Request{
			Subject:  subject,
			Resource: entry.Resource,
			Action:   entry.Action,
			Context:  entry.Context,
		}
		fps[i] = reqs[i].Fingerprint()
	}

	attrs, attrErr := e.subjects.ResolveSubject(ctx, subject)

	var (
		prefiltered []Policy
		policyErr   error
	)
	if prefilter && attrErr == nil {
		prefiltered, policyErr = e.policies.ListActivePolicies(ctx)
		if policyErr == nil {
			prefiltered = prefilterBySubject(prefiltered, subject, attrs)
		}
	}

	slots := make(map[string]int, len(entries))
	var unique []Request
	for i, fp := range fps {
		if _, ok := slots[fp]; !ok {
			slots[fp] = len(unique)
			unique = append(unique, reqs[i])
		}
	}

	decisions := make([]*Decision, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.BulkConcurrency)
	for slot, req := range unique {
		g.Go(func() error {
			switch {
			case attrErr != nil:
				decisions[slot] = e.errorDecision(attrErr, time.Now())
			case policyErr != nil:
				decisions[slot] = e.errorDecision(policyErr, time.Now())
			default:
				decisions[slot] = e.authorize(gctx, req, attrs, prefiltered)
			}
			return nil
		})
	}
	// Workers only ever return nil; Wait is just the join point.
	_ = g.Wait()

	result := &BulkResult{Decisions: make([]*Decision, len(entries))}
	served := make(map[string]bool, len(unique))
	for i, fp := range fps {
		d := decisions[slots[fp]]
		if served[fp] {
			// Fan-out copy of an already-evaluated duplicate. It reports its
			// own (near-zero) serve time, not the original's evaluation time.
			start := time.Now()
			c := d.clone()
			c.EvaluationTimeMS = msSince(start)
			c.Timestamp = time.Now().UTC()
			d = c
		}
		served[fp] = true
		result.Decisions[i] = d

		result.Summary.Total++
		switch d.Effect {
		case EffectPermit:
			result.Summary.Permitted++
		case EffectDeny:
			result.Summary.Denied++
		default:
			result.Summary.Indeterminate++
		}
	}
	return result
}

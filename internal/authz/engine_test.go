package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/audit"
)

// fakePolicyStore is an in-memory PolicyStore. Setting err makes every
// method fail with it.
type fakePolicyStore struct {
	mu          sync.Mutex
	policies    map[uuid.UUID]*Policy
	err         error
	activeCalls int
	activeGate  chan struct{}
}

func newFakePolicyStore() *fakePolicyStore {
	return &fakePolicyStore{policies: make(map[uuid.UUID]*Policy)}
}

func (s *fakePolicyStore) add(p Policy) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.policies[p.ID] = &p
	return p.ID
}

func (s *fakePolicyStore) CreatePolicy(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *fakePolicyStore) GetPolicy(_ context.Context, id uuid.UUID) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakePolicyStore) UpdatePolicy(_ context.Context, p *Policy, bumpVersion bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	stored, ok := s.policies[p.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	if bumpVersion {
		p.Version = stored.Version + 1
	} else {
		p.Version = stored.Version
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *fakePolicyStore) SoftDeletePolicy(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	p, ok := s.policies[id]
	if !ok {
		return ErrPolicyNotFound
	}
	p.IsActive = false
	return nil
}

func (s *fakePolicyStore) HardDeletePolicy(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *fakePolicyStore) ListPolicies(_ context.Context, filter PolicyFilter) ([]Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Policy
	for _, p := range s.policies {
		if filter.Effect != nil && p.Effect != *filter.Effect {
			continue
		}
		if filter.IsActive != nil && p.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *fakePolicyStore) ListActivePolicies(_ context.Context) ([]Policy, error) {
	s.mu.Lock()
	s.activeCalls++
	gate := s.activeGate
	err := s.err
	var out []Policy
	for _, p := range s.policies {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fakePolicyStore) CountPolicies(_ context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	active := 0
	for _, p := range s.policies {
		if p.IsActive {
			active++
		}
	}
	return len(s.policies), active, nil
}

func (s *fakePolicyStore) activeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCalls
}

// captureSink collects audit records for assertions.
type captureSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureSink) Write(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureSink) records() []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Record(nil), c.recs...)
}

type failingResolver struct{ err error }

func (r failingResolver) ResolveSubject(context.Context, string) (*SubjectAttributes, error) {
	return nil, r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T, store *fakePolicyStore, subjects SubjectResolver) (*Engine, *captureSink) {
	t.Helper()
	if subjects == nil {
		subjects = StaticResolver{}
	}
	sink := &captureSink{}
	e := NewEngine(Config{DefaultEffect: EffectDeny}, store, subjects, sink, testLogger())
	return e, sink
}

func TestEngine_Permit(t *testing.T) {
	store := newFakePolicyStore()
	id := store.add(Policy{
		Effect:      EffectPermit,
		Target:      Target{Subjects: []string{"admin"}, Resources: []string{"documents"}},
		Obligations: []string{"log_access"},
		IsActive:    true,
	})
	resolver := StaticResolver{"alice": {UserID: "alice", Username: "alice", Roles: []string{"admin"}}}
	e, sink := testEngine(t, store, resolver)

	d := e.Authorize(context.Background(), Request{Subject: "alice", Resource: "documents", Action: "read"})

	require.Equal(t, EffectPermit, d.Effect)
	assert.Equal(t, []uuid.UUID{id}, d.MatchedPolicies)
	assert.Equal(t, []string{"log_access"}, d.Obligations)
	assert.False(t, d.CacheHit)
	assert.False(t, d.Timestamp.IsZero())

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.EventDecision, recs[0].EventType)
	assert.Equal(t, "alice", recs[0].UserID)
	assert.Equal(t, "documents", recs[0].ResourceID)
	assert.Equal(t, "permit", recs[0].Decision)
	assert.True(t, recs[0].Success)
	assert.NotEmpty(t, recs[0].Metadata["fingerprint"])
}

func TestEngine_DefaultDenyWhenNothingMatches(t *testing.T) {
	e, sink := testEngine(t, newFakePolicyStore(), nil)

	d := e.Authorize(context.Background(), Request{Subject: "alice", Resource: "documents", Action: "read"})

	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, "No matching policies, default effect deny", d.Reason)

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
}

func TestEngine_InactivePoliciesInvisible(t *testing.T) {
	store := newFakePolicyStore()
	store.add(Policy{Effect: EffectPermit, IsActive: false})
	e, _ := testEngine(t, store, nil)

	d := e.Authorize(context.Background(), Request{Subject: "alice", Resource: "r", Action: "a"})

	assert.Equal(t, EffectDeny, d.Effect)
}

func TestEngine_CacheHit(t *testing.T) {
	store := newFakePolicyStore()
	store.add(Policy{Effect: EffectPermit, IsActive: true})
	e, sink := testEngine(t, store, nil)
	req := Request{Subject: "alice", Resource: "documents", Action: "read"}

	first := e.Authorize(context.Background(), req)
	second := e.Authorize(context.Background(), req)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Effect, second.Effect)
	assert.Equal(t, 1, store.activeCallCount())

	// Hits are decisions too: both calls must be audited.
	assert.Len(t, sink.records(), 2)

	hits, misses := e.Cache().Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestEngine_CachedDecisionIsIsolated(t *testing.T) {
	store := newFakePolicyStore()
	store.add(Policy{Effect: EffectPermit, IsActive: true, Obligations: []string{"log_access"}})
	e, _ := testEngine(t, store, nil)
	req := Request{Subject: "alice", Resource: "documents", Action: "read"}

	first := e.Authorize(context.Background(), req)
	first.Obligations[0] = "tampered"

	second := e.Authorize(context.Background(), req)
	assert.Equal(t, []string{"log_access"}, second.Obligations)
}

func TestEngine_MutationsPurgeCache(t *testing.T) {
	store := newFakePolicyStore()
	store.add(Policy{Effect: EffectPermit, IsActive: true})
	e, _ := testEngine(t, store, nil)
	req := Request{Subject: "alice", Resource: "documents", Action: "read"}

	d := e.Authorize(context.Background(), req)
	require.Equal(t, EffectPermit, d.Effect)
	require.Equal(t, 1, e.Cache().Len())

	// A new deny must take effect on the very next evaluation.
	err := e.CreatePolicy(context.Background(), &Policy{
		Effect:   EffectDeny,
		Priority: 100,
		IsActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, e.Cache().Len())

	d = e.Authorize(context.Background(), req)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.False(t, d.CacheHit)
}

func TestEngine_UpdateAndDeletePurgeCache(t *testing.T) {
	store := newFakePolicyStore()
	id := store.add(Policy{Effect: EffectPermit, IsActive: true})
	e, _ := testEngine(t, store, nil)
	req := Request{Subject: "alice", Resource: "documents", Action: "read"}

	e.Authorize(context.Background(), req)
	require.Equal(t, 1, e.Cache().Len())

	p, err := e.GetPolicy(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, e.UpdatePolicy(context.Background(), p, true))
	assert.Equal(t, 0, e.Cache().Len())
	assert.Equal(t, 2, p.Version)

	e.Authorize(context.Background(), req)
	require.Equal(t, 1, e.Cache().Len())

	require.NoError(t, e.DeletePolicy(context.Background(), id, false))
	assert.Equal(t, 0, e.Cache().Len())

	d := e.Authorize(context.Background(), req)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestEngine_StoreErrorIsIndeterminateAndUncached(t *testing.T) {
	store := newFakePolicyStore()
	store.err = errors.New("connection refused")
	e, sink := testEngine(t, store, nil)
	req := Request{Subject: "alice", Resource: "documents", Action: "read"}

	d := e.Authorize(context.Background(), req)

	require.Equal(t, EffectIndeterminate, d.Effect)
	assert.Equal(t, "Authorization error: connection refused", d.Reason)
	assert.Equal(t, []string{"Check system logs for details"}, d.Advice)
	assert.Empty(t, d.MatchedPolicies)
	assert.Equal(t, 0, e.Cache().Len())

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "indeterminate", recs[0].Decision)

	// Once the store recovers the next call must evaluate fresh.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	d = e.Authorize(context.Background(), req)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.NotContains(t, d.Reason, "Authorization error")
}

func TestEngine_ResolverErrorIsIndeterminate(t *testing.T) {
	e, _ := testEngine(t, newFakePolicyStore(), failingResolver{err: errors.New("directory down")})

	d := e.Authorize(context.Background(), Request{Subject: "alice", Resource: "r", Action: "a"})

	assert.Equal(t, EffectIndeterminate, d.Effect)
	assert.Contains(t, d.Reason, "directory down")
	assert.Equal(t, 0, e.Cache().Len())
}

func TestEngine_UnknownSubjectMatchesLiteralTargets(t *testing.T) {
	store := newFakePolicyStore()
	store.add(Policy{
		Effect:   EffectPermit,
		Target:   Target{Subjects: []string{"svc-batch"}},
		IsActive: true,
	})
	e, _ := testEngine(t, store, nil)

	d := e.Authorize(context.Background(), Request{Subject: "svc-batch", Resource: "r", Action: "a"})

	assert.Equal(t, EffectPermit, d.Effect)
}

func TestEngine_ConditionGatesPolicy(t *testing.T) {
	store := newFakePolicyStore()
	store.add(Policy{
		Effect:    EffectPermit,
		Condition: &Condition{Op: "eq", Attr: "department", Value: "engineering"},
		IsActive:  true,
	})
	e, _ := testEngine(t, store, nil)

	permitted := e.Authorize(context.Background(), Request{
		Subject: "alice", Resource: "r", Action: "a",
		Context: map[string]any{"department": "engineering"},
	})
	denied := e.Authorize(context.Background(), Request{
		Subject: "alice", Resource: "r", Action: "a",
		Context: map[string]any{"department": "sales"},
	})
	unknowable := e.Authorize(context.Background(), Request{
		Subject: "alice", Resource: "r", Action: "a",
	})

	assert.Equal(t, EffectPermit, permitted.Effect)
	assert.Equal(t, EffectDeny, denied.Effect)
	assert.Equal(t, "No applicable policies, default effect deny", denied.Reason)
	assert.Equal(t, EffectIndeterminate, unknowable.Effect)
}

func TestEngine_CreateRejectsInvalidPolicy(t *testing.T) {
	store := newFakePolicyStore()
	e, _ := testEngine(t, store, nil)

	err := e.CreatePolicy(context.Background(), &Policy{Effect: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	total, _, _ := store.CountPolicies(context.Background())
	assert.Equal(t, 0, total)
}

func TestEngine_DefaultEffectCoercion(t *testing.T) {
	e := NewEngine(Config{DefaultEffect: "whatever"}, newFakePolicyStore(), StaticResolver{}, nil, testLogger())
	assert.Equal(t, EffectDeny, e.Config().DefaultEffect)

	e = NewEngine(Config{DefaultEffect: EffectPermit}, newFakePolicyStore(), StaticResolver{}, nil, testLogger())
	assert.Equal(t, EffectPermit, e.Config().DefaultEffect)
}

func TestEngine_ConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	store := newFakePolicyStore()
	store.add(Policy{Effect: EffectPermit, IsActive: true})
	gate := make(chan struct{})
	store.activeGate = gate

	e, _ := testEngine(t, store, nil)
	req := Request{Subject: "alice", Resource: "documents", Action: "read"}

	var wg sync.WaitGroup
	results := make([]*Decision, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.Authorize(context.Background(), req)
		}()
	}

	// Both goroutines are past the cache check once the store blocks; release
	// the evaluation and join.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, store.activeCallCount())
	assert.Equal(t, EffectPermit, results[0].Effect)
	assert.Equal(t, EffectPermit, results[1].Effect)

	hits, _ := e.Cache().Stats()
	coalesced := e.Metrics().Coalesced.Load()
	assert.Equal(t, uint64(1), hits+coalesced, "second caller must coalesce or hit cache")
}

func TestEngine_WarmCache(t *testing.T) {
	store := newFakePolicyStore()
	store.add(Policy{Effect: EffectPermit, IsActive: true})
	e, _ := testEngine(t, store, nil)

	warmed := e.WarmCache(context.Background(), []WarmTuple{
		{Subject: "alice", Resource: "documents", Action: "read"},
		{Subject: "alice", Resource: "documents", Action: "write"},
		{Subject: "", Resource: "documents", Action: "read"},
	})

	assert.Equal(t, 2, warmed)
	assert.Equal(t, 2, e.Cache().Len())
}

func TestDecisionCache_PurgeReportsSize(t *testing.T) {
	c := NewDecisionCache(10, time.Minute)
	c.Put("a", &Decision{Effect: EffectPermit})
	c.Put("b", &Decision{Effect: EffectDeny})

	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Purge())
}

func TestDecisionCache_Defaults(t *testing.T) {
	c := NewDecisionCache(0, 0)
	assert.Equal(t, 10000, c.Capacity())
	assert.Equal(t, 5*time.Minute, c.TTL())
}

package authz

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pol(effect Effect, priority int, updated time.Time) *Policy {
	return &Policy{ID: uuid.New(), Effect: effect, Priority: priority, UpdatedAt: updated}
}

func TestCombine_Empty(t *testing.T) {
	d := combine(nil, EffectDeny)

	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, "No matching policies, default effect deny", d.Reason)
	assert.NotNil(t, d.MatchedPolicies)
	assert.NotNil(t, d.Obligations)
	assert.NotNil(t, d.Advice)
}

func TestCombine_HigherPriorityPermitWins(t *testing.T) {
	now := time.Now()
	permit := pol(EffectPermit, 10, now)
	deny := pol(EffectDeny, 5, now)

	d := combine([]applicable{{permit, outcomeTrue}, {deny, outcomeTrue}}, EffectDeny)

	// The permit sits in a higher priority group, so the deny below it never
	// gets a say.
	require.Equal(t, EffectPermit, d.Effect)
	assert.Equal(t, fmt.Sprintf("Permitted by policy %s", permit.ID), d.Reason)
	assert.Equal(t, []uuid.UUID{permit.ID}, d.MatchedPolicies)

	// Raising the deny above the permit flips the outcome.
	deny.Priority = 20
	d = combine([]applicable{{permit, outcomeTrue}, {deny, outcomeTrue}}, EffectDeny)

	require.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, []uuid.UUID{deny.ID}, d.MatchedPolicies)
}

func TestCombine_DenyOverridesWithinGroup(t *testing.T) {
	now := time.Now()
	permit := pol(EffectPermit, 50, now)
	permit.Obligations = []string{"watermark"}
	deny := pol(EffectDeny, 50, now)
	deny.Obligations = []string{"log_denial"}

	d := combine([]applicable{{permit, outcomeTrue}, {deny, outcomeTrue}}, EffectDeny)

	// At equal priority the deny wins, and only the denying side is cited.
	require.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, fmt.Sprintf("Denied by policy %s", deny.ID), d.Reason)
	assert.Equal(t, []uuid.UUID{deny.ID}, d.MatchedPolicies)
	assert.Equal(t, []string{"log_denial"}, d.Obligations)
}

func TestCombine_PriorityOrdersTheWalk(t *testing.T) {
	now := time.Now()
	highDeny := pol(EffectDeny, 100, now)
	lowDeny := pol(EffectDeny, 1, now)

	d := combine([]applicable{
		{lowDeny, outcomeTrue},
		{highDeny, outcomeTrue},
	}, EffectDeny)

	assert.Equal(t, []uuid.UUID{highDeny.ID}, d.MatchedPolicies)
}

func TestCombine_UpdatedAtBreaksPriorityTie(t *testing.T) {
	older := pol(EffectDeny, 10, time.Now().Add(-time.Hour))
	newer := pol(EffectDeny, 10, time.Now())

	d := combine([]applicable{{older, outcomeTrue}, {newer, outcomeTrue}}, EffectDeny)

	// Both denies sit in the same group and are cited, most recently updated
	// first, which also decides the policy named in the reason.
	assert.Equal(t, []uuid.UUID{newer.ID, older.ID}, d.MatchedPolicies)
	assert.Equal(t, fmt.Sprintf("Denied by policy %s", newer.ID), d.Reason)
}

func TestCombine_IDBreaksFullTie(t *testing.T) {
	now := time.Now()
	a := pol(EffectDeny, 10, now)
	b := pol(EffectDeny, 10, now)

	first, second := a.ID, b.ID
	if b.ID.String() > a.ID.String() {
		first, second = b.ID, a.ID
	}

	// Input order must not matter once every sort key ties.
	d1 := combine([]applicable{{a, outcomeTrue}, {b, outcomeTrue}}, EffectDeny)
	d2 := combine([]applicable{{b, outcomeTrue}, {a, outcomeTrue}}, EffectDeny)

	assert.Equal(t, []uuid.UUID{first, second}, d1.MatchedPolicies)
	assert.Equal(t, []uuid.UUID{first, second}, d2.MatchedPolicies)
}

func TestCombine_PermitsAggregateWithinGroup(t *testing.T) {
	first := pol(EffectPermit, 100, time.Now())
	first.Obligations = []string{"watermark"}
	first.Advice = []string{"expires_soon"}
	second := pol(EffectPermit, 100, time.Now().Add(-time.Hour))
	second.Obligations = []string{"log_access"}
	below := pol(EffectPermit, 10, time.Now())
	below.Obligations = []string{"stamp"}

	d := combine([]applicable{
		{second, outcomeTrue},
		{below, outcomeTrue},
		{first, outcomeTrue},
	}, EffectDeny)

	// Permits in the deciding group aggregate; the permit in the group below
	// contributes nothing.
	require.Equal(t, EffectPermit, d.Effect)
	assert.Equal(t, fmt.Sprintf("Permitted by policy %s", first.ID), d.Reason)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, d.MatchedPolicies)
	assert.Equal(t, []string{"watermark", "log_access"}, d.Obligations)
	assert.Equal(t, []string{"expires_soon"}, d.Advice)
}

func TestCombine_AllIndeterminate(t *testing.T) {
	d := combine([]applicable{
		{pol(EffectPermit, 10, time.Now()), outcomeIndeterminate},
		{pol(EffectDeny, 5, time.Now()), outcomeIndeterminate},
	}, EffectDeny)

	assert.Equal(t, EffectIndeterminate, d.Effect)
	assert.Equal(t, "All matching policies evaluated indeterminate", d.Reason)
	assert.Empty(t, d.MatchedPolicies)
}

func TestCombine_ConditionFalseFallsToDefault(t *testing.T) {
	// Policies matched on target but their conditions came out false: they do
	// not apply, and the presence of an indeterminate alongside them does not
	// poison the result.
	d := combine([]applicable{
		{pol(EffectPermit, 10, time.Now()), outcomeFalse},
		{pol(EffectDeny, 5, time.Now()), outcomeIndeterminate},
	}, EffectDeny)

	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, "No applicable policies, default effect deny", d.Reason)
}

func TestCombine_PermitDefault(t *testing.T) {
	d := combine(nil, EffectPermit)

	assert.Equal(t, EffectPermit, d.Effect)
	assert.Equal(t, "No matching policies, default effect permit", d.Reason)
}

func TestValidatePolicy(t *testing.T) {
	valid := &Policy{Effect: EffectPermit, Condition: &Condition{
		Op: "and", Children: []*Condition{
			{Op: "eq", Attr: "department", Value: "eng"},
			{Op: "not", Children: []*Condition{{Op: "in", Attr: "roles", Value: []any{"intern"}}}},
		},
	}}
	assert.NoError(t, ValidatePolicy(valid))

	tests := []struct {
		name string
		p    *Policy
	}{
		{"bad effect", &Policy{Effect: "maybe"}},
		{"unknown op", &Policy{Effect: EffectDeny, Condition: &Condition{Op: "regex", Attr: "a"}}},
		{"leaf without attr", &Policy{Effect: EffectDeny, Condition: &Condition{Op: "eq"}}},
		{"and without children", &Policy{Effect: EffectDeny, Condition: &Condition{Op: "and"}}},
		{"not with two children", &Policy{Effect: EffectDeny, Condition: &Condition{
			Op: "not", Children: []*Condition{{Op: "eq", Attr: "a"}, {Op: "eq", Attr: "b"}},
		}}},
		{"leaf with children", &Policy{Effect: EffectDeny, Condition: &Condition{
			Op: "eq", Attr: "a", Children: []*Condition{{Op: "eq", Attr: "b"}},
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidatePolicy(tc.p), ErrInvalidPolicy)
		})
	}
}

func TestValidatePolicy_DepthLimit(t *testing.T) {
	deep := &Condition{Op: "eq", Attr: "a"}
	for i := 0; i < maxConditionDepth+1; i++ {
		deep = &Condition{Op: "not", Children: []*Condition{deep}}
	}

	assert.ErrorIs(t, ValidatePolicy(&Policy{Effect: EffectDeny, Condition: deep}), ErrInvalidPolicy)
}

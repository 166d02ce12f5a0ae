package authz

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// applicable pairs a matched policy with its condition outcome.
type applicable struct {
	policy  *Policy
	outcome outcome
}

// sortForCombining orders policies for the combining walk: priority
// descending, then updated_at descending, then id descending. The id tail
// makes the order total, so two policies that tie on everything else still
// combine deterministically.
func sortForCombining(list []applicable) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].policy, list[j].policy
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID.String() > b.ID.String()
	})
}

// combine runs deny-overrides-with-priority. Policies are grouped by
// priority and the groups walked from highest to lowest; the first group
// holding an applicable policy decides, and within that group a deny beats
// any permit. A higher-priority permit therefore wins over a lower-priority
// deny. Matched policies whose conditions came out false are not
// applicable; a group that is entirely indeterminate decides nothing and
// the walk continues.
//
// Matched ids, obligations and advice aggregate from the deciding group's
// applicable policies that share the final effect.
func combine(list []applicable, defaultEffect Effect) *Decision {
	if len(list) == 0 {
		return &Decision{
			Effect:          defaultEffect,
			Reason:          fmt.Sprintf("No matching policies, default effect %s", defaultEffect),
			MatchedPolicies: []uuid.UUID{},
			Obligations:     []string{},
			Advice:          []string{},
		}
	}

	sortForCombining(list)

	sawDeterminate := false
	for i := 0; i < len(list); {
		j := i
		for j < len(list) && list[j].policy.Priority == list[i].policy.Priority {
			j++
		}

		var denies, permits []*Policy
		for _, a := range list[i:j] {
			switch a.outcome {
			case outcomeIndeterminate:
			case outcomeFalse:
				sawDeterminate = true
			default:
				sawDeterminate = true
				if a.policy.Effect == EffectDeny {
					denies = append(denies, a.policy)
				} else {
					permits = append(permits, a.policy)
				}
			}
		}

		if len(denies) > 0 {
			return decisionFrom(EffectDeny, denies)
		}
		if len(permits) > 0 {
			return decisionFrom(EffectPermit, permits)
		}
		i = j
	}

	if !sawDeterminate {
		return &Decision{
			Effect:          EffectIndeterminate,
			Reason:          "All matching policies evaluated indeterminate",
			MatchedPolicies: []uuid.UUID{},
			Obligations:     []string{},
			Advice:          []string{},
		}
	}

	return &Decision{
		Effect:          defaultEffect,
		Reason:          fmt.Sprintf("No applicable policies, default effect %s", defaultEffect),
		MatchedPolicies: []uuid.UUID{},
		Obligations:     []string{},
		Advice:          []string{},
	}
}

// decisionFrom builds the final decision from the deciding group's
// policies, first one cited in the reason.
func decisionFrom(effect Effect, from []*Policy) *Decision {
	verb := "Permitted"
	if effect == EffectDeny {
		verb = "Denied"
	}
	d := &Decision{
		Effect:          effect,
		Reason:          fmt.Sprintf("%s by policy %s", verb, from[0].ID),
		MatchedPolicies: make([]uuid.UUID, 0, len(from)),
		Obligations:     []string{},
		Advice:          []string{},
	}
	for _, p := range from {
		d.MatchedPolicies = append(d.MatchedPolicies, p.ID)
		d.Obligations = append(d.Obligations, p.Obligations...)
		d.Advice = append(d.Advice, p.Advice...)
	}
	return d
}

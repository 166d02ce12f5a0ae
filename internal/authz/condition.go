package authz

import "strings"

// outcome is the three-valued result of evaluating one policy's condition.
type outcome int

const (
	outcomeFalse outcome = iota
	outcomeTrue
	outcomeIndeterminate
)

// buildAttributes flattens the facts a condition may reference. Later
// assignments win, so precedence is action/resource < subject facts <
// request context.
func buildAttributes(req Request, subject *SubjectAttributes) map[string]any {
	attrs := map[string]any{
		"action":   req.Action,
		"resource": req.Resource,
		"subject":  req.Subject,
	}
	if subject != nil {
		attrs["user_id"] = subject.UserID
		if subject.Username != "" {
			attrs["username"] = subject.Username
		}
		if subject.Roles != nil {
			attrs["roles"] = subject.Roles
		}
		if subject.PrimaryRole != "" {
			attrs["primary_role"] = subject.PrimaryRole
		}
		for k, v := range subject.Metadata {
			attrs["metadata."+k] = v
		}
	}
	for k, v := range req.Context {
		attrs[k] = v
	}
	return attrs
}

// evalCondition walks the tree with Kleene three-valued logic: for "and",
// false dominates indeterminate; for "or", true does. A nil condition is
// vacuously true (the policy applies whenever its target matches).
func evalCondition(c *Condition, attrs map[string]any) outcome {
	if c == nil {
		return outcomeTrue
	}

	switch c.Op {
	case "and":
		result := outcomeTrue
		for _, child := range c.Children {
			switch evalCondition(child, attrs) {
			case outcomeFalse:
				return outcomeFalse
			case outcomeIndeterminate:
				result = outcomeIndeterminate
			}
		}
		return result
	case "or":
		result := outcomeFalse
		for _, child := range c.Children {
			switch evalCondition(child, attrs) {
			case outcomeTrue:
				return outcomeTrue
			case outcomeIndeterminate:
				result = outcomeIndeterminate
			}
		}
		return result
	case "not":
		switch evalCondition(c.Children[0], attrs) {
		case outcomeTrue:
			return outcomeFalse
		case outcomeFalse:
			return outcomeTrue
		default:
			return outcomeIndeterminate
		}
	}

	value, ok := attrs[c.Attr]
	if !ok {
		return outcomeIndeterminate
	}
	return evalLeaf(c.Op, value, c.Value)
}

func evalLeaf(op string, have, want any) outcome {
	switch op {
	case "eq":
		return boolOutcome(looseEqual(have, want))
	case "ne":
		return boolOutcome(!looseEqual(have, want))
	case "gt", "ge", "lt", "le":
		return evalOrdered(op, have, want)
	case "in":
		return evalMembership(have, want, false)
	case "not_in":
		return evalMembership(have, want, true)
	case "contains":
		return evalContains(have, want)
	default:
		return outcomeIndeterminate
	}
}

func boolOutcome(b bool) outcome {
	if b {
		return outcomeTrue
	}
	return outcomeFalse
}

// looseEqual compares across the numeric types JSON decoding and Go callers
// produce: 3 and 3.0 are the same value.
func looseEqual(a, b any) bool {
	if fa, aok := toFloat(a); aok {
		fb, bok := toFloat(b)
		return bok && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// evalOrdered compares numbers as numbers and strings lexicographically.
// Comparing across types is a policy bug, reported as indeterminate.
func evalOrdered(op string, have, want any) outcome {
	if fa, aok := toFloat(have); aok {
		fb, bok := toFloat(want)
		if !bok {
			return outcomeIndeterminate
		}
		return orderedOutcome(op, compareFloat(fa, fb))
	}
	sa, aok := have.(string)
	sb, bok := want.(string)
	if !aok || !bok {
		return outcomeIndeterminate
	}
	return orderedOutcome(op, strings.Compare(sa, sb))
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func orderedOutcome(op string, cmp int) outcome {
	switch op {
	case "gt":
		return boolOutcome(cmp > 0)
	case "ge":
		return boolOutcome(cmp >= 0)
	case "lt":
		return boolOutcome(cmp < 0)
	default:
		return boolOutcome(cmp <= 0)
	}
}

// evalMembership answers "is the attribute value in the policy's list". The
// policy side must be a list; anything else is indeterminate.
func evalMembership(have, want any, negate bool) outcome {
	items, ok := toSlice(want)
	if !ok {
		return outcomeIndeterminate
	}
	found := false
	for _, item := range items {
		if looseEqual(have, item) {
			found = true
			break
		}
	}
	return boolOutcome(found != negate)
}

// evalContains answers "does the attribute value contain the policy value":
// substring for strings, membership for lists.
func evalContains(have, want any) outcome {
	if s, ok := have.(string); ok {
		sub, ok := want.(string)
		if !ok {
			return outcomeIndeterminate
		}
		return boolOutcome(strings.Contains(s, sub))
	}
	items, ok := toSlice(have)
	if !ok {
		return outcomeIndeterminate
	}
	for _, item := range items {
		if looseEqual(item, want) {
			return outcomeTrue
		}
	}
	return outcomeFalse
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

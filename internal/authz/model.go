package authz

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Effect is a decision outcome. Policies may only carry permit or deny;
// indeterminate exists solely as a decision result.
type Effect string

const (
	EffectPermit        Effect = "permit"
	EffectDeny          Effect = "deny"
	EffectIndeterminate Effect = "indeterminate"
)

// Target selects which requests a policy applies to. An empty list or a "*"
// entry is a wildcard. Subject entries match the request subject literally,
// or the resolved user's username, or any of their roles.
type Target struct {
	Subjects  []string `json:"subjects"`
	Resources []string `json:"resources"`
	Actions   []string `json:"actions"`
}

// Condition is a boolean expression tree over request and subject
// attributes. Leaf operators compare Attr against Value; and/or/not combine
// children.
type Condition struct {
	Op       string       `json:"op"`
	Attr     string       `json:"attr,omitempty"`
	Value    any          `json:"value,omitempty"`
	Children []*Condition `json:"children,omitempty"`
}

// Policy is one access rule. (id, version) is unique; updates bump version.
type Policy struct {
	ID          uuid.UUID  `json:"id"`
	Version     int        `json:"version"`
	Description string     `json:"description,omitempty"`
	Effect      Effect     `json:"effect"`
	Target      Target     `json:"target"`
	Condition   *Condition `json:"condition,omitempty"`
	Obligations []string   `json:"obligations,omitempty"`
	Advice      []string   `json:"advice,omitempty"`
	Priority    int        `json:"priority"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Request is one authorization question.
type Request struct {
	Subject  string         `json:"subject"`
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context,omitempty"`
}

func (r Request) validate() error {
	if r.Subject == "" {
		return fmt.Errorf("subject required")
	}
	if r.Resource == "" {
		return fmt.Errorf("resource required")
	}
	if r.Action == "" {
		return fmt.Errorf("action required")
	}
	return nil
}

// Decision is the engine's answer. It is a value judgment, never an HTTP
// error: even engine failures come back as an indeterminate Decision.
type Decision struct {
	Effect           Effect      `json:"effect"`
	Reason           string      `json:"reason"`
	MatchedPolicies  []uuid.UUID `json:"matched_policies"`
	EvaluationTimeMS float64     `json:"evaluation_time_ms"`
	CacheHit         bool        `json:"cache_hit"`
	Obligations      []string    `json:"obligations"`
	Advice           []string    `json:"advice"`
	Timestamp        time.Time   `json:"timestamp"`
}

// clone returns a copy the caller may stamp with its own serve-side fields
// (cache_hit, evaluation time) without mutating the cached original.
func (d *Decision) clone() *Decision {
	c := *d
	c.MatchedPolicies = append([]uuid.UUID(nil), d.MatchedPolicies...)
	c.Obligations = append([]string(nil), d.Obligations...)
	c.Advice = append([]string(nil), d.Advice...)
	return &c
}

// SubjectAttributes are the facts about a subject that targets and
// conditions can reference. For subjects unknown to the user directory only
// UserID is set; such subjects still match literal target entries.
type SubjectAttributes struct {
	UserID      string
	Username    string
	Roles       []string
	PrimaryRole string
	Metadata    map[string]any
}

var conditionOps = map[string]bool{
	"eq": true, "ne": true,
	"gt": true, "ge": true, "lt": true, "le": true,
	"in": true, "not_in": true, "contains": true,
	"and": true, "or": true, "not": true,
}

func isLogicalOp(op string) bool { return op == "and" || op == "or" || op == "not" }

// ValidatePolicy rejects structurally broken policies before they reach the
// store. Evaluation assumes validated policies.
func ValidatePolicy(p *Policy) error {
	if p.Effect != EffectPermit && p.Effect != EffectDeny {
		return fmt.Errorf("%w: effect must be permit or deny, got %q", ErrInvalidPolicy, p.Effect)
	}
	if err := validateCondition(p.Condition, 0); err != nil {
		return err
	}
	return nil
}

const maxConditionDepth = 32

func validateCondition(c *Condition, depth int) error {
	if c == nil {
		return nil
	}
	if depth > maxConditionDepth {
		return fmt.Errorf("%w: condition tree exceeds depth %d", ErrInvalidPolicy, maxConditionDepth)
	}
	if !conditionOps[c.Op] {
		return fmt.Errorf("%w: unknown condition op %q", ErrInvalidPolicy, c.Op)
	}
	if isLogicalOp(c.Op) {
		if len(c.Children) == 0 {
			return fmt.Errorf("%w: %s requires children", ErrInvalidPolicy, c.Op)
		}
		if c.Op == "not" && len(c.Children) != 1 {
			return fmt.Errorf("%w: not takes exactly one child", ErrInvalidPolicy)
		}
		for _, child := range c.Children {
			if err := validateCondition(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Attr == "" {
		return fmt.Errorf("%w: %s requires attr", ErrInvalidPolicy, c.Op)
	}
	if len(c.Children) != 0 {
		return fmt.Errorf("%w: %s takes no children", ErrInvalidPolicy, c.Op)
	}
	return nil
}

package authz

import "context"

// WarmTuple is one (subject, resource, action) to pre-evaluate.
type WarmTuple struct {
	Subject  string `json:"subject"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// WarmCache evaluates each tuple so its decision sits in the cache before
// real traffic asks. Returns how many tuples were evaluated.
func (e *Engine) WarmCache(ctx context.Context, tuples []WarmTuple) int {
	warmed := 0
	for _, t := range tuples {
		if t.Subject == "" || t.Resource == "" || t.Action == "" {
			continue
		}
		e.Authorize(ctx, Request{Subject: t.Subject, Resource: t.Resource, Action: t.Action})
		warmed++
	}
	return warmed
}

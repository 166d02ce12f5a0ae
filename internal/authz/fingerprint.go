package authz

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint identifies a request tuple for caching and coalescing. The
// serialization is canonical because encoding/json writes map keys in sorted
// order at every nesting level. A nil context and an empty context produce
// the same fingerprint.
func (r Request) Fingerprint() string {
	ctx := r.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"subject":  r.Subject,
		"resource": r.Resource,
		"action":   r.Action,
		"context":  ctx,
	})
	if err != nil {
		// Context values arrive from JSON decoding, so they marshal back.
		// Anything else (a caller passing a channel) deserves the panic.
		panic("authz: unmarshalable request context: " + err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

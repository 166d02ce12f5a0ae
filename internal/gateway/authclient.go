package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenIdentity is what the authentication service says about a bearer
// token.
type TokenIdentity struct {
	Valid    bool     `json:"valid"`
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
}

// GateDecision is the slice of an authorization decision the gateway acts
// on.
type GateDecision struct {
	Effect string `json:"effect"`
	Reason string `json:"reason"`
}

type authorizeEnvelope struct {
	Decision GateDecision `json:"decision"`
}

// AuthClient speaks to the two upstreams on the gateway's own behalf:
// validate for caller identity, authorize for the admin gate.
type AuthClient struct {
	authnURL string
	authzURL string
	client   *http.Client
}

func NewAuthClient(authnURL, authzURL string, timeout time.Duration) *AuthClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AuthClient{
		authnURL: authnURL,
		authzURL: authzURL,
		client:   &http.Client{Timeout: timeout},
	}
}

// ValidateToken asks authn whether the token is good. A reachable authn
// saying "no" returns (identity with Valid=false, nil); only transport
// failures return an error.
func (c *AuthClient) ValidateToken(ctx context.Context, token string) (*TokenIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authnURL+"/auth/validate", nil)
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authentication service unreachable: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return &TokenIdentity{Valid: false}, nil
	}
	var identity TokenIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &identity, nil
}

// Authorize asks authz whether subject may perform action on resource.
// Transport failures return an error so the caller can decide between 503
// and the development fallback.
func (c *AuthClient) Authorize(ctx context.Context, subject, resource, action string, reqContext map[string]any) (*GateDecision, error) {
	payload, err := json.Marshal(map[string]any{
		"subject":  subject,
		"resource": resource,
		"action":   action,
		"context":  reqContext,
	})
	if err != nil {
		return nil, fmt.Errorf("encode authorize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authzURL+"/authorize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build authorize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authorization service unreachable: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authorization service returned %d", resp.StatusCode)
	}
	var envelope authorizeEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode authorize response: %w", err)
	}
	return &envelope.Decision, nil
}

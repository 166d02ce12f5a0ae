package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types written by the two services. Authn owns the auth.* family,
// authz owns authz.decision. Aggregators filter on the prefix.
const (
	EventLoginSuccess   = "auth.login.success"
	EventLoginFailed    = "auth.login.failed"
	EventLogout         = "auth.logout"
	EventTokenRefresh   = "auth.token.refresh"
	EventPasswordChange = "auth.password.change"
	EventSessionEnded   = "auth.session.ended"
	EventMFAVerified    = "auth.mfa.verified"
	EventMFAFailed      = "auth.mfa.failed"
	EventAdminBootstrap = "auth.bootstrap.admin"
	EventDecision       = "authz.decision"
)

// Record is one append-only audit row. UserID is the subject identifier as a
// string because authorization subjects are not required to be UUIDs; empty
// means unknown (e.g. a login attempt for a username that does not exist).
// ResourceID, Action and Decision are only set on authz.decision records.
type Record struct {
	ID         uuid.UUID      `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	EventType  string         `json:"event_type"`
	Success    bool           `json:"success"`
	ResourceID string         `json:"resource_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Decision   string         `json:"decision,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Sink accepts records without blocking the caller. A decision or login may
// return before its record is durable; the writer retries in the background.
type Sink interface {
	Write(rec Record)
}

// Query filters for reading the trail back. Zero values mean "no filter".
type Query struct {
	UserID     string
	ResourceID string
	Action     string
	Decision   string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// FailureCount is one offender row from the analyzer scans.
type FailureCount struct {
	UserID string
	Count  int
}

// Store is the persistence contract for the audit trail.
type Store interface {
	InsertRecords(ctx context.Context, recs []Record) error
	QueryRecords(ctx context.Context, q Query) ([]Record, error)
	FailedLoginCounts(ctx context.Context, since time.Time, min int) ([]FailureCount, error)
	DenyCounts(ctx context.Context, since time.Time, min int) ([]FailureCount, error)
}

// NopSink discards everything. Used in tests that do not care about audit.
type NopSink struct{}

func (NopSink) Write(Record) {}

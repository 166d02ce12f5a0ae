package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Alert types produced by the analyzer.
const (
	AlertExcessiveFailedLogins = "excessive_failed_logins"
	AlertExcessiveDenials      = "excessive_denials"
)

// Alert is derived from audit patterns and lives independently of the
// decision stream. Acknowledging is an admin operation.
type Alert struct {
	ID           uuid.UUID   `json:"id"`
	AlertType    string      `json:"alert_type"`
	ThreatLevel  ThreatLevel `json:"threat_level"`
	UserID       string      `json:"user_id,omitempty"`
	Description  string      `json:"description"`
	Acknowledged bool        `json:"acknowledged"`
	CreatedAt    time.Time   `json:"created_at"`
}

// AlertQuery filters for listing alerts.
type AlertQuery struct {
	ThreatLevel  ThreatLevel
	Acknowledged *bool
	Limit        int
}

type AlertStore interface {
	InsertAlert(ctx context.Context, a Alert) error
	ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error)
	// AcknowledgeAlert returns false when no alert with that id exists.
	AcknowledgeAlert(ctx context.Context, id uuid.UUID) (bool, error)
	HasOpenAlert(ctx context.Context, alertType, userID string) (bool, error)
}

// Analyzer scans recent audit records on a ticker and raises alerts.
// One open (unacknowledged) alert per type+user at a time; acknowledging it
// re-arms the pattern.
type Analyzer struct {
	audit     Store
	alerts    AlertStore
	threshold int
	window    time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func NewAnalyzer(auditStore Store, alertStore AlertStore, threshold int, window, interval time.Duration, logger *slog.Logger) *Analyzer {
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Analyzer{
		audit:     auditStore,
		alerts:    alertStore,
		threshold: threshold,
		window:    window,
		interval:  interval,
		logger:    logger,
	}
}

// Run blocks until ctx is canceled.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.ScanOnce(ctx); err != nil {
				a.logger.Error("alert_scan_failed", "error", err)
			} else if n > 0 {
				a.logger.Warn("security_alerts_raised", "count", n)
			}
		}
	}
}

// ScanOnce runs one analysis pass and returns the number of alerts raised.
func (a *Analyzer) ScanOnce(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-a.window)
	raised := 0

	failed, err := a.audit.FailedLoginCounts(ctx, since, a.threshold)
	if err != nil {
		return raised, fmt.Errorf("failed login scan: %w", err)
	}
	for _, f := range failed {
		ok, err := a.raise(ctx, Alert{
			AlertType:   AlertExcessiveFailedLogins,
			ThreatLevel: ThreatHigh,
			UserID:      f.UserID,
			Description: fmt.Sprintf("%d failed logins within %s", f.Count, a.window),
		})
		if err != nil {
			return raised, err
		}
		if ok {
			raised++
		}
	}

	denies, err := a.audit.DenyCounts(ctx, since, a.threshold)
	if err != nil {
		return raised, fmt.Errorf("denial scan: %w", err)
	}
	for _, d := range denies {
		ok, err := a.raise(ctx, Alert{
			AlertType:   AlertExcessiveDenials,
			ThreatLevel: ThreatMedium,
			UserID:      d.UserID,
			Description: fmt.Sprintf("%d authorization denials within %s", d.Count, a.window),
		})
		if err != nil {
			return raised, err
		}
		if ok {
			raised++
		}
	}

	return raised, nil
}

func (a *Analyzer) raise(ctx context.Context, alert Alert) (bool, error) {
	open, err := a.alerts.HasOpenAlert(ctx, alert.AlertType, alert.UserID)
	if err != nil {
		return false, fmt.Errorf("alert dedupe check: %w", err)
	}
	if open {
		return false, nil
	}

	alert.ID = uuid.New()
	alert.CreatedAt = time.Now().UTC()
	if err := a.alerts.InsertAlert(ctx, alert); err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return true, nil
}

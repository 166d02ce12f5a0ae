package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gatekeeper/internal/storage"
)

// PostgresStore persists the trail in the audit_log and security_alerts
// tables. Both services share the table shape; authn rows leave the
// decision columns NULL.
//
// Handler-facing reads retry transient connection failures under the
// storage package's retry budget. The writer and the analyzer bring
// their own retry cadence, so the statements they drive run bare.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const insertRecordSQL = `
INSERT INTO audit_log (id, user_id, event_type, success, resource_id, action, decision, metadata, created_at)
VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)`

func (s *PostgresStore) InsertRecords(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, rec := range recs {
		meta := []byte("{}")
		if rec.Metadata != nil {
			var err error
			meta, err = json.Marshal(rec.Metadata)
			if err != nil {
				return fmt.Errorf("marshal audit metadata: %w", err)
			}
		}
		b.Queue(insertRecordSQL,
			rec.ID, rec.UserID, rec.EventType, rec.Success,
			rec.ResourceID, rec.Action, rec.Decision, meta, rec.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) QueryRecords(ctx context.Context, q Query) ([]Record, error) {
	sql := `SELECT id, COALESCE(user_id, ''), event_type, success,
	COALESCE(resource_id, ''), COALESCE(action, ''), COALESCE(decision, ''), metadata, created_at
	FROM audit_log`

	var conds []string
	var args []any
	add := func(expr string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.ResourceID != "" {
		add("resource_id = $%d", q.ResourceID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.Decision != "" {
		add("decision = $%d", q.Decision)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at <= $%d", q.To)
	}
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, q.Offset)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return storage.RetryValue(ctx, func(ctx context.Context) ([]Record, error) {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("query audit records: %w", err)
		}
		defer rows.Close()

		var out []Record
		for rows.Next() {
			var rec Record
			var meta []byte
			if err := rows.Scan(&rec.ID, &rec.UserID, &rec.EventType, &rec.Success,
				&rec.ResourceID, &rec.Action, &rec.Decision, &meta, &rec.CreatedAt); err != nil {
				return nil, fmt.Errorf("scan audit record: %w", err)
			}
			if len(meta) > 0 && string(meta) != "{}" {
				if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
					return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
				}
			}
			out = append(out, rec)
		}
		return out, rows.Err()
	})
}

func (s *PostgresStore) FailedLoginCounts(ctx context.Context, since time.Time, min int) ([]FailureCount, error) {
	return s.countBy(ctx, `
	SELECT user_id, COUNT(*) FROM audit_log
	WHERE event_type = $1 AND created_at >= $2 AND user_id IS NOT NULL
	GROUP BY user_id HAVING COUNT(*) >= $3`, EventLoginFailed, since, min)
}

func (s *PostgresStore) DenyCounts(ctx context.Context, since time.Time, min int) ([]FailureCount, error) {
	return s.countBy(ctx, `
	SELECT user_id, COUNT(*) FROM audit_log
	WHERE event_type = $1 AND decision = 'deny' AND created_at >= $2 AND user_id IS NOT NULL
	GROUP BY user_id HAVING COUNT(*) >= $3`, EventDecision, since, min)
}

func (s *PostgresStore) countBy(ctx context.Context, sql string, args ...any) ([]FailureCount, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}
	defer rows.Close()

	var out []FailureCount
	for rows.Next() {
		var fc FailureCount
		if err := rows.Scan(&fc.UserID, &fc.Count); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a Alert) error {
	_, err := s.pool.Exec(ctx, `
	INSERT INTO security_alerts (id, alert_type, threat_level, user_id, description, acknowledged, created_at)
	VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		a.ID, a.AlertType, string(a.ThreatLevel), a.UserID, a.Description, a.Acknowledged, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	sql := `SELECT id, alert_type, threat_level, COALESCE(user_id, ''), description, acknowledged, created_at
	FROM security_alerts`

	var conds []string
	var args []any
	if q.ThreatLevel != "" {
		args = append(args, string(q.ThreatLevel))
		conds = append(conds, fmt.Sprintf("threat_level = $%d", len(args)))
	}
	if q.Acknowledged != nil {
		args = append(args, *q.Acknowledged)
		conds = append(conds, fmt.Sprintf("acknowledged = $%d", len(args)))
	}
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	return storage.RetryValue(ctx, func(ctx context.Context) ([]Alert, error) {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("list alerts: %w", err)
		}
		defer rows.Close()

		var out []Alert
		for rows.Next() {
			var a Alert
			var level string
			if err := rows.Scan(&a.ID, &a.AlertType, &level, &a.UserID, &a.Description, &a.Acknowledged, &a.CreatedAt); err != nil {
				return nil, fmt.Errorf("scan alert: %w", err)
			}
			a.ThreatLevel = ThreatLevel(level)
			out = append(out, a)
		}
		return out, rows.Err()
	})
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id uuid.UUID) (bool, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) (bool, error) {
		tag, err := s.pool.Exec(ctx, `UPDATE security_alerts SET acknowledged = TRUE WHERE id = $1`, id)
		if err != nil {
			return false, fmt.Errorf("acknowledge alert: %w", err)
		}
		return tag.RowsAffected() > 0, nil
	})
}

func (s *PostgresStore) HasOpenAlert(ctx context.Context, alertType, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
	SELECT EXISTS (
		SELECT 1 FROM security_alerts
		WHERE alert_type = $1 AND COALESCE(user_id, '') = $2 AND NOT acknowledged
	)`, alertType, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("open alert check: %w", err)
	}
	return exists, nil
}

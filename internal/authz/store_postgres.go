package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gatekeeper/internal/storage"
)

// PostgresPolicyStore keeps policies in the policies table. Target,
// condition, obligations and advice live in jsonb columns, so the policy
// grammar can grow without schema churn.
type PostgresPolicyStore struct {
	pool *pgxpool.Pool
}

func NewPostgresPolicyStore(pool *pgxpool.Pool) *PostgresPolicyStore {
	return &PostgresPolicyStore{pool: pool}
}

const policyColumns = `id, version, description, effect, target, condition, obligations, advice, priority, is_active, created_at, updated_at`

func encodePolicyJSON(p *Policy) (target, condition, obligations, advice []byte, err error) {
	if target, err = json.Marshal(p.Target); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode target: %w", err)
	}
	if p.Condition != nil {
		if condition, err = json.Marshal(p.Condition); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode condition: %w", err)
		}
	}
	if obligations, err = json.Marshal(nonNil(p.Obligations)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode obligations: %w", err)
	}
	if advice, err = json.Marshal(nonNil(p.Advice)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode advice: %w", err)
	}
	return target, condition, obligations, advice, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type policyRow interface {
	Scan(dest ...any) error
}

func scanPolicy(row policyRow) (*Policy, error) {
	var p Policy
	var target, condition, obligations, advice []byte
	err := row.Scan(&p.ID, &p.Version, &p.Description, &p.Effect,
		&target, &condition, &obligations, &advice,
		&p.Priority, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(target, &p.Target); err != nil {
		return nil, fmt.Errorf("decode target for policy %s: %w", p.ID, err)
	}
	if len(condition) > 0 {
		if err := json.Unmarshal(condition, &p.Condition); err != nil {
			return nil, fmt.Errorf("decode condition for policy %s: %w", p.ID, err)
		}
	}
	if err := json.Unmarshal(obligations, &p.Obligations); err != nil {
		return nil, fmt.Errorf("decode obligations for policy %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(advice, &p.Advice); err != nil {
		return nil, fmt.Errorf("decode advice for policy %s: %w", p.ID, err)
	}
	return &p, nil
}

const createPolicySQL = `
INSERT INTO policies (` + policyColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func (s *PostgresPolicyStore) CreatePolicy(ctx context.Context, p *Policy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	target, condition, obligations, advice, err := encodePolicyJSON(p)
	if err != nil {
		return err
	}
	return storage.Retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, createPolicySQL,
			p.ID, p.Version, p.Description, p.Effect,
			target, condition, obligations, advice,
			p.Priority, p.IsActive, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert policy: %w", err)
		}
		return nil
	})
}

const getPolicySQL = `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`

func (s *PostgresPolicyStore) GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) (*Policy, error) {
		p, err := scanPolicy(s.pool.QueryRow(ctx, getPolicySQL, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrPolicyNotFound
			}
			return nil, fmt.Errorf("get policy: %w", err)
		}
		return p, nil
	})
}

const updatePolicySQL = `
UPDATE policies
SET version = version + CASE WHEN $2 THEN 1 ELSE 0 END,
    description = $3, effect = $4, target = $5, condition = $6,
    obligations = $7, advice = $8, priority = $9, is_active = $10,
    updated_at = $11
WHERE id = $1
RETURNING version`

func (s *PostgresPolicyStore) UpdatePolicy(ctx context.Context, p *Policy, bumpVersion bool) error {
	target, condition, obligations, advice, err := encodePolicyJSON(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	return storage.Retry(ctx, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, updatePolicySQL,
			p.ID, bumpVersion, p.Description, p.Effect,
			target, condition, obligations, advice,
			p.Priority, p.IsActive, p.UpdatedAt).Scan(&p.Version)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPolicyNotFound
			}
			return fmt.Errorf("update policy: %w", err)
		}
		return nil
	})
}

const softDeletePolicySQL = `UPDATE policies SET is_active = FALSE, updated_at = $2 WHERE id = $1`

func (s *PostgresPolicyStore) SoftDeletePolicy(ctx context.Context, id uuid.UUID) error {
	return storage.Retry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, softDeletePolicySQL, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("soft delete policy: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrPolicyNotFound
		}
		return nil
	})
}

const hardDeletePolicySQL = `DELETE FROM policies WHERE id = $1`

func (s *PostgresPolicyStore) HardDeletePolicy(ctx context.Context, id uuid.UUID) error {
	return storage.Retry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, hardDeletePolicySQL, id)
		if err != nil {
			return fmt.Errorf("hard delete policy: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrPolicyNotFound
		}
		return nil
	})
}

func (s *PostgresPolicyStore) ListPolicies(ctx context.Context, filter PolicyFilter) ([]Policy, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Effect != nil {
		add("effect = $%d", *filter.Effect)
	}
	if filter.IsActive != nil {
		add("is_active = $%d", *filter.IsActive)
	}

	query := `SELECT ` + policyColumns + ` FROM policies`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, updated_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return storage.RetryValue(ctx, func(ctx context.Context) ([]Policy, error) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("list policies: %w", err)
		}
		defer rows.Close()
		return collectPolicies(rows)
	})
}

const listActivePoliciesSQL = `
SELECT ` + policyColumns + `
FROM policies
WHERE is_active = TRUE
ORDER BY priority DESC, updated_at DESC`

func (s *PostgresPolicyStore) ListActivePolicies(ctx context.Context) ([]Policy, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) ([]Policy, error) {
		rows, err := s.pool.Query(ctx, listActivePoliciesSQL)
		if err != nil {
			return nil, fmt.Errorf("list active policies: %w", err)
		}
		defer rows.Close()
		return collectPolicies(rows)
	})
}

func collectPolicies(rows pgx.Rows) ([]Policy, error) {
	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return out, nil
}

const countPoliciesSQL = `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM policies`

func (s *PostgresPolicyStore) CountPolicies(ctx context.Context) (int, int, error) {
	var total, active int
	err := storage.Retry(ctx, func(ctx context.Context) error {
		if err := s.pool.QueryRow(ctx, countPoliciesSQL).Scan(&total, &active); err != nil {
			return fmt.Errorf("count policies: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return total, active, nil
}

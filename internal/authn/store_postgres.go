package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gatekeeper/internal/storage"
)

const pgUniqueViolation = "23505"

// PostgresUserStore implements UserStore over pgx.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

const userColumns = `id, username, email, password_hash, roles, primary_role,
	is_active, email_verified, mfa_enabled, COALESCE(mfa_secret, ''),
	failed_login_attempts, locked_until, last_login, metadata, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var meta []byte
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Roles, &u.PrimaryRole,
		&u.IsActive, &u.EmailVerified, &u.MFAEnabled, &u.MFASecret,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.LastLogin, &meta, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &u.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal user metadata: %w", err)
		}
	}
	return &u, nil
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, u *User) error {
	meta := []byte("{}")
	if u.Metadata != nil {
		var err error
		meta, err = json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("marshal user metadata: %w", err)
		}
	}

	return storage.Retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, roles, primary_role,
			is_active, email_verified, mfa_enabled, mfa_secret,
			failed_login_attempts, locked_until, last_login, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16)`,
			u.ID, u.Username, u.Email, u.PasswordHash, u.Roles, u.PrimaryRole,
			u.IsActive, u.EmailVerified, u.MFAEnabled, u.MFASecret,
			u.FailedLoginAttempts, u.LockedUntil, u.LastLogin, meta, u.CreatedAt, u.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrUsernameTaken
			}
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

func (s *PostgresUserStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) (*User, error) {
		return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	})
}

func (s *PostgresUserStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) (*User, error) {
		return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	})
}

func (s *PostgresUserStore) UpdateUser(ctx context.Context, u *User) error {
	meta := []byte("{}")
	if u.Metadata != nil {
		var err error
		meta, err = json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("marshal user metadata: %w", err)
		}
	}

	return storage.Retry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
		UPDATE users SET email = $2, roles = $3, primary_role = $4, is_active = $5,
			email_verified = $6, metadata = $7, updated_at = now()
		WHERE id = $1`,
			u.ID, u.Email, u.Roles, u.PrimaryRole, u.IsActive, u.EmailVerified, meta)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

func (s *PostgresUserStore) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	return storage.Retry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, hash)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

func (s *PostgresUserStore) UpdateMFA(ctx context.Context, id uuid.UUID, secret string, enabled bool) error {
	return storage.Retry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE users SET mfa_secret = NULLIF($2, ''), mfa_enabled = $3, updated_at = now() WHERE id = $1`,
			id, secret, enabled)
		if err != nil {
			return fmt.Errorf("update mfa: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// RecordLoginFailure is a single statement so two racing failures cannot
// observe the same counter value.
func (s *PostgresUserStore) RecordLoginFailure(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	var attempts int
	var lockedUntil *time.Time
	err := storage.Retry(ctx, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `
		UPDATE users SET
			failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
			updated_at = now()
		WHERE id = $1
		RETURNING failed_login_attempts, locked_until`,
			id, maxAttempts, lockUntil).Scan(&attempts, &lockedUntil)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("record login failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return attempts, lockedUntil, nil
}

func (s *PostgresUserStore) RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	return storage.Retry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
		UPDATE users SET failed_login_attempts = 0, locked_until = NULL,
			last_login = $2, updated_at = now()
		WHERE id = $1`, id, at)
		if err != nil {
			return fmt.Errorf("record login success: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

func (s *PostgresUserStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return storage.Retry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

func (s *PostgresUserStore) CountUsers(ctx context.Context) (total, active, locked int, err error) {
	err = storage.Retry(ctx, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE locked_until > now())
		FROM users`).Scan(&total, &active, &locked)
		if err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return total, active, locked, nil
}

// PostgresSessionStore implements SessionStore over pgx. Every multi-row
// operation runs in one transaction.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

const insertTokenSQL = `
INSERT INTO tokens (id, user_id, kind, issued_at, expires_at, scopes, revoked, revoked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func insertToken(ctx context.Context, tx pgx.Tx, t *Token) error {
	_, err := tx.Exec(ctx, insertTokenSQL,
		t.ID, t.UserID, t.Kind, t.IssuedAt, t.ExpiresAt, t.Scopes, t.Revoked, t.RevokedAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) CreateSession(ctx context.Context, sess *Session, access, refresh *Token) error {
	return storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertToken(ctx, tx, access); err != nil {
			return err
		}
		if err := insertToken(ctx, tx, refresh); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, user_id, access_token_id, refresh_token_id, created_at, last_seen, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sess.ID, sess.UserID, sess.AccessTokenID, sess.RefreshTokenID,
			sess.CreatedAt, sess.LastSeen, sess.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

func (s *PostgresSessionStore) GetToken(ctx context.Context, id uuid.UUID) (*Token, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) (*Token, error) {
		var t Token
		err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, kind, issued_at, expires_at, scopes, revoked, revoked_at
		FROM tokens WHERE id = $1`, id).
			Scan(&t.ID, &t.UserID, &t.Kind, &t.IssuedAt, &t.ExpiresAt, &t.Scopes, &t.Revoked, &t.RevokedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrTokenNotFound
			}
			return nil, fmt.Errorf("get token: %w", err)
		}
		return &t, nil
	})
}

const sessionColumns = `id, user_id, access_token_id, refresh_token_id, created_at, last_seen, expires_at`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.AccessTokenID, &sess.RefreshTokenID,
		&sess.CreatedAt, &sess.LastSeen, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresSessionStore) GetSessionByTokenID(ctx context.Context, tokenID uuid.UUID) (*Session, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) (*Session, error) {
		return scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE access_token_id = $1 OR refresh_token_id = $1`, tokenID))
	})
}

func (s *PostgresSessionStore) ListUserSessions(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) ([]Session, error) {
		rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND expires_at > now() ORDER BY created_at DESC`, userID)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		defer rows.Close()

		var out []Session
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *sess)
		}
		return out, rows.Err()
	})
}

func (s *PostgresSessionStore) RevokeSessionByTokenID(ctx context.Context, tokenID uuid.UUID) (*Session, []uuid.UUID, error) {
	var sess *Session
	var revoked []uuid.UUID
	err := storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE access_token_id = $1 OR refresh_token_id = $1 FOR UPDATE`, tokenID)
		var err error
		sess, err = scanSession(row)
		if err != nil {
			return err
		}
		return endSessionTx(ctx, tx, sess, &revoked)
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, revoked, nil
}

func (s *PostgresSessionStore) EndSession(ctx context.Context, sessionID, userID uuid.UUID) ([]uuid.UUID, error) {
	var revoked []uuid.UUID
	err := storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE id = $1 AND user_id = $2 FOR UPDATE`, sessionID, userID)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		return endSessionTx(ctx, tx, sess, &revoked)
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// endSessionTx revokes the session's token pair and deletes the session row.
func endSessionTx(ctx context.Context, tx pgx.Tx, sess *Session, revoked *[]uuid.UUID) error {
	ids := []uuid.UUID{sess.AccessTokenID, sess.RefreshTokenID}
	_, err := tx.Exec(ctx, `
	UPDATE tokens SET revoked = TRUE, revoked_at = COALESCE(revoked_at, now())
	WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sess.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	*revoked = ids
	return nil
}

// EndAllUserSessions revokes every unrevoked token of the user, not just the
// pairs bound to live sessions. Old access tokens superseded by a refresh
// must die here too, otherwise a password change would leave them valid.
func (s *PostgresSessionStore) EndAllUserSessions(ctx context.Context, userID uuid.UUID) (int, []uuid.UUID, error) {
	var count int
	var revoked []uuid.UUID
	err := storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
		UPDATE tokens SET revoked = TRUE, revoked_at = now()
		WHERE user_id = $1 AND NOT revoked
		RETURNING id`, userID)
		if err != nil {
			return fmt.Errorf("revoke user tokens: %w", err)
		}
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan revoked token id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("delete user sessions: %w", err)
		}
		count = int(tag.RowsAffected())
		revoked = ids
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return count, revoked, nil
}

func (s *PostgresSessionStore) RefreshSession(ctx context.Context, sessionID, oldRefreshID uuid.UUID, newAccess, newRefresh *Token) ([]uuid.UUID, error) {
	var revoked []uuid.UUID
	err := storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var alreadyRevoked bool
		err := tx.QueryRow(ctx, `SELECT revoked FROM tokens WHERE id = $1 FOR UPDATE`, oldRefreshID).
			Scan(&alreadyRevoked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTokenNotFound
			}
			return fmt.Errorf("lock refresh token: %w", err)
		}
		if alreadyRevoked {
			return ErrTokenRevoked
		}

		if err := insertToken(ctx, tx, newAccess); err != nil {
			return err
		}

		if newRefresh != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE tokens SET revoked = TRUE, revoked_at = now() WHERE id = $1`, oldRefreshID); err != nil {
				return fmt.Errorf("revoke rotated refresh token: %w", err)
			}
			if err := insertToken(ctx, tx, newRefresh); err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
			UPDATE sessions SET access_token_id = $2, refresh_token_id = $3, last_seen = now()
			WHERE id = $1`, sessionID, newAccess.ID, newRefresh.ID)
			if err != nil {
				return fmt.Errorf("update session tokens: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrSessionNotFound
			}
			revoked = []uuid.UUID{oldRefreshID}
			return nil
		}

		tag, err := tx.Exec(ctx, `
		UPDATE sessions SET access_token_id = $2, last_seen = now() WHERE id = $1`,
			sessionID, newAccess.ID)
		if err != nil {
			return fmt.Errorf("update session access token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

func (s *PostgresSessionStore) CountActiveSessions(ctx context.Context) (int, error) {
	return storage.RetryValue(ctx, func(ctx context.Context) (int, error) {
		var n int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE expires_at > now()`).Scan(&n); err != nil {
			return 0, fmt.Errorf("count sessions: %w", err)
		}
		return n, nil
	})
}

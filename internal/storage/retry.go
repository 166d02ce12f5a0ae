package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

// ErrUnavailable marks a store operation that kept failing with transient
// connection errors after its retry budget. The API edge maps it to 503 so
// callers know to come back rather than report a bug.
var ErrUnavailable = errors.New("storage unavailable")

// Transient reports whether err can be retried without risking a duplicate
// effect: either pgconn guarantees the statement never reached the server,
// or the server refused it before executing anything (connection exception,
// shutdown in progress, cannot connect now).
func Transient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	return false
}

// Retry runs fn up to three times, doubling a small delay between attempts,
// as long as failures stay transient. Non-transient errors return unchanged
// on the spot, so sentinel checks like pgx.ErrNoRows mappings keep working.
// An exhausted budget (or a context that expires mid-wait) wraps
// ErrUnavailable around the last error.
func Retry(ctx context.Context, fn func(context.Context) error) error {
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !Transient(err) {
			return err
		}
		if attempt == retryAttempts {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

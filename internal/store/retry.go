package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict reports that a transaction's read set changed before commit.
var ErrConflict = errors.New("store: transaction conflict")

// SQLSTATE codes Postgres uses for transactions that lost a race.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsRetryable reports whether err means the transaction can be re-executed
// against fresh state.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or has
// been called maxAttempts times. onRetry, when set, runs before each re-execution.
func Retry(ctx context.Context, maxAttempts int, onRetry func(err error), fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			if !IsRetryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if onRetry != nil {
				onRetry(err)
			}
		}),
	)
	if err != nil && IsRetryable(err) {
		return fmt.Errorf("transaction retries exhausted after %d attempts: %w", maxAttempts, err)
	}
	return err
}

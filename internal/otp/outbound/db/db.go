// Package db persists passcodes, rate-limit entries, and the idempotency
// ledger in PostgreSQL. Every public method is one atomic transaction; the
// decision logic itself lives in the entity package.
package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/otpgate/otpgate/internal/pkg/goerror"
	"github.com/otpgate/otpgate/internal/pkg/instrument"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type DB struct {
	conn *pgxpool.Pool
	ins  instrument.Instrumentation
}

func NewDB(conn *pgxpool.Pool, ins instrument.Instrumentation) *DB {
	return &DB{
		conn: conn,
		ins:  ins,
	}
}

// - 23505 unique violation → goerror.ErrConflict (or retry, see isRetryable)
// - 40001 serialization_failure → retryable
// - 40P01 deadlock_detected → retryable
func (s *DB) mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return goerror.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return goerror.ErrConflict
	}

	return err
}

// isRetryable reports whether rerunning the whole transaction can succeed.
// A unique violation on the idempotency key means a concurrent request with
// the same key committed first; the retry will take the replay path.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", "40001", "40P01":
		return true
	default:
		return false
	}
}

const (
	txMaxRetries   = 3
	txRetryBackoff = 25 * time.Millisecond
)

// runTx executes fn inside a transaction, retrying the whole thing on
// conflicts that a rerun can resolve.
func (s *DB) runTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	backoff := retry.WithMaxRetries(txMaxRetries, retry.NewConstant(txRetryBackoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if rErr := tx.Rollback(ctx); rErr != nil && !errors.Is(rErr, pgx.ErrTxClosed) {
				logRollbackFailure(ctx, rErr)
			}
		}()

		if err := fn(ctx, tx); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}

		return nil
	})
}

func logRollbackFailure(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "failed to rollback", "error", err)
}

func (s *DB) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("otp.outbound.db").Start(ctx, name)
}

func (s *DB) endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, goerror.ErrNotFound) && !errors.Is(err, goerror.ErrConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// txNow returns the transaction-consistent current time. Every time-based
// decision inside a transaction uses this single instant.
func txNow(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	var now time.Time
	err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now)
	return now, err
}

// lockScope serializes issuance for one rate-limit scope for the rest of
// the transaction. Callers must lock scopes in a fixed order.
func lockScope(ctx context.Context, tx pgx.Tx, scopeKey string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scopeKey)
	return err
}

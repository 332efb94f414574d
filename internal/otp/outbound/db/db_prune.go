package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/otpgate/otpgate/internal/otp/entity"
)

const (
	queryPruneOtpCodes = `
DELETE FROM otp_codes
WHERE (is_used = TRUE OR expires_at < now())
  AND created_at < now() - $1::interval`

	queryPruneRateEntries = `
DELETE FROM rate_limit_entries
WHERE created_at < now() - $1::interval`

	queryPruneIdempotencyKeys = `
DELETE FROM idempotency_keys
WHERE expires_at < now()`
)

// Prune removes rows no decision can ever read again: spent or expired
// codes past the retention window, rate entries older than the rolling
// window, and expired ledger rows.
func (s *DB) Prune(ctx context.Context, codeRetention, rateWindow time.Duration) (counts entity.PruneCounts, err error) {
	ctx, span := s.startSpan(ctx, "Prune")
	defer func() { s.endSpan(span, err) }()

	err = s.runTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, queryPruneOtpCodes, codeRetention)
		if err != nil {
			return err
		}
		counts.OtpCodes = tag.RowsAffected()

		tag, err = tx.Exec(ctx, queryPruneRateEntries, rateWindow)
		if err != nil {
			return err
		}
		counts.RateEntries = tag.RowsAffected()

		tag, err = tx.Exec(ctx, queryPruneIdempotencyKeys)
		if err != nil {
			return err
		}
		counts.IdempotencyKeys = tag.RowsAffected()

		return nil
	})
	if err != nil {
		return entity.PruneCounts{}, s.mapError(err)
	}

	return counts, nil
}

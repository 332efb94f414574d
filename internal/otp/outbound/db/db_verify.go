package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/otpgate/otpgate/internal/otp/entity"
)

const (
	// The newest record is selected regardless of is_used: verifying
	// against a spent or retired code must report CodeUsed, not NotFound.
	queryGetLatestOtpCode = `
SELECT id, user_id, purpose, code, created_at, expires_at,
       is_used, is_locked, locked_until, attempt_count
FROM otp_codes
WHERE user_id = $1 AND purpose = $2
ORDER BY created_at DESC, id DESC
LIMIT 1
FOR UPDATE`

	queryRetireOtpCode = `
UPDATE otp_codes SET is_used = TRUE WHERE id = $1`

	// Conditional on is_used so a concurrent consumer loses cleanly: zero
	// rows affected means someone else already spent the code.
	queryConsumeOtpCode = `
UPDATE otp_codes SET is_used = TRUE WHERE id = $1 AND is_used = FALSE`

	queryRecordOtpFailure = `
UPDATE otp_codes
SET attempt_count = $2, is_locked = $3, locked_until = $4
WHERE id = $1`
)

// VerifyOTP runs one verification attempt as a single transaction. The row
// lock on the selected code serializes concurrent attempts; the conditional
// consume backs that up so at most one caller ever gets OK per code.
func (s *DB) VerifyOTP(ctx context.Context, userID, purpose, code string, pol entity.VerifyPolicy) (res entity.VerifyResult, err error) {
	ctx, span := s.startSpan(ctx, "VerifyOTP")
	defer func() { s.endSpan(span, err) }()

	err = s.runTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		now, err := txNow(ctx, tx)
		if err != nil {
			return err
		}

		var rec entity.OtpRecord
		err = tx.QueryRow(ctx, queryGetLatestOtpCode, userID, purpose).Scan(
			&rec.ID, &rec.UserID, &rec.Purpose, &rec.Code, &rec.CreatedAt, &rec.ExpiresAt,
			&rec.IsUsed, &rec.IsLocked, &rec.LockedUntil, &rec.AttemptCount,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			res = entity.VerifyResult{Status: entity.VerifyStatusNotFound}
			return nil
		}
		if err != nil {
			return err
		}

		dec := entity.EvaluateVerify(rec, code, now, pol)

		switch dec.Mutation {
		case entity.MutateRetire:
			if _, err := tx.Exec(ctx, queryRetireOtpCode, rec.ID); err != nil {
				return err
			}

		case entity.MutateConsume:
			tag, err := tx.Exec(ctx, queryConsumeOtpCode, rec.ID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				res = entity.VerifyResult{Status: entity.VerifyStatusCodeUsed}
				return nil
			}

		case entity.MutateRecordFailure:
			var lockedUntil any
			if dec.Locked {
				lockedUntil = dec.LockedUntil
			}
			if _, err := tx.Exec(ctx, queryRecordOtpFailure,
				rec.ID, dec.AttemptCount, dec.Locked, lockedUntil,
			); err != nil {
				return err
			}
		}

		res = entity.VerifyResult{
			Status:            dec.Status,
			AttemptsRemaining: dec.AttemptsRemaining,
			RetryAfter:        dec.RetryAfter,
		}
		return nil
	})
	if err != nil {
		return entity.VerifyResult{}, s.mapError(err)
	}

	return res, nil
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/otpgate/otpgate/internal/otp/entity"
)

const (
	queryGetIdempotencyKey = `
SELECT request_hash, response, expires_at
FROM idempotency_keys
WHERE key = $1
FOR UPDATE`

	queryDeleteIdempotencyKey = `
DELETE FROM idempotency_keys WHERE key = $1`

	queryWindowUsage = `
SELECT COUNT(*), COALESCE(MIN(created_at), $2::timestamptz)
FROM rate_limit_entries
WHERE scope_key = $1 AND created_at >= $2::timestamptz - $3::interval`

	queryRetirePriorCodes = `
UPDATE otp_codes
SET is_used = TRUE
WHERE user_id = $1 AND purpose = $2 AND is_used = FALSE`

	queryInsertOtpCode = `
INSERT INTO otp_codes (user_id, purpose, code, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

	queryInsertRateEntry = `
INSERT INTO rate_limit_entries (scope_key, created_at)
VALUES ($1, $2)`

	queryInsertIdempotencyKey = `
INSERT INTO idempotency_keys (key, request_hash, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)`
)

// IssueOTP runs the full issuance transaction: idempotency replay, rolling
// rate windows, retirement of the prior code, and insertion of the new one.
// Conflicting concurrent transactions are retried as a whole, so a retry
// that finds a committed ledger row takes the replay path.
func (s *DB) IssueOTP(ctx context.Context, cmd entity.IssueCommand, code string, pol entity.IssuePolicy) (out entity.IssueOutcome, err error) {
	ctx, span := s.startSpan(ctx, "IssueOTP")
	defer func() { s.endSpan(span, err) }()

	err = s.runTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		now, err := txNow(ctx, tx)
		if err != nil {
			return err
		}

		userScope := entity.UserScopeKey(cmd.UserID)
		ipScope := entity.IPScopeKey(cmd.ClientIP)

		// Fixed lock order: user scope first, then IP scope.
		if err := lockScope(ctx, tx, userScope); err != nil {
			return err
		}
		if err := lockScope(ctx, tx, ipScope); err != nil {
			return err
		}

		replayed, done, err := s.checkIdempotency(ctx, tx, cmd, now)
		if err != nil {
			return err
		}
		if done {
			out = replayed
			return nil
		}

		userAdm, err := s.admitScope(ctx, tx, userScope, pol.Rate.UserLimit, pol.Rate.Window, now)
		if err != nil {
			return err
		}
		if !userAdm.Allowed {
			out = entity.IssueOutcome{Status: entity.IssueStatusRateLimited, Cooldown: userAdm.Cooldown}
			return nil
		}

		ipAdm, err := s.admitScope(ctx, tx, ipScope, pol.Rate.IPLimit, pol.Rate.Window, now)
		if err != nil {
			return err
		}
		if !ipAdm.Allowed {
			out = entity.IssueOutcome{Status: entity.IssueStatusRateLimited, Cooldown: ipAdm.Cooldown}
			return nil
		}

		if _, err := tx.Exec(ctx, queryRetirePriorCodes, cmd.UserID, cmd.Purpose); err != nil {
			return err
		}

		var otpID int64
		expiresAt := now.Add(pol.CodeTTL)
		if err := tx.QueryRow(ctx, queryInsertOtpCode,
			cmd.UserID, cmd.Purpose, code, now, expiresAt,
		).Scan(&otpID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, queryInsertRateEntry, userScope, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, queryInsertRateEntry, ipScope, now); err != nil {
			return err
		}

		receipt := entity.IssueReceipt{
			OtpID:             otpID,
			TTLSeconds:        int64(pol.CodeTTL / time.Second),
			RemainingRequests: userAdm.Remaining,
		}
		response, err := json.Marshal(receipt)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, queryInsertIdempotencyKey,
			cmd.IdempotencyKey, cmd.RequestHash, response, now, now.Add(pol.IdempotencyTTL),
		); err != nil {
			return err
		}

		out = entity.IssueOutcome{
			Status:         entity.IssueStatusIssued,
			Receipt:        receipt,
			Code:           code,
			StoredResponse: response,
			IssuedAt:       now,
			ExpiresAt:      expiresAt,
		}
		return nil
	})
	if err != nil {
		return entity.IssueOutcome{}, s.mapError(err)
	}

	return out, nil
}

// checkIdempotency resolves the ledger for the request key. done is true
// when the outcome is final (replay or conflict) and the transaction should
// stop before touching rate limits.
func (s *DB) checkIdempotency(ctx context.Context, tx pgx.Tx, cmd entity.IssueCommand, now time.Time) (entity.IssueOutcome, bool, error) {
	var (
		requestHash string
		response    []byte
		expiresAt   time.Time
	)
	err := tx.QueryRow(ctx, queryGetIdempotencyKey, cmd.IdempotencyKey).Scan(&requestHash, &response, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.IssueOutcome{}, false, nil
	}
	if err != nil {
		return entity.IssueOutcome{}, false, err
	}

	if !now.Before(expiresAt) {
		// Stale ledger row; the key is reusable again.
		if _, err := tx.Exec(ctx, queryDeleteIdempotencyKey, cmd.IdempotencyKey); err != nil {
			return entity.IssueOutcome{}, false, err
		}
		return entity.IssueOutcome{}, false, nil
	}

	if requestHash != cmd.RequestHash {
		return entity.IssueOutcome{Status: entity.IssueStatusKeyConflict}, true, nil
	}

	var receipt entity.IssueReceipt
	if err := json.Unmarshal(response, &receipt); err != nil {
		return entity.IssueOutcome{}, false, err
	}

	return entity.IssueOutcome{
		Status:         entity.IssueStatusReplayed,
		Receipt:        receipt,
		StoredResponse: response,
	}, true, nil
}

func (s *DB) admitScope(ctx context.Context, tx pgx.Tx, scopeKey string, limit int, window time.Duration, now time.Time) (entity.Admission, error) {
	var usage entity.WindowUsage
	err := tx.QueryRow(ctx, queryWindowUsage, scopeKey, now, window).Scan(&usage.Count, &usage.Oldest)
	if err != nil {
		return entity.Admission{}, err
	}

	return entity.EvaluateWindow(usage, limit, window, now), nil
}

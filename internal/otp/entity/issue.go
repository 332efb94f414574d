package entity

import "time"

const (
	// DefaultIdempotencyTTL is how long a stored issuance response can be
	// replayed for the same key.
	DefaultIdempotencyTTL = 10 * time.Minute
)

// IdempotencyRecord stores the canonical response for one issuance request
// key so that retries replay it byte for byte.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Response    []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ExpiredAt reports whether the stored response is past its replay window.
func (r IdempotencyRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IssuePolicy tunes issuance: code lifetime, rolling-window limits, and the
// idempotency replay window.
type IssuePolicy struct {
	CodeTTL        time.Duration
	Rate           RatePolicy
	IdempotencyTTL time.Duration
}

// DefaultIssuePolicy returns the standard issuance settings.
func DefaultIssuePolicy() IssuePolicy {
	return IssuePolicy{
		CodeTTL:        DefaultCodeTTL,
		Rate:           DefaultRatePolicy(),
		IdempotencyTTL: DefaultIdempotencyTTL,
	}
}

// IssueCommand is a validated issuance request.
type IssueCommand struct {
	UserID         string
	Purpose        string
	ClientIP       string
	IdempotencyKey string
	RequestHash    string
}

// IssueReceipt is the successful issuance response body. It is what gets
// serialized into the idempotency ledger, so the shape must stay stable.
type IssueReceipt struct {
	OtpID             int64 `json:"otp_id"`
	TTLSeconds        int64 `json:"ttl_seconds"`
	RemainingRequests int   `json:"remaining_requests"`
}

// IssueOutcome is what the storage layer returns from one issuance
// transaction.
type IssueOutcome struct {
	Status IssueStatus

	// Receipt is set for Issued. Replay carries the stored bytes instead.
	Receipt IssueReceipt

	// Code is the generated passcode, set only for Issued so the caller
	// can hand it to delivery. It never appears in the receipt.
	Code string

	// StoredResponse is the ledger body for Replayed outcomes.
	StoredResponse []byte

	// IssuedAt and ExpiresAt carry the transaction timestamps for Issued
	// outcomes, for event payloads.
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Cooldown is set for RateLimited outcomes.
	Cooldown time.Duration
}

// VerifyResult is what the storage layer returns from one verification
// transaction, after the decision's mutation has been applied.
type VerifyResult struct {
	Status            VerifyStatus
	AttemptsRemaining int32
	RetryAfter        time.Duration
}

// PruneCounts reports how many rows one housekeeping pass removed.
type PruneCounts struct {
	OtpCodes        int64
	RateEntries     int64
	IdempotencyKeys int64
}

// Package entity holds the passcode domain model: the stored record shapes,
// the derived lifecycle states, and the pure decision logic for issuing and
// verifying codes. Nothing here touches storage, transport, or the clock
// directly; callers pass the current time in.
package entity

import (
	"crypto/subtle"
	"time"
)

const (
	// CodeLength is the number of decimal digits in a generated passcode.
	CodeLength = 6

	// DefaultCodeTTL is how long a freshly issued code stays verifiable.
	DefaultCodeTTL = 5 * time.Minute

	// DefaultMaxAttempts is the number of failed verifications that trips
	// the lockout.
	DefaultMaxAttempts = 3

	// DefaultLockout is how long a locked code rejects all attempts.
	DefaultLockout = 10 * time.Minute
)

// OtpRecord is one issued passcode as persisted. At most one record per
// (UserID, Purpose) is active at a time; superseded records are retired by
// setting IsUsed.
type OtpRecord struct {
	ID           int64
	UserID       string
	Purpose      string
	Code         string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	IsUsed       bool
	IsLocked     bool
	LockedUntil  *time.Time
	AttemptCount int32
}

// StateAt derives the lifecycle state of the record at the given instant.
// Used wins over everything, then an unexpired lock, then expiry.
func (r OtpRecord) StateAt(now time.Time) OtpState {
	if r.IsUsed {
		return OtpStateUsed
	}
	if r.IsLocked && r.LockedUntil != nil && now.Before(*r.LockedUntil) {
		return OtpStateLocked
	}
	if !now.Before(r.ExpiresAt) {
		return OtpStateExpired
	}
	return OtpStateActive
}

// VerifyPolicy tunes the verification state machine.
type VerifyPolicy struct {
	MaxAttempts int32
	Lockout     time.Duration
}

// DefaultVerifyPolicy returns the standard attempt and lockout settings.
func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{MaxAttempts: DefaultMaxAttempts, Lockout: DefaultLockout}
}

// MutationKind tells the storage layer what to write back after a
// verification decision.
type MutationKind int16

const (
	// MutateNone leaves the record untouched.
	MutateNone MutationKind = 0

	// MutateRetire marks the record used without consuming it for the
	// caller, e.g. an expired code seen during verification.
	MutateRetire MutationKind = 1

	// MutateConsume marks the record used as a successful verification.
	// It must be applied conditionally on is_used still being false.
	MutateConsume MutationKind = 2

	// MutateRecordFailure writes back the incremented attempt counter and,
	// when the limit is hit, the lock fields.
	MutateRecordFailure MutationKind = 3
)

// VerifyDecision is the outcome of evaluating one attempt against a record,
// plus the write the storage layer must apply inside the same transaction.
type VerifyDecision struct {
	Status   VerifyStatus
	Mutation MutationKind

	// Fields for MutateRecordFailure.
	AttemptCount int32
	Locked       bool
	LockedUntil  time.Time

	// AttemptsRemaining accompanies InvalidCode responses.
	AttemptsRemaining int32

	// RetryAfter accompanies TooManyAttempts responses.
	RetryAfter time.Duration
}

// EvaluateVerify runs the verification state machine for a single attempt.
// The caller has already selected the most recent unconsumed record for the
// (user, purpose) pair; rec is that record and now is the transaction time.
//
// Order matters: expiry is checked before the lock so that a locked code
// whose TTL has also elapsed reports Expired, and an elapsed lock resets the
// attempt counter before the code comparison.
func EvaluateVerify(rec OtpRecord, code string, now time.Time, pol VerifyPolicy) VerifyDecision {
	if rec.IsUsed {
		return VerifyDecision{Status: VerifyStatusCodeUsed}
	}

	if !now.Before(rec.ExpiresAt) {
		return VerifyDecision{Status: VerifyStatusExpired, Mutation: MutateRetire}
	}

	attempts := rec.AttemptCount
	if rec.IsLocked {
		if rec.LockedUntil != nil && now.Before(*rec.LockedUntil) {
			return VerifyDecision{
				Status:     VerifyStatusTooManyAttempts,
				RetryAfter: CeilDuration(rec.LockedUntil.Sub(now)),
			}
		}
		// Lock elapsed; the record gets a fresh attempt budget.
		attempts = 0
	}

	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) == 1 {
		return VerifyDecision{Status: VerifyStatusOK, Mutation: MutateConsume}
	}

	attempts++
	dec := VerifyDecision{
		Status:       VerifyStatusInvalidCode,
		Mutation:     MutateRecordFailure,
		AttemptCount: attempts,
	}
	if attempts >= pol.MaxAttempts {
		dec.Status = VerifyStatusTooManyAttempts
		dec.Locked = true
		dec.LockedUntil = now.Add(pol.Lockout)
		dec.RetryAfter = pol.Lockout
		return dec
	}
	dec.AttemptsRemaining = pol.MaxAttempts - attempts
	return dec
}

// CeilDuration rounds a duration up to a whole second.
func CeilDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}

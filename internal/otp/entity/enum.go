package entity

// OtpState is the lifecycle state of a passcode record, derived from the
// stored fields at decision time. It is never persisted as its own column.
type OtpState int16

const (
	// OtpStateActive means the code can still be attempted.
	OtpStateActive OtpState = 1

	// OtpStateLocked means attempts are exhausted and the lock has not elapsed.
	OtpStateLocked OtpState = 2

	// OtpStateExpired means the TTL elapsed before the code was consumed.
	OtpStateExpired OtpState = 3

	// OtpStateUsed means the code was consumed or retired. Terminal.
	OtpStateUsed OtpState = 4
)

func (s OtpState) String() string {
	switch s {
	case OtpStateActive:
		return "Active"
	case OtpStateLocked:
		return "Locked"
	case OtpStateExpired:
		return "Expired"
	case OtpStateUsed:
		return "Used"
	default:
		return "Unknown"
	}
}

// VerifyStatus is the outcome of a single verification call.
type VerifyStatus int16

const (
	VerifyStatusUnknown         VerifyStatus = 0
	VerifyStatusOK              VerifyStatus = 1
	VerifyStatusNotFound        VerifyStatus = 2
	VerifyStatusExpired         VerifyStatus = 3
	VerifyStatusCodeUsed        VerifyStatus = 4
	VerifyStatusInvalidCode     VerifyStatus = 5
	VerifyStatusTooManyAttempts VerifyStatus = 6
)

func (s VerifyStatus) String() string {
	switch s {
	case VerifyStatusOK:
		return "OK"
	case VerifyStatusNotFound:
		return "NotFound"
	case VerifyStatusExpired:
		return "Expired"
	case VerifyStatusCodeUsed:
		return "CodeUsed"
	case VerifyStatusInvalidCode:
		return "InvalidCode"
	case VerifyStatusTooManyAttempts:
		return "TooManyAttempts"
	default:
		return "Unknown"
	}
}

// IssueStatus is the outcome of a single issuance call.
type IssueStatus int16

const (
	IssueStatusUnknown     IssueStatus = 0
	IssueStatusIssued      IssueStatus = 1
	IssueStatusReplayed    IssueStatus = 2
	IssueStatusRateLimited IssueStatus = 3
	IssueStatusKeyConflict IssueStatus = 4
)

func (s IssueStatus) String() string {
	switch s {
	case IssueStatusIssued:
		return "Issued"
	case IssueStatusReplayed:
		return "Replayed"
	case IssueStatusRateLimited:
		return "RateLimited"
	case IssueStatusKeyConflict:
		return "KeyConflict"
	default:
		return "Unknown"
	}
}

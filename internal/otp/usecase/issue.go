package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/otpgate/otpgate/internal/otp/entity"
	"github.com/otpgate/otpgate/internal/pkg/goerror"
	"github.com/otpgate/otpgate/internal/pkg/idempotency"
)

type IssueInput struct {
	UserID         string `validate:"required,max=128"`
	Purpose        string `validate:"required,purpose"`
	ClientIP       string `validate:"required,ip"`
	IdempotencyKey string `validate:"required,max=255"`
}

type IssueOutput struct {
	Receipt entity.IssueReceipt

	// Replayed is true when the response was served from the idempotency
	// ledger rather than a fresh issuance.
	Replayed bool

	// Body is the exact response payload. For replays these are the stored
	// ledger bytes, so a retried request reads back byte for byte what the
	// first attempt produced.
	Body []byte
}

// Issue generates and stores a fresh passcode for the user and purpose,
// retiring any prior active one. Retries carrying the same idempotency key
// get the stored response back; reusing a key with a different payload is a
// conflict. The code itself only travels on the delivery event, never in
// the returned receipt.
func (s *Usecase) Issue(ctx context.Context, in IssueInput) (*IssueOutput, error) {
	ctx, span := s.startSpan(ctx, "Issue")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	cmd := entity.IssueCommand{
		UserID:         in.UserID,
		Purpose:        in.Purpose,
		ClientIP:       in.ClientIP,
		IdempotencyKey: in.IdempotencyKey,
		RequestHash:    requestHash(in.UserID, in.Purpose),
	}

	// Keep concurrent duplicates of the same key out of the transaction;
	// whichever got in first will have written the ledger row they replay.
	release, err := s.guard.Acquire(ctx, in.IdempotencyKey, 0)
	if errors.Is(err, idempotency.ErrInFlight) {
		slog.WarnContext(ctx, "duplicate issuance already in flight", "user_id", in.UserID, "purpose", in.Purpose)
		return nil, goerror.NewBusiness("request already in progress, retry shortly", goerror.CodeConflict)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to acquire in-flight guard", "error", err)
		return nil, goerror.NewServer(err)
	}
	defer release()

	code, err := s.codegen.Generate(entity.CodeLength)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate passcode", "error", err)
		return nil, goerror.NewServer(err)
	}

	out, err := s.repoDB.IssueOTP(ctx, cmd, code, s.issuePol)
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo issue otp", "user_id", in.UserID, "purpose", in.Purpose, "error", err)
		return nil, goerror.NewServer(err)
	}

	switch out.Status {
	case entity.IssueStatusIssued:
		if err := s.repoMessaging.PublishOtpIssued(ctx, OtpIssuedEvent{
			OtpID:     out.Receipt.OtpID,
			UserID:    in.UserID,
			Purpose:   in.Purpose,
			Code:      out.Code,
			ExpiresAt: out.ExpiresAt,
			IssuedAt:  out.IssuedAt,
		}); err != nil {
			slog.ErrorContext(ctx, "failed to publish otp issued event", "otp_id", out.Receipt.OtpID, "error", err)
		}

		return &IssueOutput{Receipt: out.Receipt, Body: out.StoredResponse}, nil

	case entity.IssueStatusReplayed:
		return &IssueOutput{Receipt: out.Receipt, Replayed: true, Body: out.StoredResponse}, nil

	case entity.IssueStatusRateLimited:
		slog.WarnContext(ctx, "issuance rate limited",
			"user_id", in.UserID, "purpose", in.Purpose, "cooldown", out.Cooldown)
		return nil, goerror.NewBusinessData("too many requests, slow down", goerror.CodeTooManyRequest,
			"remaining_cooldown_seconds", int64(out.Cooldown.Seconds()))

	case entity.IssueStatusKeyConflict:
		return nil, goerror.NewBusiness("idempotency key already used with a different request", goerror.CodeConflict)

	default:
		slog.ErrorContext(ctx, "unexpected issuance status", "status", out.Status.String())
		return nil, goerror.NewServer(errors.New("unexpected issuance status " + out.Status.String()))
	}
}

// requestHash fingerprints the request payload for idempotency comparison.
// Field order is fixed so equal payloads always hash equal.
func requestHash(userID, purpose string) string {
	b, _ := json.Marshal(struct {
		UserID  string `json:"user_id"`
		Purpose string `json:"purpose"`
	}{UserID: userID, Purpose: purpose})

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

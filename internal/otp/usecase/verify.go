package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/otpgate/otpgate/internal/otp/entity"
	"github.com/otpgate/otpgate/internal/pkg/goerror"
)

type VerifyInput struct {
	UserID  string `validate:"required,max=128"`
	Purpose string `validate:"required,purpose"`
	Code    string `validate:"required,otpcode"`
}

type VerifyOutput struct {
	Verified bool `json:"verified"`
}

// Verify checks the submitted code against the active one for the user and
// purpose. A match consumes the code permanently; a mismatch burns one
// attempt and trips the lockout once the budget is spent. Concurrent
// submissions of the same code let exactly one caller through.
func (s *Usecase) Verify(ctx context.Context, in VerifyInput) (*VerifyOutput, error) {
	ctx, span := s.startSpan(ctx, "Verify")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	res, err := s.repoDB.VerifyOTP(ctx, in.UserID, in.Purpose, in.Code, s.verifyPol)
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo verify otp", "user_id", in.UserID, "purpose", in.Purpose, "error", err)
		return nil, goerror.NewServer(err)
	}

	switch res.Status {
	case entity.VerifyStatusOK:
		return &VerifyOutput{Verified: true}, nil

	case entity.VerifyStatusNotFound:
		return nil, goerror.NewBusiness("no active passcode for this user and purpose", goerror.CodeNotFound)

	case entity.VerifyStatusExpired:
		return nil, goerror.NewBusiness("passcode has expired, request a new one", goerror.CodeGone)

	case entity.VerifyStatusCodeUsed:
		return nil, goerror.NewBusiness("passcode has already been used", goerror.CodeGone)

	case entity.VerifyStatusInvalidCode:
		return nil, goerror.NewBusinessData("incorrect passcode", goerror.CodeUnauthorized,
			"attempts_remaining", int64(res.AttemptsRemaining))

	case entity.VerifyStatusTooManyAttempts:
		slog.WarnContext(ctx, "verification locked out",
			"user_id", in.UserID, "purpose", in.Purpose, "retry_after", res.RetryAfter)
		return nil, goerror.NewBusinessData("too many failed attempts, try again later", goerror.CodeTooManyRequest,
			"retry_after_seconds", int64(res.RetryAfter.Seconds()))

	default:
		slog.ErrorContext(ctx, "unexpected verification status", "status", res.Status.String())
		return nil, goerror.NewServer(errors.New("unexpected verification status " + res.Status.String()))
	}
}

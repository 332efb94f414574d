package inbound

import (
	"github.com/otpgate/otpgate/internal/otp/usecase"
	"github.com/otpgate/otpgate/internal/pkg/goerror"
	"github.com/otpgate/otpgate/internal/pkg/router"
)

// headerIdempotencyKey carries the client-chosen retry key for issuance.
const headerIdempotencyKey = "Idempotency-Key"

// HTTPEndpoint exposes HTTP handlers for passcode issuance and verification.
type HTTPEndpoint struct {
	uc uc
}

// Issue creates a passcode for a user and purpose. The code itself is
// delivered out-of-band; the response only carries the receipt. Retries
// with the same Idempotency-Key get the original response back.
func (h *HTTPEndpoint) Issue(r *router.Request) (any, error) {
	key := r.GetHeader(headerIdempotencyKey)
	if key == "" {
		return nil, goerror.NewInvalidFormat(headerIdempotencyKey + " header is required")
	}

	var req IssueRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	resp, err := h.uc.Issue(r.Context(), usecase.IssueInput{
		UserID:         req.UserID,
		Purpose:        req.Purpose,
		ClientIP:       r.ClientIP(),
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	return IssueResponse{
		OtpID:             resp.Receipt.OtpID,
		TTLSeconds:        resp.Receipt.TTLSeconds,
		RemainingRequests: resp.Receipt.RemainingRequests,
	}, nil
}

// Verify checks a submitted passcode. A match consumes the code; the
// response never distinguishes which digit was wrong, only how many
// attempts remain.
func (h *HTTPEndpoint) Verify(r *router.Request) (any, error) {
	var req VerifyRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	resp, err := h.uc.Verify(r.Context(), usecase.VerifyInput{
		UserID:  req.UserID,
		Purpose: req.Purpose,
		Code:    req.Code,
	})
	if err != nil {
		return nil, err
	}

	return VerifyResponse{Verified: resp.Verified}, nil
}

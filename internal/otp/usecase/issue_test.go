package usecase

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/otpgate/otpgate/internal/otp/entity"
	"github.com/otpgate/otpgate/internal/pkg/goerror"
	"github.com/otpgate/otpgate/internal/pkg/idempotency"
)

type inFlightGuard struct{}

func (inFlightGuard) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, idempotency.ErrInFlight
}

func validIssueInput() IssueInput {
	return IssueInput{
		UserID:         "u-1001",
		Purpose:        "login",
		ClientIP:       "203.0.113.7",
		IdempotencyKey: "key-abc",
	}
}

func TestUsecase_Issue(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("fresh issuance returns receipt and publishes the code", func(t *testing.T) {
		stored := []byte(`{"otp_id":42,"ttl_seconds":300,"remaining_requests":2}`)
		repo := &fakeRepoDB{issueOut: entity.IssueOutcome{
			Status:         entity.IssueStatusIssued,
			Receipt:        entity.IssueReceipt{OtpID: 42, TTLSeconds: 300, RemainingRequests: 2},
			Code:           "845012",
			StoredResponse: stored,
			IssuedAt:       now,
			ExpiresAt:      now.Add(5 * time.Minute),
		}}
		msg := &fakeMessaging{}
		u := newTestUsecase(t, repo, msg)

		out, err := u.Issue(context.Background(), validIssueInput())
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if out.Replayed {
			t.Fatal("Issue() replayed = true, want fresh issuance")
		}
		if out.Receipt.OtpID != 42 || out.Receipt.TTLSeconds != 300 || out.Receipt.RemainingRequests != 2 {
			t.Fatalf("Issue() receipt = %+v", out.Receipt)
		}
		if !bytes.Equal(out.Body, stored) {
			t.Fatalf("Issue() body = %s, want ledger bytes", out.Body)
		}

		events := msg.published()
		if len(events) != 1 {
			t.Fatalf("published %d events, want 1", len(events))
		}
		if events[0].OtpID != 42 || events[0].Code != "845012" || events[0].UserID != "u-1001" {
			t.Fatalf("published event = %+v", events[0])
		}

		if len(repo.issueCmds) != 1 {
			t.Fatalf("repo called %d times, want 1", len(repo.issueCmds))
		}
		cmd := repo.issueCmds[0]
		if cmd.RequestHash != requestHash("u-1001", "login") {
			t.Fatalf("request hash = %q", cmd.RequestHash)
		}
		if cmd.IdempotencyKey != "key-abc" {
			t.Fatalf("idempotency key = %q", cmd.IdempotencyKey)
		}
	})

	t.Run("replay serves stored bytes without publishing", func(t *testing.T) {
		stored := []byte(`{"otp_id":7,"ttl_seconds":300,"remaining_requests":1}`)
		repo := &fakeRepoDB{issueOut: entity.IssueOutcome{
			Status:         entity.IssueStatusReplayed,
			Receipt:        entity.IssueReceipt{OtpID: 7, TTLSeconds: 300, RemainingRequests: 1},
			StoredResponse: stored,
		}}
		msg := &fakeMessaging{}
		u := newTestUsecase(t, repo, msg)

		out, err := u.Issue(context.Background(), validIssueInput())
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if !out.Replayed {
			t.Fatal("Issue() replayed = false, want replay")
		}
		if !bytes.Equal(out.Body, stored) {
			t.Fatalf("Issue() body = %s, want stored bytes", out.Body)
		}
		if got := len(msg.published()); got != 0 {
			t.Fatalf("published %d events on replay, want 0", got)
		}
	})

	t.Run("rate limited maps to too-many-requests with cooldown", func(t *testing.T) {
		repo := &fakeRepoDB{issueOut: entity.IssueOutcome{
			Status:   entity.IssueStatusRateLimited,
			Cooldown: 540 * time.Second,
		}}
		u := newTestUsecase(t, repo, &fakeMessaging{})

		_, err := u.Issue(context.Background(), validIssueInput())
		var gerr *goerror.Error
		if !errors.As(err, &gerr) {
			t.Fatalf("Issue() error = %v, want *goerror.Error", err)
		}
		if gerr.Code() != goerror.CodeTooManyRequest {
			t.Fatalf("code = %v, want CodeTooManyRequest", gerr.Code())
		}
		if got := gerr.Data()["remaining_cooldown_seconds"]; got != int64(540) {
			t.Fatalf("remaining_cooldown_seconds = %v, want 540", got)
		}
	})

	t.Run("key conflict maps to conflict", func(t *testing.T) {
		repo := &fakeRepoDB{issueOut: entity.IssueOutcome{Status: entity.IssueStatusKeyConflict}}
		u := newTestUsecase(t, repo, &fakeMessaging{})

		_, err := u.Issue(context.Background(), validIssueInput())
		var gerr *goerror.Error
		if !errors.As(err, &gerr) {
			t.Fatalf("Issue() error = %v, want *goerror.Error", err)
		}
		if gerr.Code() != goerror.CodeConflict {
			t.Fatalf("code = %v, want CodeConflict", gerr.Code())
		}
	})

	t.Run("in-flight duplicate is rejected before storage", func(t *testing.T) {
		repo := &fakeRepoDB{}
		u := newTestUsecase(t, repo, &fakeMessaging{})
		u.guard = inFlightGuard{}

		_, err := u.Issue(context.Background(), validIssueInput())
		var gerr *goerror.Error
		if !errors.As(err, &gerr) {
			t.Fatalf("Issue() error = %v, want *goerror.Error", err)
		}
		if gerr.Code() != goerror.CodeConflict {
			t.Fatalf("code = %v, want CodeConflict", gerr.Code())
		}
		if len(repo.issueCmds) != 0 {
			t.Fatal("repo was called for an in-flight duplicate")
		}
	})

	t.Run("invalid input never reaches storage", func(t *testing.T) {
		repo := &fakeRepoDB{}
		u := newTestUsecase(t, repo, &fakeMessaging{})

		cases := map[string]IssueInput{
			"missing user": {Purpose: "login", ClientIP: "203.0.113.7", IdempotencyKey: "k"},
			"bad purpose":  {UserID: "u-1", Purpose: "Log In!", ClientIP: "203.0.113.7", IdempotencyKey: "k"},
			"missing key":  {UserID: "u-1", Purpose: "login", ClientIP: "203.0.113.7"},
		}
		for name, in := range cases {
			t.Run(name, func(t *testing.T) {
				if _, err := u.Issue(context.Background(), in); err == nil {
					t.Fatal("Issue() error = nil, want validation error")
				}
			})
		}
		if len(repo.issueCmds) != 0 {
			t.Fatalf("repo called %d times for invalid input", len(repo.issueCmds))
		}
	})

	t.Run("publish failure does not fail the issuance", func(t *testing.T) {
		repo := &fakeRepoDB{issueOut: entity.IssueOutcome{
			Status:         entity.IssueStatusIssued,
			Receipt:        entity.IssueReceipt{OtpID: 9, TTLSeconds: 300, RemainingRequests: 0},
			Code:           "000913",
			StoredResponse: []byte(`{}`),
		}}
		msg := &fakeMessaging{err: errors.New("broker down")}
		u := newTestUsecase(t, repo, msg)

		out, err := u.Issue(context.Background(), validIssueInput())
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if out.Receipt.OtpID != 9 {
			t.Fatalf("Issue() receipt = %+v", out.Receipt)
		}
	})
}

func TestRequestHash(t *testing.T) {
	a := requestHash("u-1", "login")
	if a != requestHash("u-1", "login") {
		t.Fatal("equal payloads must hash equal")
	}
	if a == requestHash("u-1", "reset") {
		t.Fatal("different payloads must hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}

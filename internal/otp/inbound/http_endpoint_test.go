package inbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/otpgate/otpgate/internal/otp/entity"
	"github.com/otpgate/otpgate/internal/otp/usecase"
	"github.com/otpgate/otpgate/internal/pkg/config"
	"github.com/otpgate/otpgate/internal/pkg/goerror"
	"github.com/otpgate/otpgate/internal/pkg/instrument"
	"github.com/otpgate/otpgate/internal/pkg/router"
	"github.com/otpgate/otpgate/internal/pkg/uid"
)

type fakeUC struct {
	issueOut  *usecase.IssueOutput
	issueErr  error
	issueIn   usecase.IssueInput
	verifyOut *usecase.VerifyOutput
	verifyErr error
}

func (f *fakeUC) Issue(_ context.Context, in usecase.IssueInput) (*usecase.IssueOutput, error) {
	f.issueIn = in
	return f.issueOut, f.issueErr
}

func (f *fakeUC) Verify(context.Context, usecase.VerifyInput) (*usecase.VerifyOutput, error) {
	return f.verifyOut, f.verifyErr
}

func newTestServer(t *testing.T, uc *fakeUC) *httptest.Server {
	t.Helper()

	cfg, err := config.NewViperFromBytes("yaml", []byte("app: {}"))
	if err != nil {
		t.Fatalf("NewViperFromBytes() error = %v", err)
	}
	t.Cleanup(func() { _ = cfg.Close() })

	r := router.NewRouter(router.Config{
		Config:     cfg,
		UUID:       uid.NewUUID(),
		Instrument: instrument.NewNoop(),
	})
	RegisterHTTPEndpoint(r, uc)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPEndpoint_Issue(t *testing.T) {
	t.Run("issues and returns receipt", func(t *testing.T) {
		uc := &fakeUC{issueOut: &usecase.IssueOutput{
			Receipt: entity.IssueReceipt{OtpID: 42, TTLSeconds: 300, RemainingRequests: 2},
		}}
		srv := newTestServer(t, uc)

		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/otp/issue",
			strings.NewReader(`{"user_id":"u-1","purpose":"login"}`))
		req.Header.Set("Idempotency-Key", "key-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		var body struct {
			Data IssueResponse `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if body.Data.OtpID != 42 || body.Data.TTLSeconds != 300 {
			t.Fatalf("data = %+v", body.Data)
		}

		if uc.issueIn.IdempotencyKey != "key-1" {
			t.Fatalf("idempotency key = %q", uc.issueIn.IdempotencyKey)
		}
		if uc.issueIn.ClientIP == "" {
			t.Fatal("client ip was not resolved")
		}
	})

	t.Run("missing idempotency key is a bad request", func(t *testing.T) {
		srv := newTestServer(t, &fakeUC{})

		resp, err := http.Post(srv.URL+"/api/v1/otp/issue", "application/json",
			strings.NewReader(`{"user_id":"u-1","purpose":"login"}`))
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("rate limited surfaces retry-after data", func(t *testing.T) {
		uc := &fakeUC{issueErr: goerror.NewBusinessData("too many requests, slow down",
			goerror.CodeTooManyRequest, "remaining_cooldown_seconds", int64(540))}
		srv := newTestServer(t, uc)

		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/otp/issue",
			strings.NewReader(`{"user_id":"u-1","purpose":"login"}`))
		req.Header.Set("Idempotency-Key", "key-2")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", resp.StatusCode)
		}

		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if got := body.Data["remaining_cooldown_seconds"]; got != float64(540) {
			t.Fatalf("remaining_cooldown_seconds = %v, want 540", got)
		}
	})
}

func TestHTTPEndpoint_Verify(t *testing.T) {
	t.Run("valid code verifies", func(t *testing.T) {
		uc := &fakeUC{verifyOut: &usecase.VerifyOutput{Verified: true}}
		srv := newTestServer(t, uc)

		resp, err := http.Post(srv.URL+"/api/v1/otp/verify", "application/json",
			strings.NewReader(`{"user_id":"u-1","purpose":"login","code":"845012"}`))
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		var body struct {
			Data VerifyResponse `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if !body.Data.Verified {
			t.Fatal("verified = false, want true")
		}
	})

	t.Run("expired code is gone", func(t *testing.T) {
		uc := &fakeUC{verifyErr: goerror.NewBusiness("passcode has expired, request a new one", goerror.CodeGone)}
		srv := newTestServer(t, uc)

		resp, err := http.Post(srv.URL+"/api/v1/otp/verify", "application/json",
			strings.NewReader(`{"user_id":"u-1","purpose":"login","code":"845012"}`))
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusGone {
			t.Fatalf("status = %d, want 410", resp.StatusCode)
		}
	})

	t.Run("wrong code is unauthorized with attempts remaining", func(t *testing.T) {
		uc := &fakeUC{verifyErr: goerror.NewBusinessData("incorrect passcode",
			goerror.CodeUnauthorized, "attempts_remaining", int64(1))}
		srv := newTestServer(t, uc)

		resp, err := http.Post(srv.URL+"/api/v1/otp/verify", "application/json",
			strings.NewReader(`{"user_id":"u-1","purpose":"login","code":"000000"}`))
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}

		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if got := body.Data["attempts_remaining"]; got != float64(1) {
			t.Fatalf("attempts_remaining = %v, want 1", got)
		}
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		srv := newTestServer(t, &fakeUC{})

		resp, err := http.Post(srv.URL+"/api/v1/otp/verify", "application/json",
			strings.NewReader(`{"user_id":`))
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

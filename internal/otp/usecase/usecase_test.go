package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/otpgate/otpgate/internal/otp/entity"
	"github.com/otpgate/otpgate/internal/pkg/clock"
	"github.com/otpgate/otpgate/internal/pkg/codegen"
	"github.com/otpgate/otpgate/internal/pkg/config"
	"github.com/otpgate/otpgate/internal/pkg/goroutine"
	"github.com/otpgate/otpgate/internal/pkg/idempotency"
	"github.com/otpgate/otpgate/internal/pkg/instrument"
	"github.com/otpgate/otpgate/internal/pkg/validator"
)

// fakeRepoDB scripts storage outcomes and records calls. The verify path
// can also emulate the single-winner consume semantics for concurrency
// tests.
type fakeRepoDB struct {
	mu sync.Mutex

	issueOut  entity.IssueOutcome
	issueErr  error
	issueCmds []entity.IssueCommand

	verifyRes   entity.VerifyResult
	verifyErr   error
	verifyCalls int

	// When consumeOnce is set, the first verify returns OK and every later
	// one returns CodeUsed, mirroring the storage-level compare-and-set.
	consumeOnce bool
	consumed    bool

	pruneCounts entity.PruneCounts
	pruneErr    error
}

func (f *fakeRepoDB) IssueOTP(_ context.Context, cmd entity.IssueCommand, _ string, _ entity.IssuePolicy) (entity.IssueOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.issueCmds = append(f.issueCmds, cmd)
	return f.issueOut, f.issueErr
}

func (f *fakeRepoDB) VerifyOTP(context.Context, string, string, string, entity.VerifyPolicy) (entity.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.verifyCalls++
	if f.verifyErr != nil {
		return entity.VerifyResult{}, f.verifyErr
	}
	if f.consumeOnce {
		if f.consumed {
			return entity.VerifyResult{Status: entity.VerifyStatusCodeUsed}, nil
		}
		f.consumed = true
		return entity.VerifyResult{Status: entity.VerifyStatusOK}, nil
	}
	return f.verifyRes, nil
}

func (f *fakeRepoDB) Prune(context.Context, time.Duration, time.Duration) (entity.PruneCounts, error) {
	return f.pruneCounts, f.pruneErr
}

type fakeMessaging struct {
	mu     sync.Mutex
	events []OtpIssuedEvent
	err    error
}

func (f *fakeMessaging) PublishOtpIssued(_ context.Context, msg OtpIssuedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, msg)
	return f.err
}

func (f *fakeMessaging) published() []OtpIssuedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]OtpIssuedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newTestUsecase(t *testing.T, repo *fakeRepoDB, msg *fakeMessaging) *Usecase {
	t.Helper()

	v, err := validator.NewV10Validator()
	if err != nil {
		t.Fatalf("NewV10Validator() error = %v", err)
	}

	cfg, err := config.NewViperFromBytes("yaml", []byte("otp: {}"))
	if err != nil {
		t.Fatalf("NewViperFromBytes() error = %v", err)
	}
	t.Cleanup(func() { _ = cfg.Close() })

	return New(Dependency{
		RepoDB:        repo,
		RepoMessaging: msg,
		Guard:         idempotency.NopGuard{},
		Validator:     v,
		Config:        cfg,
		Codegen:       codegen.NewCryptoGenerator(),
		Clock:         clock.New(),
		Instrument:    instrument.NewNoop(),
		Goroutine:     goroutine.NewManager(4),
	})
}

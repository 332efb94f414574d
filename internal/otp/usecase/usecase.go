// Package usecase holds the passcode business flows: issuance with
// idempotent replay and rate limiting, single-use verification with
// attempt lockout, and periodic housekeeping of dead rows.
package usecase

import (
	"context"
	"time"

	"github.com/otpgate/otpgate/internal/otp/entity"
	"github.com/otpgate/otpgate/internal/pkg/clock"
	"github.com/otpgate/otpgate/internal/pkg/codegen"
	"github.com/otpgate/otpgate/internal/pkg/config"
	"github.com/otpgate/otpgate/internal/pkg/goroutine"
	"github.com/otpgate/otpgate/internal/pkg/idempotency"
	"github.com/otpgate/otpgate/internal/pkg/instrument"
	"github.com/otpgate/otpgate/internal/pkg/validator"
	"go.opentelemetry.io/otel/trace"
)

// OtpIssuedEvent is handed to the messaging layer after a successful
// issuance so delivery channels can send the code out-of-band.
type OtpIssuedEvent struct {
	OtpID     int64
	UserID    string
	Purpose   string
	Code      string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type repoMessaging interface {
	PublishOtpIssued(ctx context.Context, msg OtpIssuedEvent) error
}

type repoDB interface {
	IssueOTP(ctx context.Context, cmd entity.IssueCommand, code string, pol entity.IssuePolicy) (entity.IssueOutcome, error)
	VerifyOTP(ctx context.Context, userID, purpose, code string, pol entity.VerifyPolicy) (entity.VerifyResult, error)
	Prune(ctx context.Context, codeRetention, rateWindow time.Duration) (entity.PruneCounts, error)
}

type Usecase struct {
	repoDB        repoDB
	repoMessaging repoMessaging
	guard         idempotency.Guard
	validator     validator.Validator
	cfg           config.Config
	codegen       codegen.Generator
	clock         clock.Clocker
	ins           instrument.Instrumentation
	goroutine     *goroutine.Manager

	issuePol  entity.IssuePolicy
	verifyPol entity.VerifyPolicy
}

type Dependency struct {
	RepoDB        repoDB
	RepoMessaging repoMessaging
	Guard         idempotency.Guard
	Validator     validator.Validator
	Config        config.Config
	Codegen       codegen.Generator
	Clock         clock.Clocker
	Instrument    instrument.Instrumentation
	Goroutine     *goroutine.Manager
}

func New(dep Dependency) *Usecase {
	return &Usecase{
		repoDB:        dep.RepoDB,
		repoMessaging: dep.RepoMessaging,
		guard:         dep.Guard,
		validator:     dep.Validator,
		cfg:           dep.Config,
		codegen:       dep.Codegen,
		clock:         dep.Clock,
		ins:           dep.Instrument,
		goroutine:     dep.Goroutine,
		issuePol:      issuePolicyFromConfig(dep.Config),
		verifyPol:     verifyPolicyFromConfig(dep.Config),
	}
}

func (s *Usecase) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("otp.usecase").Start(ctx, name)
}

// issuePolicyFromConfig reads issuance tuning from config, keeping the
// built-in defaults for any knob left unset.
func issuePolicyFromConfig(cfg config.Config) entity.IssuePolicy {
	pol := entity.DefaultIssuePolicy()
	if cfg == nil {
		return pol
	}

	if v := cfg.GetSecond("otp.code_ttl"); v > 0 {
		pol.CodeTTL = v
	}
	if v := cfg.GetSecond("otp.idempotency_ttl"); v > 0 {
		pol.IdempotencyTTL = v
	}
	if v := cfg.GetSecond("otp.rate_window"); v > 0 {
		pol.Rate.Window = v
	}
	if v := cfg.GetInt("otp.rate_user_limit"); v > 0 {
		pol.Rate.UserLimit = v
	}
	if v := cfg.GetInt("otp.rate_ip_limit"); v > 0 {
		pol.Rate.IPLimit = v
	}

	return pol
}

func verifyPolicyFromConfig(cfg config.Config) entity.VerifyPolicy {
	pol := entity.DefaultVerifyPolicy()
	if cfg == nil {
		return pol
	}

	if v := cfg.GetInt32("otp.max_attempts"); v > 0 {
		pol.MaxAttempts = v
	}
	if v := cfg.GetSecond("otp.lockout"); v > 0 {
		pol.Lockout = v
	}

	return pol
}

// Package otp wires the passcode module: storage, messaging, business
// flows, and HTTP endpoints.
package otp

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/otpgate/otpgate/internal/otp/inbound"
	"github.com/otpgate/otpgate/internal/otp/outbound/db"
	"github.com/otpgate/otpgate/internal/otp/outbound/mq"
	"github.com/otpgate/otpgate/internal/otp/usecase"
	"github.com/otpgate/otpgate/internal/pkg/clock"
	"github.com/otpgate/otpgate/internal/pkg/codegen"
	"github.com/otpgate/otpgate/internal/pkg/config"
	"github.com/otpgate/otpgate/internal/pkg/goroutine"
	"github.com/otpgate/otpgate/internal/pkg/idempotency"
	"github.com/otpgate/otpgate/internal/pkg/instrument"
	"github.com/otpgate/otpgate/internal/pkg/messaging"
	"github.com/otpgate/otpgate/internal/pkg/router"
	"github.com/otpgate/otpgate/internal/pkg/validator"
)

type Dependency struct {
	DBConn     *pgxpool.Pool              `validate:"required"`
	Goroutine  *goroutine.Manager         `validate:"required"`
	Router     *router.Router             `validate:"required"`
	Guard      idempotency.Guard          `validate:"required"`
	Messaging  messaging.Messaging        `validate:"required"`
	Config     config.Config              `validate:"required"`
	Instrument instrument.Instrumentation `validate:"required"`
	Codegen    codegen.Generator          `validate:"required"`
	Clock      clock.Clocker              `validate:"required"`
	Validator  validator.Validator        `validate:"required"`
}

func New(dep Dependency) (*usecase.Usecase, error) {
	if err := dep.Validator.Validate(dep); err != nil {
		return nil, err
	}

	dbOtp := db.NewDB(dep.DBConn, dep.Instrument)
	repoMsg := mq.NewMessaging(dep.Messaging, dep.Instrument)

	uc := usecase.New(usecase.Dependency{
		RepoDB:        dbOtp,
		RepoMessaging: repoMsg,
		Guard:         dep.Guard,
		Validator:     dep.Validator,
		Config:        dep.Config,
		Codegen:       dep.Codegen,
		Clock:         dep.Clock,
		Instrument:    dep.Instrument,
		Goroutine:     dep.Goroutine,
	})

	inbound.RegisterHTTPEndpoint(dep.Router, uc)

	return uc, nil
}

package app

import (
	"log/slog"
	"os"

	"github.com/otpgate/otpgate/internal/otp"
)

func (a *App) initModules() {
	uc, err := otp.New(otp.Dependency{
		Config:     a.config,
		Instrument: a.ins,
		Codegen:    a.codegen,
		Clock:      a.clock,
		Validator:  a.validator,
		Router:     a.router,
		DBConn:     a.dbConn,
		Guard:      a.guard,
		Messaging:  a.messaging,
		Goroutine:  a.goroutine,
	})
	if err != nil {
		slog.Error("failed to init module otp", "error", err)
		os.Exit(1)
	}

	a.otpUC = uc
	a.otpUC.StartHousekeeping(a.ctx)
}

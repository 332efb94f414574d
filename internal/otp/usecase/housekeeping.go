package usecase

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultJanitorInterval = 5 * time.Minute
	defaultCodeRetention   = 24 * time.Hour
)

// StartHousekeeping launches the background janitor that periodically
// removes spent codes, aged-out rate entries, and expired idempotency
// rows. It returns immediately; the loop stops when ctx is canceled.
func (s *Usecase) StartHousekeeping(ctx context.Context) {
	if !s.cfg.GetBool("otp.janitor_enabled") {
		slog.InfoContext(ctx, "housekeeping janitor disabled")
		return
	}

	interval := s.cfg.GetSecond("otp.janitor_interval")
	if interval <= 0 {
		interval = defaultJanitorInterval
	}

	s.goroutine.Go(ctx, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.Housekeep(ctx); err != nil {
					slog.ErrorContext(ctx, "housekeeping pass failed", "error", err)
				}
			}
		}
	})
}

// Housekeep runs a single cleanup pass and reports what it removed.
func (s *Usecase) Housekeep(ctx context.Context) (removed int64, err error) {
	ctx, span := s.startSpan(ctx, "Housekeep")
	defer span.End()

	start := s.clock.Now()

	retention := s.cfg.GetHour("otp.code_retention")
	if retention <= 0 {
		retention = defaultCodeRetention
	}

	counts, err := s.repoDB.Prune(ctx, retention, s.issuePol.Rate.Window)
	if err != nil {
		return 0, err
	}

	removed = counts.OtpCodes + counts.RateEntries + counts.IdempotencyKeys
	if removed > 0 {
		slog.InfoContext(ctx, "housekeeping pass removed rows",
			"otp_codes", counts.OtpCodes,
			"rate_entries", counts.RateEntries,
			"idempotency_keys", counts.IdempotencyKeys,
			"elapsed_ms", s.clock.Now().Sub(start).Milliseconds())
	}

	return removed, nil
}

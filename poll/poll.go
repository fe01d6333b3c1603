// Package poll keeps the recorded session warm by querying today's grid on
// an interval.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clubwise-courts/payload"
	"clubwise-courts/pkg/courts"
)

const maxBackoff = 4 // multiple of the base interval after repeated failures

// Querier interface for availability lookups.
type Querier interface {
	Availability(ctx context.Context, date string) ([]courts.Slot, error)
}

// Warmer periodically replays a query so the stored session does not idle out
// and staleness is found before a user hits it.
type Warmer struct {
	querier  Querier
	logger   *slog.Logger
	interval time.Duration
	location *time.Location
	now      func() time.Time
	failures int
}

// New creates a new warmer. Dates are computed in loc.
func New(querier Querier, logger *slog.Logger, interval time.Duration, loc *time.Location) *Warmer {
	if loc == nil {
		loc = time.UTC
	}
	return &Warmer{
		querier:  querier,
		logger:   logger,
		interval: interval,
		location: loc,
		now:      time.Now,
	}
}

// Run checks on every interval until ctx is cancelled.
func (w *Warmer) Run(ctx context.Context) {
	w.logger.Info("Session warmer started", "interval", w.interval.String(), "location", w.location.String())
	for {
		wait := calculateInterval(w.interval, w.failures)
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, stopping session warmer", "error", ctx.Err())
			return
		case <-time.After(wait):
		}

		if err := w.CheckOnce(ctx); err != nil {
			w.logger.Warn("Session warm-up failed",
				"consecutive_failures", w.failures,
				"next_in", calculateInterval(w.interval, w.failures).String(),
				"error", err)
		}
	}
}

// CheckOnce queries today's availability.
func (w *Warmer) CheckOnce(ctx context.Context) error {
	date := payload.NewDateStamp(w.now().In(w.location)).Raw
	start := time.Now()

	slots, err := w.querier.Availability(ctx, date)
	if err != nil {
		w.failures++
		return fmt.Errorf("query %s: %w", date, err)
	}
	w.failures = 0

	w.logger.Info("Session warm-up completed",
		"date", date,
		"slots", len(slots),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// calculateInterval doubles the base interval per consecutive failure, capped
// at maxBackoff times the base.
func calculateInterval(base time.Duration, failures int) time.Duration {
	factor := 1
	for range failures {
		if factor >= maxBackoff {
			break
		}
		factor *= 2
	}
	return base * time.Duration(min(factor, maxBackoff))
}

// Package sched runs jobs at wall-clock times, decoupled from process
// uptime: the next occurrence is always recomputed from the clock, so a
// delayed or failed run never drifts the schedule.
package sched

import (
	"context"
	"time"

	"tickwatch/internal/logger"
)

// NextAt returns the first instant strictly after now that lands on the
// given wall-clock time in loc, offset by delay.
func NextAt(now time.Time, loc *time.Location, hour, minute int, delay time.Duration) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc).Add(delay)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Daily runs fn once per day at the given wall-clock time plus delay,
// until ctx is cancelled. Job failures are logged and the job is still
// rescheduled for its next occurrence.
func Daily(ctx context.Context, loc *time.Location, hour, minute int, delay time.Duration, name string, fn func(context.Context) error) {
	for {
		next := NextAt(time.Now(), loc, hour, minute, delay)
		logger.Info("Scheduled %s for %s", name, next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := fn(ctx); err != nil {
			logger.Error("Scheduled job %s failed: %v", name, err)
		}
	}
}

// Every runs fn on a fixed cadence until ctx is cancelled. Failures are
// logged; the cadence is unaffected.
func Every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error("Periodic job %s failed: %v", name, err)
			}
		}
	}
}

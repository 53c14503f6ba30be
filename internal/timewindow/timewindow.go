// Package timewindow computes when an abandonment evaluation may run so
// that the resulting notification lands inside the tenant's configured
// business hours.
package timewindow

import (
	"fmt"
	"time"

	"retail-notifications-api/internal/models"
)

// DefaultCountdown is the base delay before a cart is evaluated for
// abandonment when no per-tenant override is configured.
const DefaultCountdown = 25 * time.Minute

func isWeekday(day time.Weekday) bool {
	return day >= time.Monday && day <= time.Friday
}

func parseClock(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q: %w", value, err)
	}
	return t.Hour(), t.Minute(), nil
}

// at returns the instant at hour:minute on the day of base shifted by the
// given number of days, in base's location.
func at(base time.Time, hour, minute, dayShift int) time.Time {
	day := base.AddDate(0, 0, dayShift)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, base.Location())
}

// NextAvailableInstant returns the earliest instant at or after
// now+countdown that falls inside the configured windows. The countdown is
// topped up to the next open slot, never reset.
//
// Weekdays share one window, Saturday has its own, Sunday has none:
//   - weekday, candidate before the window opens: today's opening time
//   - weekday, candidate inside the window: the candidate unchanged
//   - weekday, window passed: next day's opening (Saturday's if tomorrow
//     is Saturday, else the weekday opening)
//   - Saturday, window passed: Monday's weekday opening (+2 days)
//   - Sunday: Monday's weekday opening (+1 day)
func NextAvailableInstant(now time.Time, weekdays, saturdays models.TimeWindow, countdown time.Duration) (time.Time, error) {
	candidate := now.Add(countdown)
	day := now.Weekday()

	if day == time.Sunday {
		fromH, fromM, err := parseClock(weekdays.From)
		if err != nil {
			return time.Time{}, err
		}
		return at(now, fromH, fromM, 1), nil
	}

	window := weekdays
	if day == time.Saturday {
		window = saturdays
	}

	fromH, fromM, err := parseClock(window.From)
	if err != nil {
		return time.Time{}, err
	}
	toH, toM, err := parseClock(window.To)
	if err != nil {
		return time.Time{}, err
	}

	opensAt := at(now, fromH, fromM, 0)
	closesAt := at(now, toH, toM, 0)

	if candidate.Before(opensAt) {
		return opensAt, nil
	}
	if !candidate.After(closesAt) {
		return candidate, nil
	}

	// Today's window has passed.
	if day == time.Saturday {
		// Skip Sunday entirely.
		weekdayFromH, weekdayFromM, err := parseClock(weekdays.From)
		if err != nil {
			return time.Time{}, err
		}
		return at(now, weekdayFromH, weekdayFromM, 2), nil
	}

	if day == time.Friday {
		satFromH, satFromM, err := parseClock(saturdays.From)
		if err != nil {
			return time.Time{}, err
		}
		return at(now, satFromH, satFromM, 1), nil
	}

	return at(now, fromH, fromM, 1), nil
}

// CountdownSeconds resolves the delay before evaluating a cart. The
// per-tenant abandonment_time_minutes override takes precedence over the
// deployment default (DefaultCountdown when fallback is zero); when the
// time restriction is active the delay is stretched so the evaluation
// fires inside the allowed window. A malformed restriction config falls
// back to the raw countdown instead of failing the schedule; the error is
// returned alongside for the caller to report.
func CountdownSeconds(settings models.Settings, now time.Time, fallback time.Duration) (time.Duration, error) {
	countdown := fallback
	if countdown <= 0 {
		countdown = DefaultCountdown
	}
	if settings.AbandonmentTimeMinutes > 0 {
		countdown = time.Duration(settings.AbandonmentTimeMinutes) * time.Minute
	}

	restriction := settings.TimeRestriction
	if !restriction.Active {
		return countdown, nil
	}

	if restriction.Weekdays.From == "" || restriction.Weekdays.To == "" ||
		restriction.Saturdays.From == "" || restriction.Saturdays.To == "" {
		return countdown, fmt.Errorf("time restriction active but periods are incomplete")
	}

	next, err := NextAvailableInstant(now, restriction.Weekdays, restriction.Saturdays, countdown)
	if err != nil {
		return countdown, err
	}

	return next.Sub(now), nil
}

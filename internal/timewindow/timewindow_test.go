package timewindow

import (
	"testing"
	"time"

	"retail-notifications-api/internal/models"
)

var (
	weekdays  = models.TimeWindow{From: "08:00", To: "19:00"}
	saturdays = models.TimeWindow{From: "10:00", To: "12:00"}
)

func TestNextAvailableInstant_WeekdayInsideWindow(t *testing.T) {
	// Wednesday 10:00, candidate 10:25 is inside the window.
	now := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)

	got, err := NextAvailableInstant(now, weekdays, saturdays, 25*time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := now.Add(25 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNextAvailableInstant_WeekdayBeforeOpening(t *testing.T) {
	// Wednesday 07:00, candidate 07:25 is before the window opens.
	now := time.Date(2025, 10, 1, 7, 0, 0, 0, time.UTC)

	got, err := NextAvailableInstant(now, weekdays, saturdays, 25*time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNextAvailableInstant_FridayEveningRollsToSaturday(t *testing.T) {
	// Friday 19:00: the weekday window just closed, so the notification
	// lands at Saturday's opening, not the weekday one.
	now := time.Date(2025, 10, 3, 19, 0, 0, 0, time.UTC)
	if now.Weekday() != time.Friday {
		t.Fatalf("Test date is %v, expected Friday", now.Weekday())
	}

	got, err := NextAvailableInstant(now, weekdays, saturdays, 25*time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := time.Date(2025, 10, 4, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Expected Saturday 10:00 (%v), got %v", want, got)
	}
}

func TestNextAvailableInstant_SaturdayAfterWindowSkipsSunday(t *testing.T) {
	// Saturday 11:50: candidate 12:15 misses the 10:00-12:00 window, and
	// Sunday has no window, so the result is Monday's weekday opening.
	now := time.Date(2025, 10, 4, 11, 50, 0, 0, time.UTC)
	if now.Weekday() != time.Saturday {
		t.Fatalf("Test date is %v, expected Saturday", now.Weekday())
	}

	got, err := NextAvailableInstant(now, weekdays, saturdays, 25*time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC)
	if got.Weekday() != time.Monday {
		t.Errorf("Expected Monday, got %v", got.Weekday())
	}
	if !got.Equal(want) {
		t.Errorf("Expected Monday 08:00 (%v), got %v", want, got)
	}
}

func TestNextAvailableInstant_SaturdayInsideWindow(t *testing.T) {
	now := time.Date(2025, 10, 4, 10, 30, 0, 0, time.UTC)

	got, err := NextAvailableInstant(now, weekdays, saturdays, 25*time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := now.Add(25 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNextAvailableInstant_SundayGoesToMonday(t *testing.T) {
	now := time.Date(2025, 10, 5, 15, 0, 0, 0, time.UTC)
	if now.Weekday() != time.Sunday {
		t.Fatalf("Test date is %v, expected Sunday", now.Weekday())
	}

	got, err := NextAvailableInstant(now, weekdays, saturdays, 25*time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Expected Monday 08:00 (%v), got %v", want, got)
	}
}

func TestNextAvailableInstant_InvalidWindow(t *testing.T) {
	now := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)

	_, err := NextAvailableInstant(now, models.TimeWindow{From: "not-a-time", To: "19:00"}, saturdays, 25*time.Minute)
	if err == nil {
		t.Error("Expected error for malformed window")
	}
}

func TestNextAvailableInstant_AlwaysInsideOrAtOpening(t *testing.T) {
	// Sweep a week of hourly instants: the result must never land before
	// the opening of its day's window.
	start := time.Date(2025, 10, 6, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7*24; i++ {
		now := start.Add(time.Duration(i) * time.Hour)
		got, err := NextAvailableInstant(now, weekdays, saturdays, 25*time.Minute)
		if err != nil {
			t.Fatalf("Unexpected error at %v: %v", now, err)
		}

		if got.Weekday() == time.Sunday {
			t.Errorf("Result %v falls on a Sunday (from %v)", got, now)
		}
		if got.Before(now) {
			t.Errorf("Result %v is before now %v", got, now)
		}
	}
}

func TestCountdownSeconds_InactiveRestriction(t *testing.T) {
	settings := models.Settings{}
	now := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)

	got, err := CountdownSeconds(settings, now, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != DefaultCountdown {
		t.Errorf("Expected default countdown %v, got %v", DefaultCountdown, got)
	}
}

func TestCountdownSeconds_TenantOverride(t *testing.T) {
	settings := models.Settings{AbandonmentTimeMinutes: 60}
	now := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)

	got, err := CountdownSeconds(settings, now, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != time.Hour {
		t.Errorf("Expected 1h, got %v", got)
	}
}

func TestCountdownSeconds_DeploymentDefault(t *testing.T) {
	settings := models.Settings{}
	now := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)

	got, err := CountdownSeconds(settings, now, 40*time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != 40*time.Minute {
		t.Errorf("Expected 40m, got %v", got)
	}
}

func TestCountdownSeconds_IncompletePeriodsFallsBack(t *testing.T) {
	settings := models.Settings{
		TimeRestriction: models.TimeRestriction{
			Active:   true,
			Weekdays: models.TimeWindow{From: "08:00"}, // missing To
		},
	}
	now := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)

	got, err := CountdownSeconds(settings, now, 0)
	if err == nil {
		t.Error("Expected error for incomplete periods")
	}
	if got != DefaultCountdown {
		t.Errorf("Expected fallback to default countdown, got %v", got)
	}
}

func TestCountdownSeconds_ActiveRestrictionStretchesDelay(t *testing.T) {
	settings := models.Settings{
		TimeRestriction: models.TimeRestriction{
			Active:    true,
			Weekdays:  weekdays,
			Saturdays: saturdays,
		},
	}
	// Wednesday 20:00: the window has closed, delay stretches to
	// Thursday 08:00.
	now := time.Date(2025, 10, 1, 20, 0, 0, 0, time.UTC)

	got, err := CountdownSeconds(settings, now, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := 12 * time.Hour
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

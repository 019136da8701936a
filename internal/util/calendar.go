package util

import (
	"context"
	"time"
)

// NextMinute returns the first whole UTC minute strictly after t.
func NextMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute).Add(time.Minute)
}

// NextRunTime returns the first multiple of step (counted from the Unix
// epoch) strictly after t.
func NextRunTime(t time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t
	}
	return t.UTC().Truncate(step).Add(step)
}

// SleepUntil blocks until the wall clock reaches t or ctx is cancelled.
func SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days returns every UTC day in [start, end).
func Days(start, end time.Time) []time.Time {
	var days []time.Time
	for d := Day(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

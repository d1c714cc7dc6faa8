// Package recurrence computes when a recurring allowance is next due.
// All results are midnight UTC; the time-of-day of the reference is ignored.
package recurrence

import (
	"time"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/model"
)

const day = 24 * time.Hour

// Rule is the frequency and anchor of a schedule.
type Rule struct {
	Frequency  model.Frequency
	DayOfWeek  *time.Weekday
	DayOfMonth *int
	// AnchorDate pins a biweekly cadence. Nil means the rule has not been
	// seeded yet; Next seeds it from the reference date.
	AnchorDate *time.Time
}

// FromSchedule extracts the rule of s.
func FromSchedule(s *model.Schedule) Rule {
	return Rule{
		Frequency:  s.Frequency,
		DayOfWeek:  s.DayOfWeek,
		DayOfMonth: s.DayOfMonth,
		AnchorDate: s.AnchorDate,
	}
}

// Validate checks that the rule names a known frequency and carries the
// anchor that frequency needs.
func (r Rule) Validate() error {
	switch r.Frequency {
	case model.FrequencyWeekly, model.FrequencyBiweekly:
		if r.DayOfWeek == nil {
			return apperr.InvalidRequest("validate schedule", "day_of_week is required for "+string(r.Frequency))
		}
		if *r.DayOfWeek < time.Sunday || *r.DayOfWeek > time.Saturday {
			return apperr.InvalidRequest("validate schedule", "day_of_week must be 0-6")
		}
	case model.FrequencyMonthly:
		if r.DayOfMonth == nil {
			return apperr.InvalidRequest("validate schedule", "day_of_month is required for monthly")
		}
		if *r.DayOfMonth < 1 || *r.DayOfMonth > 31 {
			return apperr.InvalidRequest("validate schedule", "day_of_month must be 1-31")
		}
	default:
		return apperr.InvalidRequest("validate schedule", "unknown frequency "+string(r.Frequency))
	}
	return nil
}

// Next returns the first due date strictly after ref's date. A due date never
// falls on the reference day itself, so a schedule processed on its due day
// is not paid again that day.
func (r Rule) Next(ref time.Time) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	today := Date(ref)

	switch r.Frequency {
	case model.FrequencyWeekly:
		return nextWeekday(today, *r.DayOfWeek), nil
	case model.FrequencyBiweekly:
		if r.AnchorDate == nil {
			return seedBiweekly(today, *r.DayOfWeek), nil
		}
		return nextFromAnchor(today, Date(*r.AnchorDate), 14), nil
	default:
		return nextMonthDay(today, *r.DayOfMonth), nil
	}
}

// Date truncates t to midnight UTC of its UTC calendar day.
func Date(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nextWeekday(today time.Time, wd time.Weekday) time.Time {
	n := (int(wd) - int(today.Weekday()) + 7) % 7
	if n == 0 {
		n = 7
	}
	return today.AddDate(0, 0, n)
}

// seedBiweekly places the first biweekly payment: two weeks out when today is
// the anchor weekday, otherwise the anchor weekday of the following week.
func seedBiweekly(today time.Time, wd time.Weekday) time.Time {
	n := (int(wd) - int(today.Weekday()) + 7) % 7
	if n == 0 {
		n = 14
	} else {
		n += 7
	}
	return today.AddDate(0, 0, n)
}

// nextFromAnchor returns the smallest anchor + k*interval days strictly after
// today, for any integer k.
func nextFromAnchor(today, anchor time.Time, interval int) time.Time {
	diff := int(today.Sub(anchor) / day)
	q := diff / interval
	if diff%interval < 0 {
		q--
	}
	return anchor.AddDate(0, 0, (q+1)*interval)
}

func nextMonthDay(today time.Time, dom int) time.Time {
	candidate := clampDay(today.Year(), today.Month(), dom)
	if !candidate.After(today) {
		next := time.Date(today.Year(), today.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		candidate = clampDay(next.Year(), next.Month(), dom)
	}
	return candidate
}

// clampDay returns day dom of the month, or the month's last day when the
// month is shorter.
func clampDay(year int, month time.Month, dom int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if dom > last {
		dom = last
	}
	return time.Date(year, month, dom, 0, 0, 0, 0, time.UTC)
}

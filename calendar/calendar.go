// Package calendar provides calendars that exclude time ranges from trigger schedules.
// Calendars chain: a time is included only when the calendar and every parent below it
// include it.
package calendar

import (
	"time"
)

// Calendar is satisfied by every calendar in this package and by scheduler.Calendar.
type Calendar interface {
	IsTimeIncluded(t time.Time) bool
	NextIncludedTime(t time.Time) time.Time
}

// searchLimit bounds forward searches for an included time.
const searchLimit = 100 * 366 * 24 * time.Hour

// Base holds what every calendar shares. A bare Base includes everything its parent
// includes.
type Base struct {
	// Parent is consulted after this calendar; nil includes everything.
	Parent Calendar

	Description string

	// TimeZone is the IANA zone day-based rules are evaluated in; empty means local.
	TimeZone string
}

// IsTimeIncluded reports whether the parent includes t.
func (b *Base) IsTimeIncluded(t time.Time) bool {
	return b.Parent == nil || b.Parent.IsTimeIncluded(t)
}

// NextIncludedTime defers to the parent.
func (b *Base) NextIncludedTime(t time.Time) time.Time {
	if b.Parent == nil {
		return t
	}
	return b.Parent.NextIncludedTime(t)
}

func (b *Base) location() *time.Location {
	if b.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(b.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// nextIncluded walks forward from t. While own rejects the candidate it advances with
// step; while the parent rejects it, with the parent's NextIncludedTime. It returns the
// zero time when no included instant is found within horizon.
func (b *Base) nextIncluded(t time.Time, horizon time.Duration, own func(time.Time) bool, step func(time.Time) time.Time) time.Time {
	limit := t.Add(horizon)
	for t.Before(limit) {
		if !own(t) {
			t = step(t)
			continue
		}
		if b.Parent != nil && !b.Parent.IsTimeIncluded(t) {
			next := b.Parent.NextIncludedTime(t)
			if next.IsZero() || !next.After(t) {
				return time.Time{}
			}
			t = next
			continue
		}
		return t
	}
	return time.Time{}
}

// startOfNextDay returns midnight of the day after t, in t's location.
func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

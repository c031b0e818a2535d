package scheduler

import (
	"time"
)

// IntervalUnit is the calendar unit a repeat interval is counted in.
type IntervalUnit string

const (
	UnitSecond IntervalUnit = "SECOND"
	UnitMinute IntervalUnit = "MINUTE"
	UnitHour   IntervalUnit = "HOUR"
	UnitDay    IntervalUnit = "DAY"
	UnitWeek   IntervalUnit = "WEEK"
	UnitMonth  IntervalUnit = "MONTH"
	UnitYear   IntervalUnit = "YEAR"
)

// seconds returns the fixed length of sub-day units, 0 otherwise.
func (u IntervalUnit) seconds() int64 {
	switch u {
	case UnitSecond:
		return 1
	case UnitMinute:
		return 60
	case UnitHour:
		return 3600
	}
	return 0
}

func (u IntervalUnit) valid() bool {
	switch u {
	case UnitSecond, UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
		return true
	}
	return false
}

// CalendarIntervalTrigger fires every RepeatInterval calendar units from StartTime.
// Day and longer units keep the start's wall-clock time in TimeZone; months clamp
// the day-of-month to the month's length.
type CalendarIntervalTrigger struct {
	TriggerBase `bson:",inline"`

	RepeatInterval     int          `bson:"repeatInterval"`
	RepeatIntervalUnit IntervalUnit `bson:"repeatIntervalUnit"`
	TimeZone           string       `bson:"timeZone,omitempty"`
	TimesTriggered     int          `bson:"timesTriggered"`

	// PreserveHourOfDayAcrossDaylightSavings keeps day and longer units on the start's
	// time of day. A time of day skipped by a daylight-saving gap fires late by the gap.
	PreserveHourOfDayAcrossDaylightSavings bool `bson:"preserveHourOfDayAcrossDaylightSavings"`

	// SkipDayIfHourDoesNotExist skips days on which the preserved time of day falls into
	// a daylight-saving gap instead of firing late.
	SkipDayIfHourDoesNotExist bool `bson:"skipDayIfHourDoesNotExist"`
}

func (t *CalendarIntervalTrigger) Kind() TriggerKind { return KindCalendarInterval }

func (t *CalendarIntervalTrigger) Clone() Trigger {
	c := *t
	c.TriggerBase = t.TriggerBase.clone()
	return &c
}

func (t *CalendarIntervalTrigger) Validate() error {
	if err := t.TriggerBase.validate(); err != nil {
		return err
	}
	if !t.RepeatIntervalUnit.valid() {
		return validationErrorf("trigger %s has invalid interval unit %q", t.Key(), t.RepeatIntervalUnit)
	}
	if t.RepeatInterval < 1 {
		return validationErrorf("trigger %s repeat interval must be at least 1", t.Key())
	}
	if t.TimeZone != "" {
		if _, err := time.LoadLocation(t.TimeZone); err != nil {
			return validationErrorf("trigger %s has unknown time zone %q", t.Key(), t.TimeZone)
		}
	}
	if t.MisfireInstruction > MisfireDoNothing {
		return validationErrorf("trigger %s has invalid misfire instruction %d", t.Key(), t.MisfireInstruction)
	}
	return nil
}

func (t *CalendarIntervalTrigger) ComputeFirstFireTime(cal Calendar) *time.Time {
	t.NextFire = skipExcluded(timePtr(t.StartTime), cal, t.FireTimeAfter)
	return t.NextFire
}

func (t *CalendarIntervalTrigger) FireTimeAfter(after time.Time) *time.Time {
	if t.EndTime != nil && !t.EndTime.After(after) {
		return nil
	}
	if after.Before(t.StartTime) {
		return timePtr(t.StartTime)
	}
	if t.RepeatInterval < 1 {
		return nil
	}

	start := t.StartTime.In(loadLocation(t.TimeZone))
	secondsAfterStart := 1 + int64(after.Sub(start)/time.Second)

	var next time.Time
	switch t.RepeatIntervalUnit {
	case UnitSecond, UnitMinute, UnitHour:
		step := int64(t.RepeatInterval) * t.RepeatIntervalUnit.seconds()
		jumps := secondsAfterStart / step
		if secondsAfterStart%step != 0 {
			jumps++
		}
		next = start.Add(time.Duration(jumps*step) * time.Second)

	case UnitDay, UnitWeek:
		days := t.RepeatInterval
		if t.RepeatIntervalUnit == UnitWeek {
			days *= 7
		}
		n := coarseJump(secondsAfterStart / (int64(days) * 24 * 3600))
		step := func(n int64) time.Time {
			return wallTime(start.Year(), start.Month(), start.Day()+int(n)*days,
				start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
		}
		var ok bool
		if next, ok = t.stepPast(start, after, n, step); !ok {
			return nil
		}

	case UnitMonth, UnitYear:
		months := t.RepeatInterval
		if t.RepeatIntervalUnit == UnitYear {
			months *= 12
		}
		elapsed := (after.Year()-start.Year())*12 + int(after.Month()) - int(start.Month())
		n := int64(elapsed/months - 1)
		if n < 0 {
			n = 0
		}
		step := func(n int64) time.Time { return addMonthsClamped(start, int(n)*months) }
		var ok bool
		if next, ok = t.stepPast(start, after, n, step); !ok {
			return nil
		}

	default:
		return nil
	}

	if t.EndTime != nil && !t.EndTime.After(next) {
		return nil
	}
	return &next
}

// stepPast walks step(n), step(n+1), ... until the candidate lies after after and is
// not a day the trigger skips. It fails past the give-up year.
func (t *CalendarIntervalTrigger) stepPast(start, after time.Time, n int64, step func(int64) time.Time) (time.Time, bool) {
	next := step(n)
	for !next.After(after) || t.skipsDay(next, start) {
		if next.Year() > yearToGiveUpSchedulingAt {
			return time.Time{}, false
		}
		n++
		next = step(n)
	}
	if next.Year() > yearToGiveUpSchedulingAt {
		return time.Time{}, false
	}
	return next, true
}

// skipsDay reports whether candidate was pushed off the start's time of day by a
// daylight-saving gap on a day the trigger skips.
func (t *CalendarIntervalTrigger) skipsDay(candidate, start time.Time) bool {
	if !t.PreserveHourOfDayAcrossDaylightSavings || !t.SkipDayIfHourDoesNotExist {
		return false
	}
	return candidate.Hour() != start.Hour() || candidate.Minute() != start.Minute()
}

func (t *CalendarIntervalTrigger) Triggered(cal Calendar) {
	t.TimesTriggered++
	t.PreviousFire = t.NextFire
	if t.NextFire == nil {
		return
	}
	t.NextFire = skipExcluded(t.FireTimeAfter(*t.NextFire), cal, t.FireTimeAfter)
}

func (t *CalendarIntervalTrigger) UpdateAfterMisfire(cal Calendar, now time.Time) {
	switch t.MisfireInstruction {
	case MisfireIgnorePolicy:
		return
	case MisfireDoNothing:
		t.NextFire = skipExcluded(t.FireTimeAfter(now), cal, t.FireTimeAfter)
	case MisfireSmartPolicy, MisfireFireOnceNow:
		// Later fire times are derived from StartTime, so the original time of day
		// is kept after this one-off firing.
		t.NextFire = timePtr(now)
	}
}

func (t *CalendarIntervalTrigger) UpdateWithNewCalendar(cal Calendar, misfireThreshold time.Duration, now time.Time) {
	t.NextFire = nextWithNewCalendar(t.PreviousFire, cal, misfireThreshold, now, t.FireTimeAfter)
}

// coarseJump scales an estimated step count down so the first candidate lands short of
// the target; the caller fine-steps the rest of the way.
func coarseJump(estimate int64) int64 {
	switch {
	case estimate <= 20:
		return 0
	case estimate < 50:
		return estimate * 80 / 100
	case estimate < 500:
		return estimate * 90 / 100
	default:
		return estimate * 95 / 100
	}
}

// addMonthsClamped adds months to t, clamping the day to the target month's length.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + months
	year := y + total/12
	month := time.Month(total%12 + 1)
	if last := daysIn(month, year); d > last {
		d = last
	}
	return wallTime(year, month, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// wallTime is time.Date, except that a clock reading skipped by a daylight-saving gap
// moves forward by the length of the gap.
func wallTime(year int, month time.Month, day, hour, minute, sec, nsec int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, sec, nsec, loc)
	want := time.Date(year, month, day, hour, minute, sec, nsec, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	if got.Before(want) {
		return t.Add(want.Sub(got))
	}
	return t
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

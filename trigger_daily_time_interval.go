package scheduler

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int `bson:"hour"`
	Minute int `bson:"minute"`
	Second int `bson:"second"`
}

// NewTimeOfDay builds a TimeOfDay from its parts.
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	return TimeOfDay{Hour: hour, Minute: minute, Second: second}
}

var endOfDay = TimeOfDay{Hour: 23, Minute: 59, Second: 59}

func (d TimeOfDay) valid() bool {
	return d.Hour >= 0 && d.Hour <= 23 && d.Minute >= 0 && d.Minute <= 59 && d.Second >= 0 && d.Second <= 59
}

func (d TimeOfDay) seconds() int {
	return d.Hour*3600 + d.Minute*60 + d.Second
}

// Before reports whether d is earlier in the day than other.
func (d TimeOfDay) Before(other TimeOfDay) bool {
	return d.seconds() < other.seconds()
}

// OnDate places d on the calendar day of date, in date's location. A time of day
// skipped by a daylight-saving gap moves forward by the gap.
func (d TimeOfDay) OnDate(date time.Time) time.Time {
	return wallTime(date.Year(), date.Month(), date.Day(), d.Hour, d.Minute, d.Second, 0, date.Location())
}

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", d.Hour, d.Minute, d.Second)
}

// AllDaysOfWeek lists every weekday, Sunday first.
var AllDaysOfWeek = []time.Weekday{
	time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday,
}

// DailyTimeIntervalTrigger fires every RepeatInterval units between StartTimeOfDay and
// EndTimeOfDay on each of DaysOfWeek. Every day's window restarts at StartTimeOfDay.
type DailyTimeIntervalTrigger struct {
	TriggerBase `bson:",inline"`

	RepeatInterval     int          `bson:"repeatInterval"`
	RepeatIntervalUnit IntervalUnit `bson:"repeatIntervalUnit"`

	// RepeatCount bounds the total number of extra firings; RepeatIndefinitely for none.
	RepeatCount    int `bson:"repeatCount"`
	TimesTriggered int `bson:"timesTriggered"`

	StartTimeOfDay TimeOfDay `bson:"startTimeOfDay"`

	// EndTimeOfDay closes each day's window; nil means 23:59:59.
	EndTimeOfDay *TimeOfDay `bson:"endTimeOfDay,omitempty"`

	// DaysOfWeek restricts firing days; empty means every day.
	DaysOfWeek []time.Weekday `bson:"daysOfWeek,omitempty"`

	TimeZone string `bson:"timeZone,omitempty"`
}

func (t *DailyTimeIntervalTrigger) Kind() TriggerKind { return KindDailyTimeInterval }

func (t *DailyTimeIntervalTrigger) Clone() Trigger {
	c := *t
	c.TriggerBase = t.TriggerBase.clone()
	if t.EndTimeOfDay != nil {
		end := *t.EndTimeOfDay
		c.EndTimeOfDay = &end
	}
	if t.DaysOfWeek != nil {
		c.DaysOfWeek = append([]time.Weekday(nil), t.DaysOfWeek...)
	}
	return &c
}

func (t *DailyTimeIntervalTrigger) Validate() error {
	if err := t.TriggerBase.validate(); err != nil {
		return err
	}
	var limit int
	switch t.RepeatIntervalUnit {
	case UnitSecond:
		limit = 24 * 3600
	case UnitMinute:
		limit = 24 * 60
	case UnitHour:
		limit = 24
	default:
		return validationErrorf("trigger %s interval unit must be SECOND, MINUTE or HOUR", t.Key())
	}
	if t.RepeatInterval < 1 {
		return validationErrorf("trigger %s repeat interval must be at least 1", t.Key())
	}
	if t.RepeatInterval > limit {
		return validationErrorf("trigger %s repeat interval cannot exceed 24 hours", t.Key())
	}
	if t.RepeatCount < RepeatIndefinitely {
		return validationErrorf("trigger %s repeat count must be >= 0 or RepeatIndefinitely", t.Key())
	}
	if !t.StartTimeOfDay.valid() {
		return validationErrorf("trigger %s start time of day %s is invalid", t.Key(), t.StartTimeOfDay)
	}
	if t.EndTimeOfDay != nil {
		if !t.EndTimeOfDay.valid() {
			return validationErrorf("trigger %s end time of day %s is invalid", t.Key(), *t.EndTimeOfDay)
		}
		if t.EndTimeOfDay.Before(t.StartTimeOfDay) {
			return validationErrorf("trigger %s end time of day is before start time of day", t.Key())
		}
	}
	for _, d := range t.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return validationErrorf("trigger %s has invalid day of week %d", t.Key(), d)
		}
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

func (t *DailyTimeIntervalTrigger) ComputeFirstFireTime(cal Calendar) *time.Time {
	t.NextFire = skipExcluded(t.FireTimeAfter(t.StartTime.Add(-time.Second)), cal, t.FireTimeAfter)
	return t.NextFire
}

func (t *DailyTimeIntervalTrigger) FireTimeAfter(after time.Time) *time.Time {
	if t.RepeatCount != RepeatIndefinitely && t.TimesTriggered > t.RepeatCount {
		return nil
	}
	step := int64(t.RepeatInterval) * t.RepeatIntervalUnit.seconds()
	if step <= 0 {
		return nil
	}

	loc := loadLocation(t.TimeZone)
	// Fire times have whole-second resolution; look one second ahead so the result is
	// strictly after after.
	from := after.Add(time.Second).In(loc)
	if from.Before(t.StartTime) {
		from = t.StartTime.In(loc)
	}

	pastWindow := from.After(t.windowEnd(from))
	fireTime, ok := t.advanceToFiringDay(from, pastWindow)
	if !ok {
		return nil
	}

	dayStart := t.StartTimeOfDay.OnDate(fireTime)
	if fireTime.Before(dayStart) {
		return t.boundedByEndTime(dayStart)
	}

	elapsed := int64(fireTime.Sub(dayStart) / time.Second)
	jumps := elapsed / step
	if elapsed%step != 0 {
		jumps++
	}
	fireTime = dayStart.Add(time.Duration(jumps*step) * time.Second)

	if fireTime.After(t.windowEnd(dayStart)) {
		next, ok := t.advanceToFiringDay(fireTime, true)
		if !ok {
			return nil
		}
		fireTime = t.StartTimeOfDay.OnDate(next)
	}
	return t.boundedByEndTime(fireTime)
}

// advanceToFiringDay moves to the start of the next day the trigger fires on when
// force is set or date falls on an excluded weekday. It fails once EndTime is passed.
func (t *DailyTimeIntervalTrigger) advanceToFiringDay(date time.Time, force bool) (time.Time, bool) {
	dayStart := t.StartTimeOfDay.OnDate(date)
	if force || !t.firesOn(dayStart.Weekday()) {
		for i := 1; i <= 7; i++ {
			candidate := t.StartTimeOfDay.OnDate(dayStart.AddDate(0, 0, i))
			if t.firesOn(candidate.Weekday()) {
				date = candidate
				break
			}
		}
	}
	if t.EndTime != nil && date.After(*t.EndTime) {
		return time.Time{}, false
	}
	return date, true
}

func (t *DailyTimeIntervalTrigger) windowEnd(date time.Time) time.Time {
	if t.EndTimeOfDay != nil {
		return t.EndTimeOfDay.OnDate(date)
	}
	return endOfDay.OnDate(date)
}

func (t *DailyTimeIntervalTrigger) firesOn(day time.Weekday) bool {
	if len(t.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range t.DaysOfWeek {
		if d == day {
			return true
		}
	}
	return false
}

func (t *DailyTimeIntervalTrigger) boundedByEndTime(fireTime time.Time) *time.Time {
	if t.EndTime != nil && fireTime.After(*t.EndTime) {
		return nil
	}
	return &fireTime
}

func (t *DailyTimeIntervalTrigger) Triggered(cal Calendar) {
	t.TimesTriggered++
	t.PreviousFire = t.NextFire
	if t.NextFire == nil {
		return
	}
	t.NextFire = skipExcluded(t.FireTimeAfter(*t.NextFire), cal, t.FireTimeAfter)
}

func (t *DailyTimeIntervalTrigger) UpdateAfterMisfire(cal Calendar, now time.Time) {
	switch t.MisfireInstruction {
	case MisfireIgnorePolicy:
		return
	case MisfireDoNothing:
		t.NextFire = skipExcluded(t.FireTimeAfter(now), cal, t.FireTimeAfter)
	case MisfireSmartPolicy, MisfireFireOnceNow:
		t.NextFire = timePtr(now)
	}
}

func (t *DailyTimeIntervalTrigger) UpdateWithNewCalendar(cal Calendar, misfireThreshold time.Duration, now time.Time) {
	t.NextFire = nextWithNewCalendar(t.PreviousFire, cal, misfireThreshold, now, t.FireTimeAfter)
}

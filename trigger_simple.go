package scheduler

import (
	"time"
)

// SimpleTrigger fires at StartTime and then every RepeatInterval, RepeatCount more
// times (or forever with RepeatIndefinitely), never past EndTime.
type SimpleTrigger struct {
	TriggerBase `bson:",inline"`

	RepeatInterval time.Duration `bson:"repeatInterval"`
	RepeatCount    int           `bson:"repeatCount"`
	TimesTriggered int           `bson:"timesTriggered"`
}

func (t *SimpleTrigger) Kind() TriggerKind { return KindSimple }

func (t *SimpleTrigger) Clone() Trigger {
	c := *t
	c.TriggerBase = t.TriggerBase.clone()
	return &c
}

func (t *SimpleTrigger) Validate() error {
	if err := t.TriggerBase.validate(); err != nil {
		return err
	}
	if t.RepeatCount < RepeatIndefinitely {
		return validationErrorf("trigger %s repeat count must be >= 0 or RepeatIndefinitely", t.Key())
	}
	if t.RepeatCount != 0 && t.RepeatInterval <= 0 {
		return validationErrorf("trigger %s repeat interval must be positive", t.Key())
	}
	if t.MisfireInstruction > MisfireRescheduleNextWithExistingCount {
		return validationErrorf("trigger %s has invalid misfire instruction %d", t.Key(), t.MisfireInstruction)
	}
	return nil
}

func (t *SimpleTrigger) ComputeFirstFireTime(cal Calendar) *time.Time {
	t.NextFire = skipExcluded(timePtr(t.StartTime), cal, t.FireTimeAfter)
	return t.NextFire
}

// FireTimeAfter returns StartTime + n*RepeatInterval for the smallest n placing it
// strictly after after, bounded by RepeatCount and EndTime.
func (t *SimpleTrigger) FireTimeAfter(after time.Time) *time.Time {
	if t.RepeatCount != RepeatIndefinitely && t.TimesTriggered > t.RepeatCount {
		return nil
	}
	if t.RepeatCount == 0 && !after.Before(t.StartTime) {
		return nil
	}
	if t.EndTime != nil && !t.EndTime.After(after) {
		return nil
	}
	if after.Before(t.StartTime) {
		return timePtr(t.StartTime)
	}
	if t.RepeatInterval <= 0 {
		return nil
	}

	executed := int64(after.Sub(t.StartTime)/t.RepeatInterval) + 1
	if t.RepeatCount != RepeatIndefinitely && executed > int64(t.RepeatCount) {
		return nil
	}
	next := t.StartTime.Add(time.Duration(executed) * t.RepeatInterval)
	if t.EndTime != nil && !t.EndTime.After(next) {
		return nil
	}
	return &next
}

// FireTimeBefore returns the last scheduled slot at or before end, ignoring RepeatCount.
func (t *SimpleTrigger) FireTimeBefore(end time.Time) *time.Time {
	if end.Before(t.StartTime) {
		return nil
	}
	n := t.timesFiredBetween(t.StartTime, end)
	return timePtr(t.StartTime.Add(time.Duration(n) * t.RepeatInterval))
}

// FinalFireTime returns the last time the trigger will fire, or nil if it repeats forever.
func (t *SimpleTrigger) FinalFireTime() *time.Time {
	if t.RepeatCount == 0 {
		return timePtr(t.StartTime)
	}
	if t.RepeatCount == RepeatIndefinitely {
		if t.EndTime == nil {
			return nil
		}
		return t.FireTimeBefore(*t.EndTime)
	}
	last := t.StartTime.Add(time.Duration(t.RepeatCount) * t.RepeatInterval)
	if t.EndTime == nil || last.Before(*t.EndTime) {
		return &last
	}
	return t.FireTimeBefore(*t.EndTime)
}

func (t *SimpleTrigger) Triggered(cal Calendar) {
	t.TimesTriggered++
	t.PreviousFire = t.NextFire
	if t.NextFire == nil {
		return
	}
	t.NextFire = skipExcluded(t.FireTimeAfter(*t.NextFire), cal, t.FireTimeAfter)
}

func (t *SimpleTrigger) UpdateAfterMisfire(cal Calendar, now time.Time) {
	instr := t.MisfireInstruction
	switch {
	case instr == MisfireIgnorePolicy:
		return
	case instr == MisfireSmartPolicy:
		switch t.RepeatCount {
		case 0:
			instr = MisfireFireNow
		case RepeatIndefinitely:
			instr = MisfireRescheduleNextWithRemainingCount
		default:
			instr = MisfireRescheduleNowWithExistingRepeatCount
		}
	case instr == MisfireFireNow && t.RepeatCount != 0:
		instr = MisfireRescheduleNowWithRemainingRepeatCount
	}

	switch instr {
	case MisfireFireNow:
		t.NextFire = timePtr(now)

	case MisfireRescheduleNextWithExistingCount:
		t.NextFire = skipExcluded(t.FireTimeAfter(now), cal, t.FireTimeAfter)

	case MisfireRescheduleNextWithRemainingCount:
		next := skipExcluded(t.FireTimeAfter(now), cal, t.FireTimeAfter)
		if next != nil && t.NextFire != nil {
			t.TimesTriggered += t.timesFiredBetween(*t.NextFire, *next)
		}
		t.NextFire = next

	case MisfireRescheduleNowWithExistingRepeatCount:
		if t.RepeatCount != 0 && t.RepeatCount != RepeatIndefinitely {
			t.RepeatCount -= t.TimesTriggered
			t.TimesTriggered = 0
		}
		t.rescheduleAt(now)

	case MisfireRescheduleNowWithRemainingRepeatCount:
		missed := 0
		if t.NextFire != nil {
			missed = t.timesFiredBetween(*t.NextFire, now)
		}
		if t.RepeatCount != 0 && t.RepeatCount != RepeatIndefinitely {
			remaining := t.RepeatCount - (t.TimesTriggered + missed)
			if remaining < 0 {
				remaining = 0
			}
			t.RepeatCount = remaining
			t.TimesTriggered = 0
		}
		t.rescheduleAt(now)
	}
}

// rescheduleAt restarts the schedule at now unless the end time already passed.
func (t *SimpleTrigger) rescheduleAt(now time.Time) {
	if t.EndTime != nil && t.EndTime.Before(now) {
		t.NextFire = nil
		return
	}
	t.StartTime = now
	t.NextFire = timePtr(now)
}

func (t *SimpleTrigger) UpdateWithNewCalendar(cal Calendar, misfireThreshold time.Duration, now time.Time) {
	t.NextFire = nextWithNewCalendar(t.PreviousFire, cal, misfireThreshold, now, t.FireTimeAfter)
}

func (t *SimpleTrigger) timesFiredBetween(start, end time.Time) int {
	if t.RepeatInterval <= 0 {
		return 0
	}
	return int(end.Sub(start) / t.RepeatInterval)
}

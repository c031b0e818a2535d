package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts six fields (second minute hour day-of-month month day-of-week),
// "?" in either day field, and descriptors such as "@daily".
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCronExpression parses expr with the scheduler's cron dialect.
func ParseCronExpression(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return schedule, nil
}

// CronTrigger fires whenever its cron expression matches, evaluated in TimeZone.
type CronTrigger struct {
	TriggerBase `bson:",inline"`

	// CronExpression is a six-field expression with seconds, e.g. "0 */15 * * * *".
	CronExpression string `bson:"cronExpression"`

	// TimeZone is an IANA location name; empty means the local zone.
	TimeZone string `bson:"timeZone,omitempty"`

	schedule cron.Schedule
}

func (t *CronTrigger) Kind() TriggerKind { return KindCron }

func (t *CronTrigger) Clone() Trigger {
	c := *t
	c.TriggerBase = t.TriggerBase.clone()
	return &c
}

func (t *CronTrigger) Validate() error {
	if err := t.TriggerBase.validate(); err != nil {
		return err
	}
	if _, err := t.cronSchedule(); err != nil {
		return validationErrorf("trigger %s: %v", t.Key(), err)
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

func (t *CronTrigger) cronSchedule() (cron.Schedule, error) {
	if t.schedule != nil {
		return t.schedule, nil
	}
	schedule, err := ParseCronExpression(t.CronExpression)
	if err != nil {
		return nil, err
	}
	t.schedule = schedule
	return schedule, nil
}

func (t *CronTrigger) ComputeFirstFireTime(cal Calendar) *time.Time {
	t.NextFire = skipExcluded(t.FireTimeAfter(t.StartTime.Add(-time.Second)), cal, t.FireTimeAfter)
	return t.NextFire
}

// FireTimeAfter asks the cron schedule for the next match after after, clamped to the
// trigger's start and end times.
func (t *CronTrigger) FireTimeAfter(after time.Time) *time.Time {
	if t.StartTime.After(after) {
		after = t.StartTime.Add(-time.Second)
	}
	if t.EndTime != nil && !after.Before(*t.EndTime) {
		return nil
	}
	schedule, err := t.cronSchedule()
	if err != nil {
		return nil
	}
	next := schedule.Next(after.In(loadLocation(t.TimeZone)))
	// robfig returns the zero time when nothing matches within five years.
	if next.IsZero() {
		return nil
	}
	if t.EndTime != nil && next.After(*t.EndTime) {
		return nil
	}
	return &next
}

func (t *CronTrigger) Triggered(cal Calendar) {
	t.PreviousFire = t.NextFire
	if t.NextFire == nil {
		return
	}
	t.NextFire = skipExcluded(t.FireTimeAfter(*t.NextFire), cal, t.FireTimeAfter)
}

func (t *CronTrigger) UpdateAfterMisfire(cal Calendar, now time.Time) {
	switch t.MisfireInstruction {
	case MisfireIgnorePolicy:
		return
	case MisfireDoNothing:
		t.NextFire = skipExcluded(t.FireTimeAfter(now), cal, t.FireTimeAfter)
	case MisfireSmartPolicy, MisfireFireOnceNow:
		t.NextFire = timePtr(now)
	}
}

func (t *CronTrigger) UpdateWithNewCalendar(cal Calendar, misfireThreshold time.Duration, now time.Time) {
	t.NextFire = nextWithNewCalendar(t.PreviousFire, cal, misfireThreshold, now, t.FireTimeAfter)
}

package calendar

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// maxCronScan bounds the second-by-second scan for a time the expression does not match.
const maxCronScan = 7 * 24 * time.Hour

// Cron excludes every second matched by a six-field cron expression. For example
// "* * 0-7 * * *" excludes midnight to 08:00 each day.
type Cron struct {
	Base
	Expression string
	schedule   cron.Schedule
}

// NewCron creates a Cron calendar excluding the times expression matches.
func NewCron(expression string) (*Cron, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expression)
	}
	return &Cron{Expression: expression, schedule: schedule}, nil
}

// matches reports whether the expression fires at the second containing t.
func (c *Cron) matches(t time.Time) bool {
	sec := t.In(c.location()).Truncate(time.Second)
	return c.schedule.Next(sec.Add(-time.Second)).Equal(sec)
}

func (c *Cron) includes(t time.Time) bool {
	return !c.matches(t)
}

func (c *Cron) IsTimeIncluded(t time.Time) bool {
	return c.includes(t) && c.Base.IsTimeIncluded(t)
}

// NextIncludedTime scans forward a second at a time; it gives up with the zero time
// after a week of consecutive excluded seconds.
func (c *Cron) NextIncludedTime(t time.Time) time.Time {
	return c.nextIncluded(t, maxCronScan, c.includes, func(t time.Time) time.Time {
		return t.Truncate(time.Second).Add(time.Second)
	})
}

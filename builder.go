package scheduler

import (
	"time"
)

// JobBuilder assembles a JobDetail.
type JobBuilder struct {
	detail JobDetail
}

// NewJob starts a job of the given type in the default group.
func NewJob(jobType string) *JobBuilder {
	return &JobBuilder{detail: JobDetail{JobType: jobType, Key: NewKey("", "")}}
}

func (b *JobBuilder) WithIdentity(name, group string) *JobBuilder {
	b.detail.Key = NewKey(name, group)
	return b
}

func (b *JobBuilder) WithDescription(description string) *JobBuilder {
	b.detail.Description = description
	return b
}

// StoreDurably keeps the job stored after its last trigger is gone.
func (b *JobBuilder) StoreDurably() *JobBuilder {
	b.detail.Durable = true
	return b
}

func (b *JobBuilder) UsingJobData(key string, value interface{}) *JobBuilder {
	if b.detail.DataMap == nil {
		b.detail.DataMap = JobDataMap{}
	}
	b.detail.DataMap[key] = value
	return b
}

func (b *JobBuilder) DisallowConcurrentExecution() *JobBuilder {
	b.detail.ConcurrentExecutionDisallowed = true
	return b
}

func (b *JobBuilder) PersistJobDataAfterExecution() *JobBuilder {
	b.detail.PersistJobDataAfterExecution = true
	return b
}

func (b *JobBuilder) RequestRecovery() *JobBuilder {
	b.detail.RequestsRecovery = true
	return b
}

// Build validates and returns the job.
func (b *JobBuilder) Build() (*JobDetail, error) {
	detail := b.detail.Clone()
	if err := detail.Validate(); err != nil {
		return nil, err
	}
	return detail, nil
}

// ScheduleBuilder turns the common trigger fields into a trigger of one kind.
type ScheduleBuilder interface {
	build(base TriggerBase) Trigger
}

// TriggerBuilder assembles a Trigger. Without a schedule it builds a simple trigger
// that fires once at the start time.
type TriggerBuilder struct {
	base     TriggerBase
	schedule ScheduleBuilder
}

// NewTrigger starts a trigger named name in group (DefaultGroup when empty).
func NewTrigger(name, group string) *TriggerBuilder {
	key := NewKey(name, group)
	return &TriggerBuilder{base: TriggerBase{
		Name:     key.Name,
		Group:    key.Group,
		Priority: DefaultPriority,
	}}
}

func (b *TriggerBuilder) ForJob(jobKey Key) *TriggerBuilder {
	b.base.JobName = jobKey.Name
	b.base.JobGroup = jobKey.Group
	return b
}

func (b *TriggerBuilder) StartAt(t time.Time) *TriggerBuilder {
	b.base.StartTime = t
	return b
}

func (b *TriggerBuilder) EndAt(t time.Time) *TriggerBuilder {
	b.base.EndTime = &t
	return b
}

func (b *TriggerBuilder) WithPriority(priority int) *TriggerBuilder {
	b.base.Priority = priority
	return b
}

func (b *TriggerBuilder) WithDescription(description string) *TriggerBuilder {
	b.base.Description = description
	return b
}

// ModifiedByCalendar excludes the named calendar's excluded times from the schedule.
func (b *TriggerBuilder) ModifiedByCalendar(name string) *TriggerBuilder {
	b.base.CalendarName = name
	return b
}

func (b *TriggerBuilder) UsingJobData(key string, value interface{}) *TriggerBuilder {
	if b.base.DataMap == nil {
		b.base.DataMap = JobDataMap{}
	}
	b.base.DataMap[key] = value
	return b
}

func (b *TriggerBuilder) WithSchedule(schedule ScheduleBuilder) *TriggerBuilder {
	b.schedule = schedule
	return b
}

// Build validates and returns the trigger. A zero start time means now.
func (b *TriggerBuilder) Build() (Trigger, error) {
	base := b.base.clone()
	if base.StartTime.IsZero() {
		base.StartTime = time.Now()
	}
	schedule := b.schedule
	if schedule == nil {
		schedule = SimpleSchedule()
	}
	trigger := schedule.build(base)

	// A trigger built without ForJob is bound to its job by Scheduler.ScheduleJob.
	check := trigger
	if base.JobName == "" {
		check = trigger.Clone()
		check.Base().JobName, check.Base().JobGroup = "unbound", DefaultGroup
	}
	if err := check.Validate(); err != nil {
		return nil, err
	}
	return trigger, nil
}

// SimpleScheduleBuilder configures a SimpleTrigger.
type SimpleScheduleBuilder struct {
	interval time.Duration
	count    int
	misfire  MisfireInstruction
}

// SimpleSchedule fires once unless a repeat count is set.
func SimpleSchedule() *SimpleScheduleBuilder {
	return &SimpleScheduleBuilder{}
}

func (s *SimpleScheduleBuilder) WithInterval(interval time.Duration) *SimpleScheduleBuilder {
	s.interval = interval
	return s
}

func (s *SimpleScheduleBuilder) WithRepeatCount(count int) *SimpleScheduleBuilder {
	s.count = count
	return s
}

func (s *SimpleScheduleBuilder) RepeatForever() *SimpleScheduleBuilder {
	s.count = RepeatIndefinitely
	return s
}

func (s *SimpleScheduleBuilder) WithMisfireInstruction(instr MisfireInstruction) *SimpleScheduleBuilder {
	s.misfire = instr
	return s
}

func (s *SimpleScheduleBuilder) build(base TriggerBase) Trigger {
	base.MisfireInstruction = s.misfire
	return &SimpleTrigger{TriggerBase: base, RepeatInterval: s.interval, RepeatCount: s.count}
}

// CronScheduleBuilder configures a CronTrigger.
type CronScheduleBuilder struct {
	expression string
	timeZone   string
	misfire    MisfireInstruction
}

func CronSchedule(expression string) *CronScheduleBuilder {
	return &CronScheduleBuilder{expression: expression}
}

func (s *CronScheduleBuilder) InTimeZone(name string) *CronScheduleBuilder {
	s.timeZone = name
	return s
}

func (s *CronScheduleBuilder) WithMisfireInstruction(instr MisfireInstruction) *CronScheduleBuilder {
	s.misfire = instr
	return s
}

func (s *CronScheduleBuilder) build(base TriggerBase) Trigger {
	base.MisfireInstruction = s.misfire
	return &CronTrigger{TriggerBase: base, CronExpression: s.expression, TimeZone: s.timeZone}
}

// CalendarIntervalScheduleBuilder configures a CalendarIntervalTrigger. It defaults to
// every day.
type CalendarIntervalScheduleBuilder struct {
	interval     int
	unit         IntervalUnit
	timeZone     string
	preserveHour bool
	skipDay      bool
	misfire      MisfireInstruction
}

func CalendarIntervalSchedule() *CalendarIntervalScheduleBuilder {
	return &CalendarIntervalScheduleBuilder{interval: 1, unit: UnitDay}
}

func (s *CalendarIntervalScheduleBuilder) WithInterval(interval int, unit IntervalUnit) *CalendarIntervalScheduleBuilder {
	s.interval = interval
	s.unit = unit
	return s
}

func (s *CalendarIntervalScheduleBuilder) InTimeZone(name string) *CalendarIntervalScheduleBuilder {
	s.timeZone = name
	return s
}

func (s *CalendarIntervalScheduleBuilder) PreservingHourOfDayAcrossDaylightSavings(preserve bool) *CalendarIntervalScheduleBuilder {
	s.preserveHour = preserve
	return s
}

func (s *CalendarIntervalScheduleBuilder) SkippingDayIfHourDoesNotExist(skip bool) *CalendarIntervalScheduleBuilder {
	s.skipDay = skip
	return s
}

func (s *CalendarIntervalScheduleBuilder) WithMisfireInstruction(instr MisfireInstruction) *CalendarIntervalScheduleBuilder {
	s.misfire = instr
	return s
}

func (s *CalendarIntervalScheduleBuilder) build(base TriggerBase) Trigger {
	base.MisfireInstruction = s.misfire
	return &CalendarIntervalTrigger{
		TriggerBase:                            base,
		RepeatInterval:                         s.interval,
		RepeatIntervalUnit:                     s.unit,
		TimeZone:                               s.timeZone,
		PreserveHourOfDayAcrossDaylightSavings: s.preserveHour,
		SkipDayIfHourDoesNotExist:              s.skipDay,
	}
}

// DailyTimeIntervalScheduleBuilder configures a DailyTimeIntervalTrigger. It defaults
// to every minute, all day, every day.
type DailyTimeIntervalScheduleBuilder struct {
	interval int
	unit     IntervalUnit
	start    TimeOfDay
	end      *TimeOfDay
	days     []time.Weekday
	count    int
	timeZone string
	misfire  MisfireInstruction
}

func DailyTimeIntervalSchedule() *DailyTimeIntervalScheduleBuilder {
	return &DailyTimeIntervalScheduleBuilder{interval: 1, unit: UnitMinute, count: RepeatIndefinitely}
}

func (s *DailyTimeIntervalScheduleBuilder) WithInterval(interval int, unit IntervalUnit) *DailyTimeIntervalScheduleBuilder {
	s.interval = interval
	s.unit = unit
	return s
}

func (s *DailyTimeIntervalScheduleBuilder) StartingDailyAt(tod TimeOfDay) *DailyTimeIntervalScheduleBuilder {
	s.start = tod
	return s
}

func (s *DailyTimeIntervalScheduleBuilder) EndingDailyAt(tod TimeOfDay) *DailyTimeIntervalScheduleBuilder {
	s.end = &tod
	return s
}

func (s *DailyTimeIntervalScheduleBuilder) OnDaysOfTheWeek(days ...time.Weekday) *DailyTimeIntervalScheduleBuilder {
	s.days = append([]time.Weekday(nil), days...)
	return s
}

func (s *DailyTimeIntervalScheduleBuilder) OnMondayThroughFriday() *DailyTimeIntervalScheduleBuilder {
	return s.OnDaysOfTheWeek(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
}

func (s *DailyTimeIntervalScheduleBuilder) WithRepeatCount(count int) *DailyTimeIntervalScheduleBuilder {
	s.count = count
	return s
}

func (s *DailyTimeIntervalScheduleBuilder) InTimeZone(name string) *DailyTimeIntervalScheduleBuilder {
	s.timeZone = name
	return s
}

func (s *DailyTimeIntervalScheduleBuilder) WithMisfireInstruction(instr MisfireInstruction) *DailyTimeIntervalScheduleBuilder {
	s.misfire = instr
	return s
}

func (s *DailyTimeIntervalScheduleBuilder) build(base TriggerBase) Trigger {
	base.MisfireInstruction = s.misfire
	t := &DailyTimeIntervalTrigger{
		TriggerBase:        base,
		RepeatInterval:     s.interval,
		RepeatIntervalUnit: s.unit,
		RepeatCount:        s.count,
		StartTimeOfDay:     s.start,
		TimeZone:           s.timeZone,
	}
	if s.end != nil {
		end := *s.end
		t.EndTimeOfDay = &end
	}
	if len(s.days) > 0 {
		t.DaysOfWeek = append([]time.Weekday(nil), s.days...)
	} else {
		t.DaysOfWeek = append([]time.Weekday(nil), AllDaysOfWeek...)
	}
	return t
}

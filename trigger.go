package scheduler

import (
	"time"
)

// DefaultPriority is used for triggers created without an explicit priority.
const DefaultPriority = 5

// RepeatIndefinitely marks a repeat count without an upper bound.
const RepeatIndefinitely = -1

// yearToGiveUpSchedulingAt bounds the forward search for a calendar-included fire time.
var yearToGiveUpSchedulingAt = time.Now().Year() + 100

// TriggerKind names the fire-time calculator a trigger uses.
type TriggerKind string

const (
	KindSimple            TriggerKind = "SIMPLE"
	KindCron              TriggerKind = "CRON"
	KindCalendarInterval  TriggerKind = "CAL_INT"
	KindDailyTimeInterval TriggerKind = "DAILY_I"
)

// TriggerState is the persisted lifecycle state of a trigger.
type TriggerState string

const (
	StateNone          TriggerState = "NONE"
	StateWaiting       TriggerState = "WAITING"
	StateAcquired      TriggerState = "ACQUIRED"
	StateExecuting     TriggerState = "EXECUTING"
	StateComplete      TriggerState = "COMPLETE"
	StatePaused        TriggerState = "PAUSED"
	StateBlocked       TriggerState = "BLOCKED"
	StatePausedBlocked TriggerState = "PAUSED_BLOCKED"
	StateError         TriggerState = "ERROR"
)

// MisfireInstruction selects how a trigger recovers from a missed fire time.
// Values 1 and up are interpreted per trigger kind.
type MisfireInstruction int

const (
	// MisfireIgnorePolicy leaves the fire time alone; the trigger fires as soon as it can
	// and then catches up on every missed slot.
	MisfireIgnorePolicy MisfireInstruction = -1

	// MisfireSmartPolicy lets each trigger kind pick its default remediation.
	MisfireSmartPolicy MisfireInstruction = 0
)

// Misfire instructions for cron, calendar-interval and daily-time-interval triggers.
const (
	MisfireFireOnceNow MisfireInstruction = 1
	MisfireDoNothing   MisfireInstruction = 2
)

// Misfire instructions for simple triggers.
const (
	MisfireFireNow                               MisfireInstruction = 1
	MisfireRescheduleNowWithExistingRepeatCount  MisfireInstruction = 2
	MisfireRescheduleNowWithRemainingRepeatCount MisfireInstruction = 3
	MisfireRescheduleNextWithRemainingCount      MisfireInstruction = 4
	MisfireRescheduleNextWithExistingCount       MisfireInstruction = 5
)

// CompletedExecutionInstruction tells the job store what to do with a trigger once the
// job it fired has finished.
type CompletedExecutionInstruction int

const (
	InstructionNoop CompletedExecutionInstruction = iota
	InstructionReExecuteJob
	InstructionSetTriggerComplete
	InstructionDeleteTrigger
	InstructionSetAllJobTriggersComplete
	InstructionSetTriggerError
	InstructionSetAllJobTriggersError
)

func (i CompletedExecutionInstruction) String() string {
	switch i {
	case InstructionNoop:
		return "NOOP"
	case InstructionReExecuteJob:
		return "RE_EXECUTE_JOB"
	case InstructionSetTriggerComplete:
		return "SET_TRIGGER_COMPLETE"
	case InstructionDeleteTrigger:
		return "DELETE_TRIGGER"
	case InstructionSetAllJobTriggersComplete:
		return "SET_ALL_JOB_TRIGGERS_COMPLETE"
	case InstructionSetTriggerError:
		return "SET_TRIGGER_ERROR"
	case InstructionSetAllJobTriggersError:
		return "SET_ALL_JOB_TRIGGERS_ERROR"
	}
	return "UNKNOWN"
}

// Calendar excludes instants from a trigger's schedule. Implementations live in the
// calendar package; any type satisfying the two methods can be stored.
type Calendar interface {
	// IsTimeIncluded reports whether a trigger may fire at t.
	IsTimeIncluded(t time.Time) bool

	// NextIncludedTime returns t when it is included, otherwise the earliest included
	// instant after it. It returns the zero time when there is none.
	NextIncludedTime(t time.Time) time.Time
}

// Trigger computes when its job should run. The store persists trigger values and
// decides when mutated fields are written back; triggers never persist themselves.
type Trigger interface {
	Key() Key
	JobKey() Key
	Kind() TriggerKind

	// Base exposes the fields shared by every kind.
	Base() *TriggerBase

	NextFireTime() *time.Time
	PreviousFireTime() *time.Time
	SetNextFireTime(t *time.Time)

	// Validate rejects malformed triggers before they are stored.
	Validate() error

	// Clone returns a deep copy; the copy shares no mutable state with the original.
	Clone() Trigger

	// ComputeFirstFireTime sets and returns the first fire time at or after the start
	// time that cal includes, or nil when there is none.
	ComputeFirstFireTime(cal Calendar) *time.Time

	// FireTimeAfter returns the earliest fire time strictly after t, or nil.
	FireTimeAfter(t time.Time) *time.Time

	// Triggered advances the trigger past its current fire time.
	Triggered(cal Calendar)

	// UpdateAfterMisfire applies the misfire instruction relative to now.
	UpdateAfterMisfire(cal Calendar, now time.Time)

	// UpdateWithNewCalendar recomputes the next fire time against a replaced calendar.
	UpdateWithNewCalendar(cal Calendar, misfireThreshold time.Duration, now time.Time)

	MayFireAgain() bool

	// ExecutionComplete decides what the store does with the trigger after ec ran.
	ExecutionComplete(ec *ExecutionContext) CompletedExecutionInstruction
}

// TriggerBase holds the fields every trigger kind carries.
type TriggerBase struct {
	Name         string     `bson:"name"`
	Group        string     `bson:"group"`
	JobName      string     `bson:"jobName"`
	JobGroup     string     `bson:"jobGroup"`
	Description  string     `bson:"description,omitempty"`
	CalendarName string     `bson:"calendarName,omitempty"`
	DataMap      JobDataMap `bson:"dataMap,omitempty"`
	Priority     int        `bson:"priority"`

	StartTime    time.Time  `bson:"startTime"`
	EndTime      *time.Time `bson:"endTime,omitempty"`
	NextFire     *time.Time `bson:"nextFireTime"`
	PreviousFire *time.Time `bson:"previousFireTime,omitempty"`

	MisfireInstruction MisfireInstruction `bson:"misfireInstruction"`
}

func (b *TriggerBase) Key() Key                     { return Key{Name: b.Name, Group: b.Group} }
func (b *TriggerBase) JobKey() Key                  { return Key{Name: b.JobName, Group: b.JobGroup} }
func (b *TriggerBase) Base() *TriggerBase           { return b }
func (b *TriggerBase) NextFireTime() *time.Time     { return b.NextFire }
func (b *TriggerBase) PreviousFireTime() *time.Time { return b.PreviousFire }
func (b *TriggerBase) SetNextFireTime(t *time.Time) { b.NextFire = t }

// MayFireAgain reports whether the trigger still has a next fire time.
func (b *TriggerBase) MayFireAgain() bool {
	return b.NextFire != nil
}

// ExecutionComplete gives the flags of a *JobExecutionError priority, then deletes
// triggers that cannot fire again.
func (b *TriggerBase) ExecutionComplete(ec *ExecutionContext) CompletedExecutionInstruction {
	var jee *JobExecutionError
	if ec != nil {
		jee = asJobExecutionError(ec.Err)
	}
	if jee != nil {
		if jee.RefireImmediately {
			return InstructionReExecuteJob
		}
		if jee.UnscheduleFiringTrigger {
			return InstructionSetTriggerComplete
		}
		if jee.UnscheduleAllTriggers {
			return InstructionSetAllJobTriggersComplete
		}
	}
	if !b.MayFireAgain() {
		return InstructionDeleteTrigger
	}
	return InstructionNoop
}

func (b *TriggerBase) validate() error {
	if b.Name == "" {
		return validationErrorf("trigger name cannot be empty")
	}
	if b.Group == "" {
		return validationErrorf("trigger %q group cannot be empty", b.Name)
	}
	if b.JobName == "" {
		return validationErrorf("trigger %s does not reference a job", b.Key())
	}
	if b.JobGroup == "" {
		return validationErrorf("trigger %s job group cannot be empty", b.Key())
	}
	if b.StartTime.IsZero() {
		return validationErrorf("trigger %s has no start time", b.Key())
	}
	if b.EndTime != nil && b.EndTime.Before(b.StartTime) {
		return validationErrorf("trigger %s end time is before its start time", b.Key())
	}
	if b.MisfireInstruction < MisfireIgnorePolicy {
		return validationErrorf("trigger %s has invalid misfire instruction %d", b.Key(), b.MisfireInstruction)
	}
	return nil
}

func (b TriggerBase) clone() TriggerBase {
	if b.DataMap != nil {
		b.DataMap = b.DataMap.Clone()
	}
	return b
}

// skipExcluded walks next forward with after until cal includes it, giving up past
// yearToGiveUpSchedulingAt.
func skipExcluded(next *time.Time, cal Calendar, after func(time.Time) *time.Time) *time.Time {
	for next != nil && cal != nil && !cal.IsTimeIncluded(*next) {
		next = after(*next)
		if next == nil {
			break
		}
		if next.Year() > yearToGiveUpSchedulingAt {
			return nil
		}
	}
	return next
}

// nextWithNewCalendar recomputes a next fire time after a calendar change. Slots the
// calendar excludes are skipped, and a replacement slot that is already misfired is
// skipped too.
func nextWithNewCalendar(prev *time.Time, cal Calendar, misfireThreshold time.Duration, now time.Time, after func(time.Time) *time.Time) *time.Time {
	from := now
	if prev != nil {
		from = *prev
	}
	next := after(from)
	if next == nil || cal == nil {
		return next
	}
	for next != nil && !cal.IsTimeIncluded(*next) {
		next = after(*next)
		if next == nil {
			break
		}
		if next.Year() > yearToGiveUpSchedulingAt {
			return nil
		}
		if next.Before(now) && now.Sub(*next) >= misfireThreshold {
			next = after(*next)
		}
	}
	return next
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

// NewTriggerOfKind returns an empty trigger of the given kind, for backends decoding
// persisted records. It returns nil for unknown kinds.
func NewTriggerOfKind(kind TriggerKind) Trigger {
	switch kind {
	case KindSimple:
		return &SimpleTrigger{}
	case KindCron:
		return &CronTrigger{}
	case KindCalendarInterval:
		return &CalendarIntervalTrigger{}
	case KindDailyTimeInterval:
		return &DailyTimeIntervalTrigger{}
	}
	return nil
}

package scheduler

import (
	"context"
	"time"
)

// Lock names used by the job store.
const (
	// LockTriggerAccess guards every read-then-write of trigger, job and pause state.
	LockTriggerAccess = "TRIGGER_ACCESS"

	// LockAllGroupsPaused guards PauseJob against a concurrent group-wide pause.
	LockAllGroupsPaused = "ALL_GROUPS_PAUSED"
)

// AllGroupsPaused is the pause marker recorded by PauseAll. While present, triggers
// stored into any group start out paused.
const AllGroupsPaused = "_$_ALL_GROUPS_PAUSED_$_"

// RecoveringJobsGroup holds the one-shot triggers created to re-run jobs that were
// executing when the scheduler went down.
const RecoveringJobsGroup = "RECOVERING_JOBS"

// Data map keys set on recovery triggers.
const (
	RecoveryTriggerName       = "recovery.triggerName"
	RecoveryTriggerGroup      = "recovery.triggerGroup"
	RecoveryScheduledFireTime = "recovery.scheduledFireTime"
)

// JobStore is the protocol the scheduler loop drives. Store implements it on top of
// any Backend; other implementations must honor the same state transitions.
type JobStore interface {
	// SchedulerStarted recovers state left behind by a previous run of this instance.
	// Implementations may reset triggers across the whole backend, so shared backends
	// should have every instance started before work is scheduled.
	SchedulerStarted(ctx context.Context) error

	// AcquireNextTriggers reserves up to maxCount triggers due no later than
	// noLaterThan+timeWindow, preferring due triggers over long-misfired ones.
	AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]Trigger, error)

	// ReleaseAcquiredTrigger returns an acquired trigger that will not be fired.
	ReleaseAcquiredTrigger(ctx context.Context, trigger Trigger) error

	// TriggersFired fires acquired triggers, emitting one FiredTrigger per due fire
	// time up to noLaterThan. Triggers no longer acquired are skipped.
	TriggersFired(ctx context.Context, triggers []Trigger, noLaterThan time.Time) ([]*FiredTrigger, error)

	// TriggeredJobComplete applies instr after a firing's job ran and consumes the
	// FiredTrigger record.
	TriggeredJobComplete(ctx context.Context, fired *FiredTrigger, job *JobDetail, instr CompletedExecutionInstruction, errMsg string) error

	// ReleaseFiredTrigger undoes a firing whose job never ran, so the trigger fires it
	// again later.
	ReleaseFiredTrigger(ctx context.Context, fired *FiredTrigger) error

	RetrieveJob(ctx context.Context, key Key) (*JobDetail, error)
	RetrieveTrigger(ctx context.Context, key Key) (Trigger, error)
	RetrieveCalendar(ctx context.Context, name string) (Calendar, error)
}

// Signaler receives notifications from the job store. The scheduler implements it.
type Signaler interface {
	// TriggerMisfired is called before a misfire instruction is applied.
	TriggerMisfired(trigger Trigger)

	// TriggerFinalized is called when a trigger will never fire again.
	TriggerFinalized(trigger Trigger)

	// SchedulingChanged is called when a stored schedule changed; candidate is the new
	// earliest fire time when known.
	SchedulingChanged(candidate *time.Time)
}

// TriggerRecord is a stored trigger together with its lifecycle state.
type TriggerRecord struct {
	Trigger      Trigger
	State        TriggerState
	ErrorMessage string
}

// Clone returns a deep copy of the record.
func (r *TriggerRecord) Clone() *TriggerRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Trigger = r.Trigger.Clone()
	return &c
}

// FiredTrigger records one firing of a trigger. It holds its own snapshot of the
// trigger, so later changes to the stored trigger do not affect the running job.
type FiredTrigger struct {
	FireInstanceID    string
	InstanceID        string
	FireTime          time.Time
	ScheduledFireTime time.Time
	PreviousFireTime  *time.Time
	NextFireTime      *time.Time
	State             TriggerState
	JobKey            Key

	ConcurrentExecutionDisallowed bool
	RequestsRecovery              bool

	Trigger Trigger
}

// Clone returns a deep copy of the record.
func (f *FiredTrigger) Clone() *FiredTrigger {
	if f == nil {
		return nil
	}
	c := *f
	if f.Trigger != nil {
		c.Trigger = f.Trigger.Clone()
	}
	return &c
}

// TriggerQuery selects triggers in State by next fire time. Results are ordered by
// next fire time ascending, then priority descending.
type TriggerQuery struct {
	State TriggerState

	// NextFireFrom is an inclusive lower bound.
	NextFireFrom *time.Time

	// NextFireUntil is an inclusive upper bound.
	NextFireUntil *time.Time

	// NextFireBefore is an exclusive upper bound.
	NextFireBefore *time.Time

	// Limit caps the result; 0 means no cap.
	Limit int
}

// Matches reports whether rec satisfies the query's filters.
func (q TriggerQuery) Matches(rec *TriggerRecord) bool {
	if rec.State != q.State {
		return false
	}
	next := rec.Trigger.NextFireTime()
	if next == nil {
		return false
	}
	if q.NextFireFrom != nil && next.Before(*q.NextFireFrom) {
		return false
	}
	if q.NextFireUntil != nil && next.After(*q.NextFireUntil) {
		return false
	}
	if q.NextFireBefore != nil && !next.Before(*q.NextFireBefore) {
		return false
	}
	return true
}

// Backend is the record store under Store. Every method touches a single record or a
// filtered set of one kind; Store serializes read-then-write sequences with a Locker.
// Lookups of missing records return nil and no error.
type Backend interface {
	PutJob(ctx context.Context, job *JobDetail) error
	Job(ctx context.Context, key Key) (*JobDetail, error)
	DeleteJob(ctx context.Context, key Key) (bool, error)
	JobKeys(ctx context.Context) ([]Key, error)

	// PutTrigger upserts rec. With from states it only replaces a stored record whose
	// state is one of them, and reports whether it wrote.
	PutTrigger(ctx context.Context, rec *TriggerRecord, from ...TriggerState) (bool, error)
	Trigger(ctx context.Context, key Key) (*TriggerRecord, error)
	DeleteTrigger(ctx context.Context, key Key) (bool, error)
	TriggerKeys(ctx context.Context) ([]Key, error)
	TriggersForJob(ctx context.Context, jobKey Key) ([]*TriggerRecord, error)
	TriggersForCalendar(ctx context.Context, name string) ([]*TriggerRecord, error)
	TriggersInState(ctx context.Context, states ...TriggerState) ([]*TriggerRecord, error)
	FindTriggers(ctx context.Context, q TriggerQuery) ([]*TriggerRecord, error)

	// UpdateTriggerState sets the state of one trigger, only when its current state is
	// one of from (any state when from is empty).
	UpdateTriggerState(ctx context.Context, key Key, state TriggerState, errMsg string, from ...TriggerState) (bool, error)

	// UpdateJobTriggersState does the same for every trigger of a job.
	UpdateJobTriggersState(ctx context.Context, jobKey Key, state TriggerState, errMsg string, from ...TriggerState) (int, error)

	PutCalendar(ctx context.Context, name string, cal Calendar) error
	Calendar(ctx context.Context, name string) (Calendar, error)
	DeleteCalendar(ctx context.Context, name string) (bool, error)
	CalendarNames(ctx context.Context) ([]string, error)

	AddPausedTriggerGroup(ctx context.Context, group string) error
	RemovePausedTriggerGroup(ctx context.Context, group string) error
	PausedTriggerGroups(ctx context.Context) ([]string, error)
	IsTriggerGroupPaused(ctx context.Context, group string) (bool, error)

	AddPausedJobGroup(ctx context.Context, group string) error
	RemovePausedJobGroup(ctx context.Context, group string) error
	PausedJobGroups(ctx context.Context) ([]string, error)
	IsJobGroupPaused(ctx context.Context, group string) (bool, error)

	InsertFiredTrigger(ctx context.Context, fired *FiredTrigger) error
	DeleteFiredTrigger(ctx context.Context, fireInstanceID string) (bool, error)
	FiredTriggersForJob(ctx context.Context, jobKey Key) ([]*FiredTrigger, error)
	FiredTriggersForInstance(ctx context.Context, instanceID string) ([]*FiredTrigger, error)

	// Clear removes every record.
	Clear(ctx context.Context) error
}

// Locker hands out named mutual-exclusion locks.
type Locker interface {
	// Lock blocks until the named lock is held or ctx is done.
	Lock(ctx context.Context, name string) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

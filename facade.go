package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ManualTriggerGroup holds the one-shot triggers created by TriggerJob.
const ManualTriggerGroup = "MANUAL_TRIGGER"

func (s *Scheduler) checkShutdown() error {
	if s.shutdown.Load() {
		return ErrSchedulerStopped
	}
	return nil
}

// firstFireTime computes trigger's first fire time against its calendar.
func (s *Scheduler) firstFireTime(ctx context.Context, trigger Trigger) (*time.Time, error) {
	var cal Calendar
	if name := trigger.Base().CalendarName; name != "" {
		var err error
		if cal, err = s.store.RetrieveCalendar(ctx, name); err != nil {
			return nil, err
		}
		if cal == nil {
			return nil, errors.Mark(errors.Newf("calendar %s not found for trigger %s", name, trigger.Key()), ErrCalendarNotFound)
		}
	}
	ft := trigger.ComputeFirstFireTime(cal)
	if ft == nil {
		return nil, errors.Mark(errors.Newf("trigger %s will never fire with its configured schedule", trigger.Key()), ErrWillNeverFire)
	}
	return ft, nil
}

// ScheduleJob stores job with its first trigger and returns the first fire time. A
// trigger without a job key is bound to job.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *JobDetail, trigger Trigger) (*time.Time, error) {
	if err := s.checkShutdown(); err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	base := trigger.Base()
	if base.JobName == "" {
		base.JobName, base.JobGroup = job.Key.Name, job.Key.Group
	} else if trigger.JobKey() != job.Key {
		return nil, validationErrorf("trigger %s references job %s, not %s", trigger.Key(), trigger.JobKey(), job.Key)
	}
	if err := trigger.Validate(); err != nil {
		return nil, err
	}
	ft, err := s.firstFireTime(ctx, trigger)
	if err != nil {
		return nil, err
	}
	if err := s.store.StoreJobAndTrigger(ctx, job, trigger); err != nil {
		return nil, err
	}
	return ft, nil
}

// ScheduleTrigger stores a trigger for an already stored job and returns its first
// fire time.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, trigger Trigger) (*time.Time, error) {
	if err := s.checkShutdown(); err != nil {
		return nil, err
	}
	if err := trigger.Validate(); err != nil {
		return nil, err
	}
	exists, err := s.store.CheckJobExists(ctx, trigger.JobKey())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Mark(errors.Newf("job %s of trigger %s not found", trigger.JobKey(), trigger.Key()), ErrJobNotFound)
	}
	ft, err := s.firstFireTime(ctx, trigger)
	if err != nil {
		return nil, err
	}
	if err := s.store.StoreTrigger(ctx, trigger, false); err != nil {
		return nil, err
	}
	return ft, nil
}

// ScheduleJobs stores several jobs with their triggers at once.
func (s *Scheduler) ScheduleJobs(ctx context.Context, entries []JobWithTriggers, replace bool) error {
	if err := s.checkShutdown(); err != nil {
		return err
	}
	for _, e := range entries {
		for _, t := range e.Triggers {
			if base := t.Base(); base.JobName == "" && e.Job != nil {
				base.JobName, base.JobGroup = e.Job.Key.Name, e.Job.Key.Group
			}
			if err := t.Validate(); err != nil {
				return err
			}
			if _, err := s.firstFireTime(ctx, t); err != nil {
				return err
			}
		}
	}
	return s.store.StoreJobsAndTriggers(ctx, entries, replace)
}

// AddJob stores a job without triggers. Such jobs must be durable.
func (s *Scheduler) AddJob(ctx context.Context, job *JobDetail, replace bool) error {
	if err := s.checkShutdown(); err != nil {
		return err
	}
	if job != nil && !job.Durable {
		return validationErrorf("job %s has no trigger and must be durable", job.Key)
	}
	return s.store.StoreJob(ctx, job, replace)
}

// DeleteJob removes a job and its triggers.
func (s *Scheduler) DeleteJob(ctx context.Context, key Key) (bool, error) {
	if err := s.checkShutdown(); err != nil {
		return false, err
	}
	return s.store.RemoveJob(ctx, key)
}

// DeleteJobs removes several jobs; it reports whether all of them existed.
func (s *Scheduler) DeleteJobs(ctx context.Context, keys []Key) (bool, error) {
	if err := s.checkShutdown(); err != nil {
		return false, err
	}
	return s.store.RemoveJobs(ctx, keys)
}

// UnscheduleJob removes a trigger, and its job when that job is left without
// triggers and is not durable.
func (s *Scheduler) UnscheduleJob(ctx context.Context, triggerKey Key) (bool, error) {
	if err := s.checkShutdown(); err != nil {
		return false, err
	}
	return s.store.RemoveTrigger(ctx, triggerKey)
}

// UnscheduleJobs removes several triggers; it reports whether all of them existed.
func (s *Scheduler) UnscheduleJobs(ctx context.Context, triggerKeys []Key) (bool, error) {
	if err := s.checkShutdown(); err != nil {
		return false, err
	}
	return s.store.RemoveTriggers(ctx, triggerKeys)
}

// RescheduleJob replaces the trigger stored under triggerKey with trigger and returns
// the new first fire time. It returns nil when no trigger was stored under the key.
func (s *Scheduler) RescheduleJob(ctx context.Context, triggerKey Key, trigger Trigger) (*time.Time, error) {
	if err := s.checkShutdown(); err != nil {
		return nil, err
	}
	if base := trigger.Base(); base.JobName == "" {
		old, err := s.store.RetrieveTrigger(ctx, triggerKey)
		if err != nil {
			return nil, err
		}
		if old == nil {
			return nil, nil
		}
		base.JobName, base.JobGroup = old.JobKey().Name, old.JobKey().Group
	}
	if err := trigger.Validate(); err != nil {
		return nil, err
	}
	ft, err := s.firstFireTime(ctx, trigger)
	if err != nil {
		return nil, err
	}
	found, err := s.store.ReplaceTrigger(ctx, triggerKey, trigger)
	if err != nil || !found {
		return nil, err
	}
	return ft, nil
}

// TriggerJob fires a stored job now through a one-shot trigger in ManualTriggerGroup.
// data is added to the trigger's data map.
func (s *Scheduler) TriggerJob(ctx context.Context, jobKey Key, data JobDataMap) error {
	if err := s.checkShutdown(); err != nil {
		return err
	}
	exists, err := s.store.CheckJobExists(ctx, jobKey)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Mark(errors.Newf("job %s not found", jobKey), ErrJobNotFound)
	}
	trigger := &SimpleTrigger{TriggerBase: TriggerBase{
		Name:               "MT_" + uuid.NewString(),
		Group:              ManualTriggerGroup,
		JobName:            jobKey.Name,
		JobGroup:           jobKey.Group,
		DataMap:            data.Clone(),
		Priority:           DefaultPriority,
		StartTime:          s.clock.Now(),
		MisfireInstruction: MisfireFireNow,
	}}
	trigger.ComputeFirstFireTime(nil)
	return s.store.StoreTrigger(ctx, trigger, false)
}

func (s *Scheduler) PauseTrigger(ctx context.Context, key Key) error {
	return s.store.PauseTrigger(ctx, key)
}

func (s *Scheduler) PauseTriggers(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	return s.store.PauseTriggers(ctx, matcher)
}

func (s *Scheduler) PauseJob(ctx context.Context, key Key) error {
	return s.store.PauseJob(ctx, key)
}

func (s *Scheduler) PauseJobs(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	return s.store.PauseJobs(ctx, matcher)
}

func (s *Scheduler) PauseAll(ctx context.Context) error {
	return s.store.PauseAll(ctx)
}

func (s *Scheduler) ResumeTrigger(ctx context.Context, key Key) error {
	return s.store.ResumeTrigger(ctx, key)
}

func (s *Scheduler) ResumeTriggers(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	return s.store.ResumeTriggers(ctx, matcher)
}

func (s *Scheduler) ResumeJob(ctx context.Context, key Key) error {
	return s.store.ResumeJob(ctx, key)
}

func (s *Scheduler) ResumeJobs(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	return s.store.ResumeJobs(ctx, matcher)
}

func (s *Scheduler) ResumeAll(ctx context.Context) error {
	return s.store.ResumeAll(ctx)
}

func (s *Scheduler) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.store.PausedTriggerGroups(ctx)
}

func (s *Scheduler) TriggerState(ctx context.Context, key Key) (TriggerState, error) {
	return s.store.TriggerState(ctx, key)
}

func (s *Scheduler) ResetTriggerFromErrorState(ctx context.Context, key Key) error {
	return s.store.ResetTriggerFromErrorState(ctx, key)
}

// AddCalendar stores cal under name; see Store.StoreCalendar.
func (s *Scheduler) AddCalendar(ctx context.Context, name string, cal Calendar, replace, updateTriggers bool) error {
	if err := s.checkShutdown(); err != nil {
		return err
	}
	return s.store.StoreCalendar(ctx, name, cal, replace, updateTriggers)
}

// DeleteCalendar removes a calendar no trigger references.
func (s *Scheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	if err := s.checkShutdown(); err != nil {
		return false, err
	}
	return s.store.RemoveCalendar(ctx, name)
}

func (s *Scheduler) Calendar(ctx context.Context, name string) (Calendar, error) {
	return s.store.RetrieveCalendar(ctx, name)
}

func (s *Scheduler) CalendarNames(ctx context.Context) ([]string, error) {
	return s.store.CalendarNames(ctx)
}

// JobDetail returns the stored job, or nil.
func (s *Scheduler) JobDetail(ctx context.Context, key Key) (*JobDetail, error) {
	return s.store.RetrieveJob(ctx, key)
}

// Trigger returns the stored trigger, or nil.
func (s *Scheduler) Trigger(ctx context.Context, key Key) (Trigger, error) {
	return s.store.RetrieveTrigger(ctx, key)
}

func (s *Scheduler) TriggersOfJob(ctx context.Context, jobKey Key) ([]Trigger, error) {
	return s.store.TriggersForJob(ctx, jobKey)
}

func (s *Scheduler) JobKeys(ctx context.Context, matcher GroupMatcher) ([]Key, error) {
	return s.store.JobKeys(ctx, matcher)
}

func (s *Scheduler) TriggerKeys(ctx context.Context, matcher GroupMatcher) ([]Key, error) {
	return s.store.TriggerKeys(ctx, matcher)
}

func (s *Scheduler) JobGroupNames(ctx context.Context) ([]string, error) {
	return s.store.JobGroupNames(ctx)
}

func (s *Scheduler) TriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.store.TriggerGroupNames(ctx)
}

// Clear removes all scheduling data.
func (s *Scheduler) Clear(ctx context.Context) error {
	if err := s.checkShutdown(); err != nil {
		return err
	}
	return s.store.ClearAllSchedulingData(ctx)
}

// AddTriggerListener registers l for triggers in the groups matchers select, or all
// triggers when none are given.
func (s *Scheduler) AddTriggerListener(l TriggerListener, matchers ...GroupMatcher) {
	s.listeners.addTrigger(l, matchers)
}

// RemoveTriggerListener unregisters the trigger listener with the given name.
func (s *Scheduler) RemoveTriggerListener(name string) bool {
	return s.listeners.removeTrigger(name)
}

// AddJobListener registers l for jobs in the groups matchers select, or all jobs when
// none are given.
func (s *Scheduler) AddJobListener(l JobListener, matchers ...GroupMatcher) {
	s.listeners.addJob(l, matchers)
}

// RemoveJobListener unregisters the job listener with the given name.
func (s *Scheduler) RemoveJobListener(name string) bool {
	return s.listeners.removeJob(name)
}

package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// isMisfired reports whether next lies more than the misfire threshold before now.
func (s *Store) isMisfired(next *time.Time, now time.Time) bool {
	return next != nil && next.Before(now.Add(-s.misfireThreshold))
}

// applyMisfire applies the trigger's misfire instruction when its next fire time is
// misfired. It marks the record COMPLETE when the trigger can no longer fire and
// reports whether the next fire time changed.
func (s *Store) applyMisfire(rec *TriggerRecord, cal Calendar, now time.Time) bool {
	t := rec.Trigger
	next := t.NextFireTime()
	if !s.isMisfired(next, now) || t.Base().MisfireInstruction == MisfireIgnorePolicy {
		return false
	}

	s.signaler.TriggerMisfired(t.Clone())
	t.UpdateAfterMisfire(cal, now)

	updated := t.NextFireTime()
	if updated == nil {
		rec.State = StateComplete
		s.signaler.TriggerFinalized(t.Clone())
		return true
	}
	return !updated.Equal(*next)
}

// triggerCalendar loads the trigger's calendar. A missing calendar yields nil.
func (s *Store) triggerCalendar(ctx context.Context, t Trigger) (Calendar, error) {
	name := t.Base().CalendarName
	if name == "" {
		return nil, nil
	}
	cal, err := s.backend.Calendar(ctx, name)
	return cal, wrapPersistence(err, "load calendar %s", name)
}

// AcquireNextTriggers moves up to maxCount WAITING triggers to ACQUIRED. Triggers due
// within [now-misfireThreshold, noLaterThan+timeWindow] come first, ordered by next
// fire time then priority; older misfired triggers fill any remaining capacity. At most
// one trigger is acquired per concurrency-disallowed job.
func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]Trigger, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	var acquired []Trigger
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		now := s.clock.Now()
		misfireBoundary := now.Add(-s.misfireThreshold)
		until := noLaterThan.Add(timeWindow)

		due, err := s.backend.FindTriggers(ctx, TriggerQuery{
			State:         StateWaiting,
			NextFireFrom:  &misfireBoundary,
			NextFireUntil: &until,
			Limit:         maxCount,
		})
		if err != nil {
			return wrapPersistence(err, "find due triggers")
		}
		candidates := due
		if len(due) < maxCount {
			misfired, err := s.backend.FindTriggers(ctx, TriggerQuery{
				State:          StateWaiting,
				NextFireBefore: &misfireBoundary,
				Limit:          maxCount - len(due),
			})
			if err != nil {
				return wrapPersistence(err, "find misfired triggers")
			}
			candidates = append(candidates, misfired...)
		}

		nonConcurrent := make(map[Key]struct{})
		for _, rec := range candidates {
			if len(acquired) >= maxCount {
				break
			}
			jobKey := rec.Trigger.JobKey()
			job, err := s.backend.Job(ctx, jobKey)
			if err != nil {
				return wrapPersistence(err, "load job %s", jobKey)
			}
			if job != nil && job.ConcurrentExecutionDisallowed {
				if _, seen := nonConcurrent[jobKey]; seen {
					continue
				}
				nonConcurrent[jobKey] = struct{}{}
			}
			ok, err := s.backend.UpdateTriggerState(ctx, rec.Trigger.Key(), StateAcquired, "", StateWaiting)
			if err != nil {
				return wrapPersistence(err, "acquire trigger %s", rec.Trigger.Key())
			}
			if ok {
				acquired = append(acquired, rec.Trigger)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ReleaseAcquiredTrigger returns an ACQUIRED trigger to WAITING.
func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, trigger Trigger) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		_, err := s.backend.UpdateTriggerState(ctx, trigger.Key(), StateWaiting, "", StateAcquired)
		return wrapPersistence(err, "release trigger %s", trigger.Key())
	})
}

// maxFiringsPerTrigger bounds catch-up firings emitted for one trigger per call.
const maxFiringsPerTrigger = 1000

// TriggersFired turns acquired triggers into firings. For each trigger still ACQUIRED
// it applies any misfire, then emits one FiredTrigger per fire time up to noLaterThan
// (one at most for concurrency-disallowed jobs) and persists the advanced trigger.
// Triggers whose state changed since acquisition are skipped; triggers whose calendar
// is gone are skipped and put in the ERROR state. Errors for individual triggers are combined; firings already persisted are
// still returned.
func (s *Store) TriggersFired(ctx context.Context, triggers []Trigger, noLaterThan time.Time) ([]*FiredTrigger, error) {
	var out []*FiredTrigger
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		now := s.clock.Now()
		var errs error
		for _, t := range triggers {
			fired, err := s.triggerFired(ctx, t.Key(), now, noLaterThan)
			if err != nil {
				s.logger.Error("failed to fire trigger", zap.Stringer("trigger", t.Key()), zap.Error(err))
				errs = errors.CombineErrors(errs, err)
				continue
			}
			out = append(out, fired...)
		}
		return errs
	})
	return out, err
}

func (s *Store) triggerFired(ctx context.Context, key Key, now, noLaterThan time.Time) ([]*FiredTrigger, error) {
	rec, err := s.backend.Trigger(ctx, key)
	if err != nil {
		return nil, wrapPersistence(err, "load trigger %s", key)
	}
	if rec == nil || rec.State != StateAcquired {
		return nil, nil
	}

	var cal Calendar
	if name := rec.Trigger.Base().CalendarName; name != "" {
		if cal, err = s.triggerCalendar(ctx, rec.Trigger); err != nil {
			return nil, err
		}
		if cal == nil {
			// Re-acquiring it every cycle would never succeed; ERROR needs an operator reset.
			msg := "calendar " + name + " not found"
			s.logger.Error("trigger calendar not found, trigger set to error state",
				zap.Stringer("trigger", key), zap.String("calendar", name))
			if _, err := s.backend.UpdateTriggerState(ctx, key, StateError, msg, StateAcquired); err != nil {
				return nil, wrapPersistence(err, "mark trigger %s in error", key)
			}
			return nil, nil
		}
	}

	jobKey := rec.Trigger.JobKey()
	job, err := s.backend.Job(ctx, jobKey)
	if err != nil {
		return nil, wrapPersistence(err, "load job %s", jobKey)
	}
	nonConcurrent := job != nil && job.ConcurrentExecutionDisallowed

	s.applyMisfire(rec, cal, now)

	t := rec.Trigger
	var firings []*FiredTrigger
	for next := t.NextFireTime(); next != nil && !next.After(noLaterThan); next = t.NextFireTime() {
		if len(firings) >= maxFiringsPerTrigger || (nonConcurrent && len(firings) == 1) {
			break
		}
		prev := t.PreviousFireTime()
		scheduled := *next
		t.Triggered(cal)
		firings = append(firings, &FiredTrigger{
			FireInstanceID:                uuid.NewString(),
			InstanceID:                    s.instanceID,
			FireTime:                      now,
			ScheduledFireTime:             scheduled,
			PreviousFireTime:              prev,
			NextFireTime:                  t.NextFireTime(),
			State:                         StateExecuting,
			JobKey:                        jobKey,
			ConcurrentExecutionDisallowed: nonConcurrent,
			RequestsRecovery:              job != nil && job.RequestsRecovery,
			Trigger:                       t.Clone(),
		})
	}

	rec.State = StateWaiting
	if t.NextFireTime() == nil {
		rec.State = StateComplete
	}
	if nonConcurrent && len(firings) > 0 {
		if rec.State == StateWaiting {
			rec.State = StateBlocked
		}
		if _, err := s.backend.UpdateJobTriggersState(ctx, jobKey, StateBlocked, "", StateWaiting, StateAcquired); err != nil {
			return nil, wrapPersistence(err, "block triggers of job %s", jobKey)
		}
		if _, err := s.backend.UpdateJobTriggersState(ctx, jobKey, StatePausedBlocked, "", StatePaused); err != nil {
			return nil, wrapPersistence(err, "block triggers of job %s", jobKey)
		}
	}

	// The sibling update above also moved this trigger, and PauseJob may have paused
	// it without holding the trigger lock.
	ok, err := s.backend.PutTrigger(ctx, rec, StateAcquired, StateBlocked)
	if err != nil {
		return nil, wrapPersistence(err, "update fired trigger %s", key)
	}
	if !ok {
		if rec.State != StateComplete {
			rec.State = StatePaused
			if nonConcurrent && len(firings) > 0 {
				rec.State = StatePausedBlocked
			}
		}
		if _, err := s.backend.PutTrigger(ctx, rec); err != nil {
			return nil, wrapPersistence(err, "update fired trigger %s", key)
		}
	}

	for _, f := range firings {
		if err := s.backend.InsertFiredTrigger(ctx, f); err != nil {
			return nil, wrapPersistence(err, "record firing of trigger %s", key)
		}
	}
	return firings, nil
}

// TriggeredJobComplete applies instr to the fired trigger's stored trigger (or all
// triggers of its job), unblocks the job's siblings when it disallows concurrent
// execution, persists job data when requested, and deletes the FiredTrigger record.
// A missing FiredTrigger record is an ErrPersistence error.
func (s *Store) TriggeredJobComplete(ctx context.Context, fired *FiredTrigger, job *JobDetail, instr CompletedExecutionInstruction, errMsg string) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		key := fired.Trigger.Key()
		jobKey := fired.JobKey

		switch instr {
		case InstructionDeleteTrigger:
			if fired.NextFireTime == nil {
				// The trigger may have been rescheduled while the job ran.
				rec, err := s.backend.Trigger(ctx, key)
				if err != nil {
					return wrapPersistence(err, "load trigger %s", key)
				}
				if rec != nil && rec.Trigger.NextFireTime() == nil {
					if _, err := s.removeTrigger(ctx, key, true); err != nil {
						return err
					}
					s.signaler.TriggerFinalized(fired.Trigger)
				}
			} else {
				if _, err := s.removeTrigger(ctx, key, true); err != nil {
					return err
				}
				s.signaler.SchedulingChanged(nil)
			}
		case InstructionSetTriggerComplete:
			if _, err := s.backend.UpdateTriggerState(ctx, key, StateComplete, ""); err != nil {
				return wrapPersistence(err, "complete trigger %s", key)
			}
			s.signaler.TriggerFinalized(fired.Trigger)
		case InstructionSetTriggerError:
			if _, err := s.backend.UpdateTriggerState(ctx, key, StateError, errMsg); err != nil {
				return wrapPersistence(err, "mark trigger %s in error", key)
			}
			s.logger.Warn("trigger set to error state", zap.Stringer("trigger", key), zap.String("reason", errMsg))
		case InstructionSetAllJobTriggersComplete:
			if _, err := s.backend.UpdateJobTriggersState(ctx, jobKey, StateComplete, ""); err != nil {
				return wrapPersistence(err, "complete triggers of job %s", jobKey)
			}
			s.signaler.SchedulingChanged(nil)
		case InstructionSetAllJobTriggersError:
			if _, err := s.backend.UpdateJobTriggersState(ctx, jobKey, StateError, errMsg); err != nil {
				return wrapPersistence(err, "mark triggers of job %s in error", jobKey)
			}
			s.logger.Warn("all triggers of job set to error state", zap.Stringer("job", jobKey), zap.String("reason", errMsg))
		}

		if fired.ConcurrentExecutionDisallowed {
			if err := s.unblockJob(ctx, jobKey); err != nil {
				return err
			}
		}

		if job != nil && job.PersistJobDataAfterExecution {
			stored, err := s.backend.Job(ctx, jobKey)
			if err != nil {
				return wrapPersistence(err, "load job %s", jobKey)
			}
			if stored != nil {
				stored.DataMap = job.DataMap.Clone()
				if err := s.backend.PutJob(ctx, stored); err != nil {
					return wrapPersistence(err, "persist data of job %s", jobKey)
				}
			}
		}

		found, err := s.backend.DeleteFiredTrigger(ctx, fired.FireInstanceID)
		if err != nil {
			return wrapPersistence(err, "delete fired trigger %s", fired.FireInstanceID)
		}
		if !found {
			return persistenceErrorf("fired trigger %s of trigger %s not found", fired.FireInstanceID, key)
		}
		return nil
	})
}

// ReleaseFiredTrigger undoes a firing whose job never ran. The FiredTrigger record is
// deleted, the job's blocked siblings are released, and the stored trigger is moved
// back to the firing's scheduled time unless it was rescheduled to an earlier one in
// the meantime. A missing FiredTrigger record is an ErrPersistence error.
func (s *Store) ReleaseFiredTrigger(ctx context.Context, fired *FiredTrigger) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		key := fired.Trigger.Key()
		jobKey := fired.JobKey

		found, err := s.backend.DeleteFiredTrigger(ctx, fired.FireInstanceID)
		if err != nil {
			return wrapPersistence(err, "delete fired trigger %s", fired.FireInstanceID)
		}
		if !found {
			return persistenceErrorf("fired trigger %s of trigger %s not found", fired.FireInstanceID, key)
		}
		if fired.ConcurrentExecutionDisallowed {
			if err := s.unblockJob(ctx, jobKey); err != nil {
				return err
			}
		}

		rec, err := s.backend.Trigger(ctx, key)
		if err != nil {
			return wrapPersistence(err, "load trigger %s", key)
		}
		if rec == nil || rec.State == StateError {
			return nil
		}
		if next := rec.Trigger.NextFireTime(); next != nil && !next.After(fired.ScheduledFireTime) {
			return nil
		}
		job, err := s.backend.Job(ctx, jobKey)
		if err != nil {
			return wrapPersistence(err, "load job %s", jobKey)
		}
		if job == nil {
			return nil
		}

		rewind(rec.Trigger, fired)
		if rec.State, err = s.initialState(ctx, rec.Trigger, job); err != nil {
			return err
		}
		if _, err := s.backend.PutTrigger(ctx, rec); err != nil {
			return wrapPersistence(err, "restore trigger %s", key)
		}
		s.logger.Debug("firing released",
			zap.Stringer("trigger", key),
			zap.String("fireInstanceId", fired.FireInstanceID),
			zap.Time("scheduledFireTime", fired.ScheduledFireTime),
		)
		s.signaler.SchedulingChanged(rec.Trigger.NextFireTime())
		return nil
	})
}

// unblockJob returns the blocked triggers of a concurrency-disallowed job to WAITING,
// or to PAUSED when they were paused while blocked.
func (s *Store) unblockJob(ctx context.Context, jobKey Key) error {
	if _, err := s.backend.UpdateJobTriggersState(ctx, jobKey, StateWaiting, "", StateBlocked); err != nil {
		return wrapPersistence(err, "unblock triggers of job %s", jobKey)
	}
	if _, err := s.backend.UpdateJobTriggersState(ctx, jobKey, StatePaused, "", StatePausedBlocked); err != nil {
		return wrapPersistence(err, "unblock triggers of job %s", jobKey)
	}
	s.signaler.SchedulingChanged(nil)
	return nil
}

// rewind moves t back to the state it had before fired was emitted.
func rewind(t Trigger, fired *FiredTrigger) {
	b := t.Base()
	b.NextFire = timePtr(fired.ScheduledFireTime)
	b.PreviousFire = nil
	if fired.PreviousFireTime != nil {
		b.PreviousFire = timePtr(*fired.PreviousFireTime)
	}
	switch k := t.(type) {
	case *SimpleTrigger:
		if k.TimesTriggered > 0 {
			k.TimesTriggered--
		}
	case *CalendarIntervalTrigger:
		if k.TimesTriggered > 0 {
			k.TimesTriggered--
		}
	case *DailyTimeIntervalTrigger:
		if k.TimesTriggered > 0 {
			k.TimesTriggered--
		}
	}
}

// SchedulerStarted recovers from an unclean shutdown of this instance: acquired and
// blocked triggers return to WAITING, PAUSED_BLOCKED to PAUSED, jobs that requested
// recovery get a one-shot trigger in RecoveringJobsGroup, this instance's fired
// records are dropped and COMPLETE triggers are removed.
//
// The state resets cover every trigger in the backend, not only those this instance
// acquired. When several instances share a backend, start all of them before work is
// scheduled: restarting one instance while another is running can release triggers the
// other has acquired and unblock a non-concurrent job that is still executing there.
func (s *Store) SchedulerStarted(ctx context.Context) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		released, err := s.resetStates(ctx, StateWaiting, StateAcquired, StateBlocked)
		if err != nil {
			return err
		}
		unblocked, err := s.resetStates(ctx, StatePaused, StatePausedBlocked)
		if err != nil {
			return err
		}

		fired, err := s.backend.FiredTriggersForInstance(ctx, s.instanceID)
		if err != nil {
			return wrapPersistence(err, "load fired triggers of instance %s", s.instanceID)
		}
		recovered := 0
		for _, f := range fired {
			if f.RequestsRecovery {
				ok, err := s.scheduleRecovery(ctx, f)
				if err != nil {
					return err
				}
				if ok {
					recovered++
				}
			}
			if _, err := s.backend.DeleteFiredTrigger(ctx, f.FireInstanceID); err != nil {
				return wrapPersistence(err, "delete fired trigger %s", f.FireInstanceID)
			}
		}

		complete, err := s.backend.TriggersInState(ctx, StateComplete)
		if err != nil {
			return wrapPersistence(err, "load complete triggers")
		}
		for _, rec := range complete {
			if _, err := s.removeTrigger(ctx, rec.Trigger.Key(), true); err != nil {
				return err
			}
		}

		s.logger.Info("job store recovered",
			zap.String("instance", s.instanceID),
			zap.Int("released", released+unblocked),
			zap.Int("firedRecords", len(fired)),
			zap.Int("recoveredJobs", recovered),
			zap.Int("removedComplete", len(complete)),
		)
		return nil
	})
}

func (s *Store) resetStates(ctx context.Context, to TriggerState, from ...TriggerState) (int, error) {
	recs, err := s.backend.TriggersInState(ctx, from...)
	if err != nil {
		return 0, wrapPersistence(err, "load triggers in %v", from)
	}
	n := 0
	for _, rec := range recs {
		ok, err := s.backend.UpdateTriggerState(ctx, rec.Trigger.Key(), to, "", rec.State)
		if err != nil {
			return n, wrapPersistence(err, "reset trigger %s", rec.Trigger.Key())
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// scheduleRecovery stores a one-shot trigger that re-runs the job of an interrupted
// firing now. It reports false when the job no longer exists.
func (s *Store) scheduleRecovery(ctx context.Context, f *FiredTrigger) (bool, error) {
	job, err := s.backend.Job(ctx, f.JobKey)
	if err != nil {
		return false, wrapPersistence(err, "load job %s", f.JobKey)
	}
	if job == nil {
		return false, nil
	}

	orig := f.Trigger.Base()
	data := orig.DataMap.Clone()
	data[RecoveryTriggerName] = orig.Name
	data[RecoveryTriggerGroup] = orig.Group
	data[RecoveryScheduledFireTime] = f.ScheduledFireTime

	recovery := &SimpleTrigger{TriggerBase: TriggerBase{
		Name:               "recover_" + s.instanceID + "_" + f.FireInstanceID,
		Group:              RecoveringJobsGroup,
		JobName:            f.JobKey.Name,
		JobGroup:           f.JobKey.Group,
		DataMap:            data,
		Priority:           orig.Priority,
		StartTime:          s.clock.Now(),
		MisfireInstruction: MisfireIgnorePolicy,
	}}
	recovery.ComputeFirstFireTime(nil)
	if err := s.storeTrigger(ctx, recovery, true); err != nil {
		return false, err
	}
	s.logger.Info("scheduled recovery of interrupted job",
		zap.Stringer("job", f.JobKey), zap.Stringer("trigger", recovery.Key()))
	return true, nil
}

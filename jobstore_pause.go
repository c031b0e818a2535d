package scheduler

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// PauseTrigger pauses one trigger. A trigger blocked by a running job becomes
// PAUSED_BLOCKED; complete and error triggers are left alone.
func (s *Store) PauseTrigger(ctx context.Context, key Key) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		return s.pauseTrigger(ctx, key)
	})
}

func (s *Store) pauseTrigger(ctx context.Context, key Key) error {
	if _, err := s.backend.UpdateTriggerState(ctx, key, StatePaused, "", StateWaiting, StateAcquired); err != nil {
		return wrapPersistence(err, "pause trigger %s", key)
	}
	if _, err := s.backend.UpdateTriggerState(ctx, key, StatePausedBlocked, "", StateBlocked); err != nil {
		return wrapPersistence(err, "pause trigger %s", key)
	}
	return nil
}

// PauseTriggers pauses every trigger in the groups matcher selects and records those
// groups as paused, so triggers added to them later start paused. An equality matcher
// records its group even when it holds no triggers yet.
func (s *Store) PauseTriggers(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	var groups []string
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		var err error
		groups, err = s.pauseTriggers(ctx, matcher)
		return err
	})
	return groups, err
}

func (s *Store) pauseTriggers(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	keys, err := s.backend.TriggerKeys(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list triggers")
	}
	groups := make(map[string]struct{})
	if matcher.Operator == MatchEquals {
		groups[matcher.Value] = struct{}{}
	}
	for _, key := range keys {
		if !matcher.Matches(key.Group) {
			continue
		}
		groups[key.Group] = struct{}{}
		if err := s.pauseTrigger(ctx, key); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(groups))
	for group := range groups {
		if err := s.backend.AddPausedTriggerGroup(ctx, group); err != nil {
			return nil, wrapPersistence(err, "mark trigger group %s paused", group)
		}
		out = append(out, group)
	}
	sort.Strings(out)
	return out, nil
}

// PauseJob pauses every trigger of a job.
func (s *Store) PauseJob(ctx context.Context, jobKey Key) error {
	return s.withLock(ctx, LockAllGroupsPaused, func() error {
		return s.pauseJob(ctx, jobKey)
	})
}

func (s *Store) pauseJob(ctx context.Context, jobKey Key) error {
	recs, err := s.backend.TriggersForJob(ctx, jobKey)
	if err != nil {
		return wrapPersistence(err, "load triggers of job %s", jobKey)
	}
	for _, rec := range recs {
		if err := s.pauseTrigger(ctx, rec.Trigger.Key()); err != nil {
			return err
		}
	}
	return nil
}

// PauseJobs pauses the triggers of every job in the groups matcher selects and records
// those job groups as paused.
func (s *Store) PauseJobs(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	var out []string
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		keys, err := s.backend.JobKeys(ctx)
		if err != nil {
			return wrapPersistence(err, "list jobs")
		}
		groups := make(map[string]struct{})
		if matcher.Operator == MatchEquals {
			groups[matcher.Value] = struct{}{}
		}
		for _, key := range keys {
			if !matcher.Matches(key.Group) {
				continue
			}
			groups[key.Group] = struct{}{}
			if err := s.pauseJob(ctx, key); err != nil {
				return err
			}
		}
		for group := range groups {
			if err := s.backend.AddPausedJobGroup(ctx, group); err != nil {
				return wrapPersistence(err, "mark job group %s paused", group)
			}
			out = append(out, group)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

// PauseAll pauses every trigger group and records the all-groups marker, so triggers
// stored into new groups start paused too.
func (s *Store) PauseAll(ctx context.Context) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		if _, err := s.pauseTriggers(ctx, AnyGroup()); err != nil {
			return err
		}
		return wrapPersistence(s.backend.AddPausedTriggerGroup(ctx, AllGroupsPaused), "mark all groups paused")
	})
}

// ResumeTrigger resumes a paused trigger. It returns to WAITING, or BLOCKED while its
// job is running; a fire time missed while paused is handled as a misfire first.
func (s *Store) ResumeTrigger(ctx context.Context, key Key) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		return s.resumeTrigger(ctx, key)
	})
}

func (s *Store) resumeTrigger(ctx context.Context, key Key) error {
	rec, err := s.backend.Trigger(ctx, key)
	if err != nil {
		return wrapPersistence(err, "load trigger %s", key)
	}
	if rec == nil || (rec.State != StatePaused && rec.State != StatePausedBlocked) {
		return nil
	}

	job, err := s.backend.Job(ctx, rec.Trigger.JobKey())
	if err != nil {
		return wrapPersistence(err, "load job %s", rec.Trigger.JobKey())
	}
	blocked, err := s.jobBlocked(ctx, job)
	if err != nil {
		return err
	}
	from := rec.State
	rec.State = StateWaiting
	if blocked {
		rec.State = StateBlocked
	}

	cal, err := s.triggerCalendar(ctx, rec.Trigger)
	if err != nil {
		return err
	}
	s.applyMisfire(rec, cal, s.clock.Now())

	if _, err := s.backend.PutTrigger(ctx, rec, from); err != nil {
		return wrapPersistence(err, "resume trigger %s", key)
	}
	s.signaler.SchedulingChanged(rec.Trigger.NextFireTime())
	return nil
}

// ResumeTriggers resumes every trigger in the groups matcher selects and clears their
// pause markers. Triggers whose job group is paused stay paused.
func (s *Store) ResumeTriggers(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	var groups []string
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		var err error
		groups, err = s.resumeTriggers(ctx, matcher)
		return err
	})
	return groups, err
}

func (s *Store) resumeTriggers(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	groups := make(map[string]struct{})
	paused, err := s.backend.PausedTriggerGroups(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list paused trigger groups")
	}
	for _, group := range paused {
		if group != AllGroupsPaused && matcher.Matches(group) {
			groups[group] = struct{}{}
		}
	}

	keys, err := s.backend.TriggerKeys(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list triggers")
	}
	for _, key := range keys {
		if !matcher.Matches(key.Group) {
			continue
		}
		groups[key.Group] = struct{}{}
		rec, err := s.backend.Trigger(ctx, key)
		if err != nil {
			return nil, wrapPersistence(err, "load trigger %s", key)
		}
		if rec == nil {
			continue
		}
		jobPaused, err := s.backend.IsJobGroupPaused(ctx, rec.Trigger.JobKey().Group)
		if err != nil {
			return nil, wrapPersistence(err, "check paused job group %s", rec.Trigger.JobKey().Group)
		}
		if jobPaused {
			continue
		}
		if err := s.resumeTrigger(ctx, key); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(groups))
	for group := range groups {
		if err := s.backend.RemovePausedTriggerGroup(ctx, group); err != nil {
			return nil, wrapPersistence(err, "unmark trigger group %s", group)
		}
		out = append(out, group)
	}
	sort.Strings(out)
	return out, nil
}

// ResumeJob resumes every trigger of a job.
func (s *Store) ResumeJob(ctx context.Context, jobKey Key) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		return s.resumeJob(ctx, jobKey)
	})
}

func (s *Store) resumeJob(ctx context.Context, jobKey Key) error {
	recs, err := s.backend.TriggersForJob(ctx, jobKey)
	if err != nil {
		return wrapPersistence(err, "load triggers of job %s", jobKey)
	}
	for _, rec := range recs {
		if err := s.resumeTrigger(ctx, rec.Trigger.Key()); err != nil {
			return err
		}
	}
	return nil
}

// ResumeJobs resumes the triggers of every job in the groups matcher selects and
// clears those job groups' pause markers.
func (s *Store) ResumeJobs(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	var out []string
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		groups := make(map[string]struct{})
		paused, err := s.backend.PausedJobGroups(ctx)
		if err != nil {
			return wrapPersistence(err, "list paused job groups")
		}
		for _, group := range paused {
			if matcher.Matches(group) {
				groups[group] = struct{}{}
			}
		}
		keys, err := s.backend.JobKeys(ctx)
		if err != nil {
			return wrapPersistence(err, "list jobs")
		}
		for _, key := range keys {
			if !matcher.Matches(key.Group) {
				continue
			}
			groups[key.Group] = struct{}{}
			if err := s.resumeJob(ctx, key); err != nil {
				return err
			}
		}
		for group := range groups {
			if err := s.backend.RemovePausedJobGroup(ctx, group); err != nil {
				return wrapPersistence(err, "unmark job group %s", group)
			}
			out = append(out, group)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

// ResumeAll clears every pause marker and resumes every paused trigger.
func (s *Store) ResumeAll(ctx context.Context) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		jobGroups, err := s.backend.PausedJobGroups(ctx)
		if err != nil {
			return wrapPersistence(err, "list paused job groups")
		}
		for _, group := range jobGroups {
			if err := s.backend.RemovePausedJobGroup(ctx, group); err != nil {
				return wrapPersistence(err, "unmark job group %s", group)
			}
		}
		if _, err := s.resumeTriggers(ctx, AnyGroup()); err != nil {
			return err
		}
		triggerGroups, err := s.backend.PausedTriggerGroups(ctx)
		if err != nil {
			return wrapPersistence(err, "list paused trigger groups")
		}
		for _, group := range triggerGroups {
			if err := s.backend.RemovePausedTriggerGroup(ctx, group); err != nil {
				return wrapPersistence(err, "unmark trigger group %s", group)
			}
		}
		s.logger.Debug("resumed all trigger groups", zap.Int("markers", len(triggerGroups)+len(jobGroups)))
		return nil
	})
}

// PausedTriggerGroups returns the recorded trigger-group pause markers.
func (s *Store) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	groups, err := s.backend.PausedTriggerGroups(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list paused trigger groups")
	}
	sort.Strings(groups)
	return groups, nil
}

// PausedJobGroups returns the recorded job-group pause markers.
func (s *Store) PausedJobGroups(ctx context.Context) ([]string, error) {
	groups, err := s.backend.PausedJobGroups(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list paused job groups")
	}
	sort.Strings(groups)
	return groups, nil
}

// ResetTriggerFromErrorState puts an ERROR trigger back into the state it would have
// if it were stored now: WAITING, PAUSED, BLOCKED or PAUSED_BLOCKED.
func (s *Store) ResetTriggerFromErrorState(ctx context.Context, key Key) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		rec, err := s.backend.Trigger(ctx, key)
		if err != nil {
			return wrapPersistence(err, "load trigger %s", key)
		}
		if rec == nil || rec.State != StateError {
			return nil
		}
		job, err := s.backend.Job(ctx, rec.Trigger.JobKey())
		if err != nil {
			return wrapPersistence(err, "load job %s", rec.Trigger.JobKey())
		}
		state := StateWaiting
		if job != nil {
			if state, err = s.initialState(ctx, rec.Trigger, job); err != nil {
				return err
			}
		}
		if _, err := s.backend.UpdateTriggerState(ctx, key, state, "", StateError); err != nil {
			return wrapPersistence(err, "reset trigger %s", key)
		}
		s.signaler.SchedulingChanged(rec.Trigger.NextFireTime())
		return nil
	})
}

package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// StoreConfig holds the configuration for a Store.
type StoreConfig struct {
	// Backend persists the records. Required.
	Backend Backend

	// Locker serializes store operations.
	// Default: a process-local locker
	Locker Locker

	// InstanceID identifies this scheduler in fired-trigger records.
	// Default: "NON_CLUSTERED"
	InstanceID string

	// MisfireThreshold is how late a trigger may be before it counts as misfired.
	// Default: 60 seconds
	MisfireThreshold time.Duration

	// Clock supplies the current time.
	// Default: the real clock
	Clock clockwork.Clock

	// Logger receives store diagnostics.
	// Default: a no-op logger
	Logger *zap.Logger
}

// Store implements JobStore and the management operations on top of a Backend. All
// state transitions happen here; backends only persist records.
type Store struct {
	backend          Backend
	locker           Locker
	instanceID       string
	misfireThreshold time.Duration
	clock            clockwork.Clock
	logger           *zap.Logger
	signaler         Signaler
}

// NewStore creates a Store with the given configuration.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Backend == nil {
		return nil, errors.New("backend is required")
	}

	// Set defaults
	if config.Locker == nil {
		config.Locker = NewLocalLocker()
	}
	if config.InstanceID == "" {
		config.InstanceID = "NON_CLUSTERED"
	}
	if config.MisfireThreshold <= 0 {
		config.MisfireThreshold = 60 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Store{
		backend:          config.Backend,
		locker:           config.Locker,
		instanceID:       config.InstanceID,
		misfireThreshold: config.MisfireThreshold,
		clock:            config.Clock,
		logger:           config.Logger.Named("jobstore"),
		signaler:         nopSignaler{},
	}, nil
}

// SetSignaler registers the receiver of misfire, finalization and scheduling-change
// notifications. The scheduler calls it when it is created.
func (s *Store) SetSignaler(signaler Signaler) {
	if signaler == nil {
		signaler = nopSignaler{}
	}
	s.signaler = signaler
}

// MisfireThreshold returns the configured misfire threshold.
func (s *Store) MisfireThreshold() time.Duration {
	return s.misfireThreshold
}

// InstanceID returns the instance id written into fired-trigger records.
func (s *Store) InstanceID() string {
	return s.instanceID
}

type nopSignaler struct{}

func (nopSignaler) TriggerMisfired(Trigger)      {}
func (nopSignaler) TriggerFinalized(Trigger)     {}
func (nopSignaler) SchedulingChanged(*time.Time) {}

// withLock runs fn while holding the named lock.
func (s *Store) withLock(ctx context.Context, name string, fn func() error) (err error) {
	lock, err := s.locker.Lock(ctx, name)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			return err
		}
		return errors.Mark(errors.Wrapf(err, "acquire lock %s", name), ErrLockTimeout)
	}
	defer func() {
		// Release even when ctx was canceled while fn ran.
		if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			s.logger.Warn("failed to release lock", zap.String("lock", name), zap.Error(uerr))
			if err == nil {
				err = wrapPersistence(uerr, "release lock %s", name)
			}
		}
	}()
	return fn()
}

// StoreJob stores job. With replace false an existing job of the same key is an
// ErrObjectAlreadyExists error.
func (s *Store) StoreJob(ctx context.Context, job *JobDetail, replace bool) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return s.withLock(ctx, LockTriggerAccess, func() error {
		return s.storeJob(ctx, job, replace)
	})
}

func (s *Store) storeJob(ctx context.Context, job *JobDetail, replace bool) error {
	if !replace {
		existing, err := s.backend.Job(ctx, job.Key)
		if err != nil {
			return wrapPersistence(err, "load job %s", job.Key)
		}
		if existing != nil {
			return alreadyExistsErrorf("job %s already exists", job.Key)
		}
	}
	return wrapPersistence(s.backend.PutJob(ctx, job.Clone()), "store job %s", job.Key)
}

// StoreTrigger stores trigger, whose job must already be stored. The trigger starts
// WAITING unless its group is paused or its job is blocked.
func (s *Store) StoreTrigger(ctx context.Context, trigger Trigger, replace bool) error {
	if err := trigger.Validate(); err != nil {
		return err
	}
	return s.withLock(ctx, LockTriggerAccess, func() error {
		return s.storeTrigger(ctx, trigger, replace)
	})
}

func (s *Store) storeTrigger(ctx context.Context, trigger Trigger, replace bool) error {
	key := trigger.Key()
	if !replace {
		existing, err := s.backend.Trigger(ctx, key)
		if err != nil {
			return wrapPersistence(err, "load trigger %s", key)
		}
		if existing != nil {
			return alreadyExistsErrorf("trigger %s already exists", key)
		}
	}

	job, err := s.backend.Job(ctx, trigger.JobKey())
	if err != nil {
		return wrapPersistence(err, "load job %s", trigger.JobKey())
	}
	if job == nil {
		return persistenceErrorf("job %s referenced by trigger %s does not exist", trigger.JobKey(), key)
	}

	state, err := s.initialState(ctx, trigger, job)
	if err != nil {
		return err
	}
	rec := &TriggerRecord{Trigger: trigger.Clone(), State: state}
	if _, err := s.backend.PutTrigger(ctx, rec); err != nil {
		return wrapPersistence(err, "store trigger %s", key)
	}
	s.signaler.SchedulingChanged(trigger.NextFireTime())
	return nil
}

// initialState picks the state a newly stored trigger starts in.
func (s *Store) initialState(ctx context.Context, trigger Trigger, job *JobDetail) (TriggerState, error) {
	if trigger.NextFireTime() == nil {
		return StateComplete, nil
	}
	paused, err := s.triggerGroupPaused(ctx, trigger.Key().Group)
	if err != nil {
		return StateNone, err
	}
	if !paused {
		if paused, err = s.backend.IsJobGroupPaused(ctx, job.Key.Group); err != nil {
			return StateNone, wrapPersistence(err, "check paused job group %s", job.Key.Group)
		}
	}
	blocked, err := s.jobBlocked(ctx, job)
	if err != nil {
		return StateNone, err
	}
	switch {
	case paused && blocked:
		return StatePausedBlocked, nil
	case paused:
		return StatePaused, nil
	case blocked:
		return StateBlocked, nil
	}
	return StateWaiting, nil
}

func (s *Store) triggerGroupPaused(ctx context.Context, group string) (bool, error) {
	paused, err := s.backend.IsTriggerGroupPaused(ctx, group)
	if err != nil {
		return false, wrapPersistence(err, "check paused trigger group %s", group)
	}
	if paused {
		return true, nil
	}
	paused, err = s.backend.IsTriggerGroupPaused(ctx, AllGroupsPaused)
	return paused, wrapPersistence(err, "check paused trigger groups")
}

// jobBlocked reports whether a firing of a concurrency-disallowed job is in flight.
func (s *Store) jobBlocked(ctx context.Context, job *JobDetail) (bool, error) {
	if job == nil || !job.ConcurrentExecutionDisallowed {
		return false, nil
	}
	fired, err := s.backend.FiredTriggersForJob(ctx, job.Key)
	if err != nil {
		return false, wrapPersistence(err, "load fired triggers of job %s", job.Key)
	}
	return len(fired) > 0, nil
}

// StoreJobAndTrigger stores a new job and its first trigger.
func (s *Store) StoreJobAndTrigger(ctx context.Context, job *JobDetail, trigger Trigger) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := trigger.Validate(); err != nil {
		return err
	}
	return s.withLock(ctx, LockTriggerAccess, func() error {
		if err := s.storeJob(ctx, job, false); err != nil {
			return err
		}
		return s.storeTrigger(ctx, trigger, false)
	})
}

// JobWithTriggers pairs a job with the triggers to store alongside it.
type JobWithTriggers struct {
	Job      *JobDetail
	Triggers []Trigger
}

// StoreJobsAndTriggers stores every job and trigger. Without replace, nothing is
// stored when any of them already exists.
func (s *Store) StoreJobsAndTriggers(ctx context.Context, entries []JobWithTriggers, replace bool) error {
	for _, e := range entries {
		if err := e.Job.Validate(); err != nil {
			return err
		}
		for _, t := range e.Triggers {
			if err := t.Validate(); err != nil {
				return err
			}
		}
	}
	return s.withLock(ctx, LockTriggerAccess, func() error {
		if !replace {
			for _, e := range entries {
				if err := s.checkAbsent(ctx, e); err != nil {
					return err
				}
			}
		}
		for _, e := range entries {
			if err := s.storeJob(ctx, e.Job, true); err != nil {
				return err
			}
			for _, t := range e.Triggers {
				if err := s.storeTrigger(ctx, t, true); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) checkAbsent(ctx context.Context, e JobWithTriggers) error {
	job, err := s.backend.Job(ctx, e.Job.Key)
	if err != nil {
		return wrapPersistence(err, "load job %s", e.Job.Key)
	}
	if job != nil {
		return alreadyExistsErrorf("job %s already exists", e.Job.Key)
	}
	for _, t := range e.Triggers {
		rec, err := s.backend.Trigger(ctx, t.Key())
		if err != nil {
			return wrapPersistence(err, "load trigger %s", t.Key())
		}
		if rec != nil {
			return alreadyExistsErrorf("trigger %s already exists", t.Key())
		}
	}
	return nil
}

// RemoveJob deletes a job and all of its triggers.
func (s *Store) RemoveJob(ctx context.Context, key Key) (bool, error) {
	var found bool
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		var err error
		found, err = s.removeJob(ctx, key)
		return err
	})
	return found, err
}

func (s *Store) removeJob(ctx context.Context, key Key) (bool, error) {
	recs, err := s.backend.TriggersForJob(ctx, key)
	if err != nil {
		return false, wrapPersistence(err, "load triggers of job %s", key)
	}
	for _, rec := range recs {
		if _, err := s.backend.DeleteTrigger(ctx, rec.Trigger.Key()); err != nil {
			return false, wrapPersistence(err, "delete trigger %s", rec.Trigger.Key())
		}
	}
	found, err := s.backend.DeleteJob(ctx, key)
	return found, wrapPersistence(err, "delete job %s", key)
}

// RemoveJobs deletes every listed job. It reports whether all of them existed.
func (s *Store) RemoveJobs(ctx context.Context, keys []Key) (bool, error) {
	all := true
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		for _, key := range keys {
			found, err := s.removeJob(ctx, key)
			if err != nil {
				return err
			}
			all = all && found
		}
		return nil
	})
	return all, err
}

// RemoveTrigger deletes a trigger. Its job is deleted too when it is not durable and
// has no triggers left.
func (s *Store) RemoveTrigger(ctx context.Context, key Key) (bool, error) {
	var found bool
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		var err error
		found, err = s.removeTrigger(ctx, key, true)
		return err
	})
	return found, err
}

// RemoveTriggers deletes every listed trigger. It reports whether all of them existed.
func (s *Store) RemoveTriggers(ctx context.Context, keys []Key) (bool, error) {
	all := true
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		for _, key := range keys {
			found, err := s.removeTrigger(ctx, key, true)
			if err != nil {
				return err
			}
			all = all && found
		}
		return nil
	})
	return all, err
}

func (s *Store) removeTrigger(ctx context.Context, key Key, removeOrphanedJob bool) (bool, error) {
	rec, err := s.backend.Trigger(ctx, key)
	if err != nil {
		return false, wrapPersistence(err, "load trigger %s", key)
	}
	if rec == nil {
		return false, nil
	}
	found, err := s.backend.DeleteTrigger(ctx, key)
	if err != nil {
		return false, wrapPersistence(err, "delete trigger %s", key)
	}
	if !removeOrphanedJob {
		return found, nil
	}

	jobKey := rec.Trigger.JobKey()
	job, err := s.backend.Job(ctx, jobKey)
	if err != nil {
		return found, wrapPersistence(err, "load job %s", jobKey)
	}
	if job == nil || job.Durable {
		return found, nil
	}
	remaining, err := s.backend.TriggersForJob(ctx, jobKey)
	if err != nil {
		return found, wrapPersistence(err, "load triggers of job %s", jobKey)
	}
	if len(remaining) == 0 {
		if _, err := s.backend.DeleteJob(ctx, jobKey); err != nil {
			return found, wrapPersistence(err, "delete orphaned job %s", jobKey)
		}
		s.logger.Debug("removed orphaned job", zap.Stringer("job", jobKey))
	}
	return found, nil
}

// ReplaceTrigger swaps the trigger stored under key for trigger, which must point at
// the same job. It reports false when no trigger was stored under key.
func (s *Store) ReplaceTrigger(ctx context.Context, key Key, trigger Trigger) (bool, error) {
	if err := trigger.Validate(); err != nil {
		return false, err
	}
	var found bool
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		old, err := s.backend.Trigger(ctx, key)
		if err != nil {
			return wrapPersistence(err, "load trigger %s", key)
		}
		if old == nil {
			return nil
		}
		if old.Trigger.JobKey() != trigger.JobKey() {
			return persistenceErrorf("new trigger %s is not related to the same job as trigger %s", trigger.Key(), key)
		}
		if _, err := s.removeTrigger(ctx, key, false); err != nil {
			return err
		}
		found = true
		return s.storeTrigger(ctx, trigger, false)
	})
	return found, err
}

// RetrieveJob returns a copy of the stored job, or nil.
func (s *Store) RetrieveJob(ctx context.Context, key Key) (*JobDetail, error) {
	job, err := s.backend.Job(ctx, key)
	return job, wrapPersistence(err, "load job %s", key)
}

// RetrieveTrigger returns a copy of the stored trigger, or nil.
func (s *Store) RetrieveTrigger(ctx context.Context, key Key) (Trigger, error) {
	rec, err := s.backend.Trigger(ctx, key)
	if err != nil {
		return nil, wrapPersistence(err, "load trigger %s", key)
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Trigger, nil
}

// CheckJobExists reports whether a job is stored under key.
func (s *Store) CheckJobExists(ctx context.Context, key Key) (bool, error) {
	job, err := s.RetrieveJob(ctx, key)
	return job != nil, err
}

// CheckTriggerExists reports whether a trigger is stored under key.
func (s *Store) CheckTriggerExists(ctx context.Context, key Key) (bool, error) {
	t, err := s.RetrieveTrigger(ctx, key)
	return t != nil, err
}

// TriggerState returns the trigger's state, StateNone when it does not exist.
func (s *Store) TriggerState(ctx context.Context, key Key) (TriggerState, error) {
	rec, err := s.backend.Trigger(ctx, key)
	if err != nil {
		return StateNone, wrapPersistence(err, "load trigger %s", key)
	}
	if rec == nil {
		return StateNone, nil
	}
	return rec.State, nil
}

// TriggerRecord returns the stored record, including any error message, or nil.
func (s *Store) TriggerRecord(ctx context.Context, key Key) (*TriggerRecord, error) {
	rec, err := s.backend.Trigger(ctx, key)
	return rec, wrapPersistence(err, "load trigger %s", key)
}

// TriggersForJob returns copies of every trigger of a job.
func (s *Store) TriggersForJob(ctx context.Context, jobKey Key) ([]Trigger, error) {
	recs, err := s.backend.TriggersForJob(ctx, jobKey)
	if err != nil {
		return nil, wrapPersistence(err, "load triggers of job %s", jobKey)
	}
	out := make([]Trigger, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Trigger)
	}
	return out, nil
}

// JobKeys returns the keys of jobs whose group matcher selects.
func (s *Store) JobKeys(ctx context.Context, matcher GroupMatcher) ([]Key, error) {
	keys, err := s.backend.JobKeys(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list jobs")
	}
	return filterKeys(keys, matcher), nil
}

// TriggerKeys returns the keys of triggers whose group matcher selects.
func (s *Store) TriggerKeys(ctx context.Context, matcher GroupMatcher) ([]Key, error) {
	keys, err := s.backend.TriggerKeys(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list triggers")
	}
	return filterKeys(keys, matcher), nil
}

// JobGroupNames returns the distinct groups of stored jobs.
func (s *Store) JobGroupNames(ctx context.Context) ([]string, error) {
	keys, err := s.backend.JobKeys(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list jobs")
	}
	return groupNames(keys), nil
}

// TriggerGroupNames returns the distinct groups of stored triggers.
func (s *Store) TriggerGroupNames(ctx context.Context) ([]string, error) {
	keys, err := s.backend.TriggerKeys(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list triggers")
	}
	return groupNames(keys), nil
}

// NumberOfJobs returns the number of stored jobs.
func (s *Store) NumberOfJobs(ctx context.Context) (int, error) {
	keys, err := s.backend.JobKeys(ctx)
	return len(keys), wrapPersistence(err, "list jobs")
}

// NumberOfTriggers returns the number of stored triggers.
func (s *Store) NumberOfTriggers(ctx context.Context) (int, error) {
	keys, err := s.backend.TriggerKeys(ctx)
	return len(keys), wrapPersistence(err, "list triggers")
}

// NumberOfCalendars returns the number of stored calendars.
func (s *Store) NumberOfCalendars(ctx context.Context) (int, error) {
	names, err := s.backend.CalendarNames(ctx)
	return len(names), wrapPersistence(err, "list calendars")
}

// StoreCalendar stores cal under name. When it replaces an existing calendar and
// updateTriggers is set, triggers using it recompute their next fire time.
func (s *Store) StoreCalendar(ctx context.Context, name string, cal Calendar, replace, updateTriggers bool) error {
	if name == "" {
		return validationErrorf("calendar name cannot be empty")
	}
	if cal == nil {
		return validationErrorf("calendar %q is nil", name)
	}
	return s.withLock(ctx, LockTriggerAccess, func() error {
		existing, err := s.backend.Calendar(ctx, name)
		if err != nil {
			return wrapPersistence(err, "load calendar %s", name)
		}
		if existing != nil && !replace {
			return alreadyExistsErrorf("calendar %s already exists", name)
		}
		if err := s.backend.PutCalendar(ctx, name, cal); err != nil {
			return wrapPersistence(err, "store calendar %s", name)
		}
		if existing == nil || !updateTriggers {
			return nil
		}

		recs, err := s.backend.TriggersForCalendar(ctx, name)
		if err != nil {
			return wrapPersistence(err, "load triggers of calendar %s", name)
		}
		now := s.clock.Now()
		for _, rec := range recs {
			rec.Trigger.UpdateWithNewCalendar(cal, s.misfireThreshold, now)
			if rec.Trigger.NextFireTime() == nil && rec.State == StateWaiting {
				rec.State = StateComplete
			}
			if _, err := s.backend.PutTrigger(ctx, rec); err != nil {
				return wrapPersistence(err, "update trigger %s", rec.Trigger.Key())
			}
		}
		if len(recs) > 0 {
			s.signaler.SchedulingChanged(nil)
		}
		return nil
	})
}

// RemoveCalendar deletes a calendar that no trigger references.
func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var found bool
	err := s.withLock(ctx, LockTriggerAccess, func() error {
		recs, err := s.backend.TriggersForCalendar(ctx, name)
		if err != nil {
			return wrapPersistence(err, "load triggers of calendar %s", name)
		}
		if len(recs) > 0 {
			return persistenceErrorf("calendar %s cannot be removed while %d trigger(s) reference it", name, len(recs))
		}
		found, err = s.backend.DeleteCalendar(ctx, name)
		return wrapPersistence(err, "delete calendar %s", name)
	})
	return found, err
}

// RetrieveCalendar returns the named calendar, or nil.
func (s *Store) RetrieveCalendar(ctx context.Context, name string) (Calendar, error) {
	cal, err := s.backend.Calendar(ctx, name)
	return cal, wrapPersistence(err, "load calendar %s", name)
}

// CalendarNames returns the names of all stored calendars.
func (s *Store) CalendarNames(ctx context.Context) ([]string, error) {
	names, err := s.backend.CalendarNames(ctx)
	if err != nil {
		return nil, wrapPersistence(err, "list calendars")
	}
	sort.Strings(names)
	return names, nil
}

// ClearAllSchedulingData removes every job, trigger, calendar, pause marker and fired
// record.
func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	return s.withLock(ctx, LockTriggerAccess, func() error {
		return wrapPersistence(s.backend.Clear(ctx), "clear store")
	})
}

func filterKeys(keys []Key, matcher GroupMatcher) []Key {
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if matcher.Matches(k.Group) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

func groupNames(keys []Key) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range keys {
		if _, ok := seen[k.Group]; ok {
			continue
		}
		seen[k.Group] = struct{}{}
		out = append(out, k.Group)
	}
	sort.Strings(out)
	return out
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}

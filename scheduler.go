package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var _ JobStore = (*Store)(nil)

// Config holds the configuration for a Scheduler.
type Config struct {
	// Store holds jobs, triggers and calendars. Required.
	Store *Store

	// JobFactory turns stored job details into runnable jobs. Required.
	JobFactory JobFactory

	// Event Handlers (all optional)

	// OnStart is called when the scheduler starts, after the store recovered.
	OnStart func(ctx context.Context) error

	// OnStop is called when the scheduler stops, after running jobs finished.
	OnStop func(ctx context.Context) error

	// OnIdle is called when a cycle finds no trigger to fire. It's only called once
	// when transitioning to idle.
	OnIdle func(ctx context.Context) error

	// OnError is called for errors raised by the loop or while completing a firing.
	// Errors returned by jobs are not reported here.
	OnError func(ctx context.Context, err error)

	// Timing Configuration

	// SleepTime is the length of one scheduling cycle: each cycle acquires triggers due
	// within it and then sleeps for the rest of it.
	// Default: 5 seconds
	SleepTime time.Duration

	// TimeWindow lets a cycle acquire triggers due up to this much after the cycle end.
	// Default: 0
	TimeWindow time.Duration

	// MaxBatchSize caps the triggers acquired per cycle.
	// Default: 1
	MaxBatchSize int

	// ThreadCount is the number of jobs that may run at once. With 1, jobs run on the
	// scheduling goroutine.
	// Default: 10
	ThreadCount int

	// MaxWaitForFireTime bounds how far ahead of its scheduled time a firing may be
	// handed out; firings further out put their trigger in the ERROR state.
	// Default: 2 minutes
	MaxWaitForFireTime time.Duration

	// Clock supplies the current time.
	// Default: the store's clock
	Clock clockwork.Clock

	// Logger receives scheduler diagnostics.
	// Default: a no-op logger
	Logger *zap.Logger

	// Metrics records scheduler activity. Optional.
	Metrics *Metrics
}

// Scheduler fires the triggers held by a Store and runs their jobs.
type Scheduler struct {
	store     *Store
	config    Config
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *Metrics
	listeners listeners
	sem       *semaphore.Weighted

	// State tracking
	running  atomic.Bool
	idle     atomic.Bool
	shutdown atomic.Bool

	// signal wakes the loop early after a scheduling change.
	signal chan struct{}

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	jobCtx   context.Context
	wg       sync.WaitGroup
	jobs     sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Scheduler with the given configuration and registers it as the
// store's signaler.
func New(config Config) (*Scheduler, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.JobFactory == nil {
		return nil, errors.New("job factory is required")
	}

	// Set defaults
	if config.SleepTime <= 0 {
		config.SleepTime = 5 * time.Second
	}
	if config.TimeWindow < 0 {
		config.TimeWindow = 0
	}
	if config.MaxBatchSize < 1 {
		config.MaxBatchSize = 1
	}
	if config.ThreadCount < 1 {
		config.ThreadCount = 10
	}
	if config.MaxWaitForFireTime <= 0 {
		config.MaxWaitForFireTime = 2 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = config.Store.clock
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &Scheduler{
		store:   config.Store,
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger.Named("scheduler"),
		metrics: config.Metrics,
		signal:  make(chan struct{}, 1),
	}
	if config.ThreadCount > 1 {
		s.sem = semaphore.NewWeighted(int64(config.ThreadCount))
	}
	config.Store.SetSignaler(s)
	return s, nil
}

// Start recovers the store and begins firing triggers.
// It's safe to call Start multiple times; subsequent calls are no-ops. A stopped
// scheduler cannot be restarted.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.shutdown.Load() {
		return ErrSchedulerStopped
	}
	// Only start once
	if s.running.Swap(true) {
		return nil
	}

	// Jobs see the caller's context; the loop's is canceled by Stop.
	s.jobCtx = ctx
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.store.SchedulerStarted(s.ctx); err != nil {
		s.running.Store(false)
		return errors.Wrap(err, "job store recovery failed")
	}

	// Call OnStart handler
	if s.config.OnStart != nil {
		if err := s.config.OnStart(s.ctx); err != nil {
			s.running.Store(false)
			return errors.Wrap(err, "OnStart handler failed")
		}
	}

	s.logger.Info("scheduler started",
		zap.String("instance", s.store.InstanceID()),
		zap.Int("threads", s.config.ThreadCount),
		zap.Duration("sleepTime", s.config.SleepTime),
	)

	// Start the scheduling loop
	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop stops the scheduling loop and waits for running jobs to finish.
// It's safe to call Stop multiple times.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		// Signal shutdown
		s.shutdown.Store(true)
		s.running.Store(false)
		if s.cancel != nil {
			s.cancel()
		}

		// Wait for the loop and running jobs
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			s.jobs.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Clean shutdown
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		// Call OnStop handler
		if s.config.OnStop != nil {
			if stopErr := s.config.OnStop(context.Background()); stopErr != nil && err == nil {
				err = errors.Wrap(stopErr, "OnStop handler failed")
			}
		}
		s.logger.Info("scheduler stopped")
	})
	return err
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// IsIdle returns true if the last cycle found no trigger to fire.
func (s *Scheduler) IsIdle() bool {
	return s.idle.Load()
}

// run is the main scheduling loop.
func (s *Scheduler) run() {
	defer s.wg.Done()

	for s.running.Load() {
		if s.ctx.Err() != nil {
			return
		}
		s.cycle()
	}
}

// cycle acquires the triggers due in the next SleepTime, fires them, hands the
// firings to the run shell and sleeps for what is left of the cycle.
func (s *Scheduler) cycle() {
	cycleStart := s.clock.Now()

	available := s.availableThreads()
	if available == 0 {
		return
	}

	noLaterThan := cycleStart.Add(s.config.SleepTime)
	triggers, err := s.store.AcquireNextTriggers(s.ctx, noLaterThan, available, s.config.TimeWindow)
	if err != nil {
		s.handleError(errors.Wrap(err, "failed to acquire triggers"))
		s.sleepUntil(cycleStart.Add(s.config.SleepTime))
		return
	}
	s.metrics.recordAcquired(len(triggers))

	// No trigger available
	if len(triggers) == 0 {
		// Trigger OnIdle only once when transitioning to idle state
		if !s.idle.Swap(true) && s.config.OnIdle != nil {
			if err := s.config.OnIdle(s.ctx); err != nil {
				s.handleError(errors.Wrap(err, "OnIdle handler failed"))
			}
		}
		s.sleepUntil(cycleStart.Add(s.config.SleepTime))
		return
	}

	// We have triggers, no longer idle
	s.idle.Store(false)

	storeCtx := context.WithoutCancel(s.ctx)
	firings, err := s.store.TriggersFired(storeCtx, triggers, noLaterThan.Add(s.config.TimeWindow))
	if err != nil {
		s.handleError(errors.Wrap(err, "failed to fire triggers"))
	}
	s.releaseUnfired(storeCtx, triggers, firings)

	sortFirings(firings)
	s.metrics.recordFired(len(firings))
	for _, fired := range firings {
		s.dispatch(fired)
	}

	s.sleepUntil(cycleStart.Add(s.config.SleepTime))
}

// availableThreads blocks until at least one worker is free and returns how many
// triggers the cycle may acquire. It returns 0 when the scheduler is stopping.
func (s *Scheduler) availableThreads() int {
	if s.sem == nil {
		return 1
	}
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return 0
	}
	n := 1
	for n < s.config.MaxBatchSize && s.sem.TryAcquire(1) {
		n++
	}
	s.sem.Release(int64(n))
	return n
}

// releaseUnfired returns acquired triggers that produced no firing, e.g. because
// their calendar disappeared.
func (s *Scheduler) releaseUnfired(ctx context.Context, acquired []Trigger, firings []*FiredTrigger) {
	fired := make(map[Key]struct{}, len(firings))
	for _, f := range firings {
		fired[f.Trigger.Key()] = struct{}{}
	}
	for _, t := range acquired {
		if _, ok := fired[t.Key()]; ok {
			continue
		}
		if err := s.store.ReleaseAcquiredTrigger(ctx, t); err != nil {
			s.handleError(errors.Wrapf(err, "failed to release trigger %s", t.Key()))
		}
	}
}

// sortFirings orders firings by scheduled time, higher priority first on ties.
func sortFirings(firings []*FiredTrigger) {
	sort.SliceStable(firings, func(i, j int) bool {
		a, b := firings[i], firings[j]
		if !a.ScheduledFireTime.Equal(b.ScheduledFireTime) {
			return a.ScheduledFireTime.Before(b.ScheduledFireTime)
		}
		return a.Trigger.Base().Priority > b.Trigger.Base().Priority
	})
}

// dispatch runs a firing on the scheduling goroutine, or on a worker when the
// scheduler has more than one thread.
func (s *Scheduler) dispatch(fired *FiredTrigger) {
	if s.sem == nil {
		s.runShell(fired)
		return
	}
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.release(context.WithoutCancel(s.ctx), fired)
		return
	}
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer s.sem.Release(1)
		s.runShell(fired)
	}()
}

// sleepUntil waits until deadline, a scheduling change or Stop.
func (s *Scheduler) sleepUntil(deadline time.Time) {
	wait := deadline.Sub(s.clock.Now())
	if wait <= 0 {
		return
	}
	timer := s.clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.Chan():
	case <-s.signal:
	case <-s.ctx.Done():
	}
}

// TriggerMisfired implements Signaler.
func (s *Scheduler) TriggerMisfired(trigger Trigger) {
	s.metrics.recordMisfire()
	s.logger.Info("trigger misfired",
		zap.Stringer("trigger", trigger.Key()),
		zap.Int("misfireInstruction", int(trigger.Base().MisfireInstruction)),
	)
	for _, l := range s.listeners.forTrigger(trigger.Key().Group) {
		l.TriggerMisfired(trigger)
	}
}

// TriggerFinalized implements Signaler.
func (s *Scheduler) TriggerFinalized(trigger Trigger) {
	s.logger.Debug("trigger finalized", zap.Stringer("trigger", trigger.Key()))
}

// SchedulingChanged implements Signaler.
func (s *Scheduler) SchedulingChanged(*time.Time) {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// handleError logs err and calls the OnError handler if configured.
func (s *Scheduler) handleError(err error) {
	s.logger.Error("scheduler error", zap.Error(err))
	if s.config.OnError != nil {
		s.config.OnError(s.ctx, err)
	}
}

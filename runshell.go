package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// runShell executes one firing: it resolves the job, waits for the scheduled time,
// consults listeners, runs the job (again while it asks to be re-executed) and hands
// the resulting instruction to the store.
func (s *Scheduler) runShell(fired *FiredTrigger) {
	ctx := s.jobCtx
	storeCtx := context.WithoutCancel(ctx)
	log := s.logger.With(
		zap.Stringer("trigger", fired.Trigger.Key()),
		zap.Stringer("job", fired.JobKey),
		zap.String("fireInstanceId", fired.FireInstanceID),
	)

	job, cal, err := s.resolve(storeCtx, fired)
	if err != nil {
		log.Error("failed to resolve firing", zap.Error(err))
		s.complete(storeCtx, fired, nil, InstructionSetAllJobTriggersError, err.Error())
		return
	}
	instance, err := s.config.JobFactory.NewJob(job)
	if err != nil {
		err = errors.Wrapf(err, "instantiate job %s", job.Key)
		log.Error("failed to instantiate job", zap.Error(err))
		s.complete(storeCtx, fired, nil, InstructionSetAllJobTriggersError, err.Error())
		return
	}

	ec := newExecutionContext(job, fired, cal, s.clock.Now())

	if err := s.waitForFireTime(fired); err != nil {
		if errors.Is(err, ErrSchedulerStopped) {
			log.Info("scheduler stopped before firing time, firing released")
			s.release(storeCtx, fired)
			return
		}
		log.Error("firing handed out too early", zap.Error(err))
		s.complete(storeCtx, fired, nil, InstructionSetTriggerError, err.Error())
		return
	}
	ec.FireTime = s.clock.Now()

	for {
		if s.notifyTriggerFired(ctx, ec) {
			log.Info("job execution vetoed")
			for _, l := range s.listeners.forJob(job.Key.Group) {
				l.JobExecutionVetoed(ctx, ec)
			}
			s.metrics.recordExecution(OutcomeVetoed, 0)
			s.complete(storeCtx, fired, nil, fired.Trigger.ExecutionComplete(ec), "")
			return
		}

		for _, l := range s.listeners.forJob(job.Key.Group) {
			l.JobToBeExecuted(ctx, ec)
		}

		start := s.clock.Now()
		ec.Err = s.execute(ctx, instance, ec)
		ec.JobRunTime = s.clock.Since(start)
		if ec.Err != nil {
			log.Warn("job returned an error", zap.Error(ec.Err), zap.Int("refireCount", ec.RefireCount))
		}

		for _, l := range s.listeners.forJob(job.Key.Group) {
			l.JobWasExecuted(ctx, ec, ec.Err)
		}

		instr := fired.Trigger.ExecutionComplete(ec)
		for _, l := range s.listeners.forTrigger(fired.Trigger.Key().Group) {
			l.TriggerComplete(ctx, ec.Trigger, ec, instr)
		}
		s.metrics.recordExecution(executionOutcome(ec, instr), ec.JobRunTime)

		if instr == InstructionReExecuteJob {
			log.Debug("re-executing job", zap.Int("refireCount", ec.RefireCount+1))
			ec.RefireCount++
			ec.Err = nil
			ec.Result = nil
			continue
		}

		s.complete(storeCtx, fired, ec.JobDetail, instr, "")
		return
	}
}

// resolve loads the firing's job and calendar.
func (s *Scheduler) resolve(ctx context.Context, fired *FiredTrigger) (*JobDetail, Calendar, error) {
	job, err := s.store.RetrieveJob(ctx, fired.JobKey)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, errors.Mark(errors.Newf("job %s not found", fired.JobKey), ErrJobNotFound)
	}
	name := fired.Trigger.Base().CalendarName
	if name == "" {
		return job, nil, nil
	}
	cal, err := s.store.RetrieveCalendar(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if cal == nil {
		return nil, nil, errors.Mark(errors.Newf("calendar %s not found", name), ErrCalendarNotFound)
	}
	return job, cal, nil
}

// waitForFireTime sleeps until the firing's scheduled time. Firings scheduled further
// out than MaxWaitForFireTime are refused.
func (s *Scheduler) waitForFireTime(fired *FiredTrigger) error {
	wait := fired.ScheduledFireTime.Sub(s.clock.Now())
	if wait <= 0 {
		return nil
	}
	if wait > s.config.MaxWaitForFireTime {
		return errors.Newf("scheduled fire time %s is %s away, beyond the %s limit",
			fired.ScheduledFireTime, wait, s.config.MaxWaitForFireTime)
	}
	timer := s.clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-s.ctx.Done():
		return ErrSchedulerStopped
	}
}

// notifyTriggerFired informs trigger listeners and reports whether any vetoed.
func (s *Scheduler) notifyTriggerFired(ctx context.Context, ec *ExecutionContext) bool {
	vetoed := false
	for _, l := range s.listeners.forTrigger(ec.Trigger.Key().Group) {
		l.TriggerFired(ctx, ec.Trigger, ec)
		if l.VetoJobExecution(ctx, ec.Trigger, ec) {
			vetoed = true
		}
	}
	return vetoed
}

// execute runs the job, turning a panic into an error.
func (s *Scheduler) execute(ctx context.Context, job Job, ec *ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job panicked: %v", r)
		}
	}()
	return job.Execute(ctx, ec)
}

// complete hands the instruction to the store. Failures are reported, not retried.
func (s *Scheduler) complete(ctx context.Context, fired *FiredTrigger, job *JobDetail, instr CompletedExecutionInstruction, errMsg string) {
	if err := s.store.TriggeredJobComplete(ctx, fired, job, instr, errMsg); err != nil {
		s.handleError(errors.Wrapf(err, "failed to complete firing %s of trigger %s", fired.FireInstanceID, fired.Trigger.Key()))
		return
	}
	s.logger.Debug("firing complete",
		zap.Stringer("trigger", fired.Trigger.Key()),
		zap.String("fireInstanceId", fired.FireInstanceID),
		zap.Stringer("instruction", instr),
	)
}

// release hands back a firing that will not run because the scheduler is stopping.
// The trigger fires it after the next start, subject to its misfire instruction.
func (s *Scheduler) release(ctx context.Context, fired *FiredTrigger) {
	if err := s.store.ReleaseFiredTrigger(ctx, fired); err != nil {
		s.handleError(errors.Wrapf(err, "failed to release firing %s of trigger %s", fired.FireInstanceID, fired.Trigger.Key()))
	}
}

func newExecutionContext(job *JobDetail, fired *FiredTrigger, cal Calendar, now time.Time) *ExecutionContext {
	return &ExecutionContext{
		JobDetail:         job,
		Trigger:           fired.Trigger,
		Calendar:          cal,
		MergedJobDataMap:  job.DataMap.Merge(fired.Trigger.Base().DataMap),
		FireInstanceID:    fired.FireInstanceID,
		FireTime:          now,
		ScheduledFireTime: fired.ScheduledFireTime,
		PreviousFireTime:  fired.PreviousFireTime,
		NextFireTime:      fired.NextFireTime,
	}
}

func executionOutcome(ec *ExecutionContext, instr CompletedExecutionInstruction) string {
	switch {
	case instr == InstructionReExecuteJob:
		return OutcomeRefire
	case ec.Err != nil:
		return OutcomeError
	}
	return OutcomeSuccess
}

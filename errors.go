package scheduler

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error kinds surfaced by the job store and the scheduler. Callers test for them with
// errors.Is; the concrete error carries the detail.
var (
	// ErrValidation marks a job or trigger rejected before it reached storage.
	ErrValidation = errors.New("validation failed")

	// ErrObjectAlreadyExists is returned when a record with the same identity is stored
	// without replaceExisting.
	ErrObjectAlreadyExists = errors.New("object already exists")

	// ErrPersistence marks a failed or unacknowledged write against the backend.
	ErrPersistence = errors.New("persistence failure")

	ErrJobNotFound      = errors.New("job not found")
	ErrTriggerNotFound  = errors.New("trigger not found")
	ErrCalendarNotFound = errors.New("calendar not found")

	// ErrWillNeverFire is returned when a trigger's schedule yields no fire time at all.
	ErrWillNeverFire = errors.New("trigger will never fire")

	// ErrLockTimeout is returned when a named lock could not be obtained in time.
	ErrLockTimeout = errors.New("lock not acquired")

	// ErrSchedulerStopped is returned by facade calls after Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

func validationErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

func alreadyExistsErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrObjectAlreadyExists)
}

func persistenceErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrPersistence)
}

func wrapPersistence(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrPersistence)
}

// JobExecutionError is returned by a Job to steer what happens to its trigger(s)
// after the execution. A plain error is treated as a JobExecutionError with no flags set.
type JobExecutionError struct {
	Err error

	// RefireImmediately re-runs the job right away with the same firing.
	RefireImmediately bool

	// UnscheduleFiringTrigger completes the trigger that caused this execution.
	UnscheduleFiringTrigger bool

	// UnscheduleAllTriggers completes every trigger of the job.
	UnscheduleAllTriggers bool
}

func (e *JobExecutionError) Error() string {
	if e.Err == nil {
		return "job execution failed"
	}
	return fmt.Sprintf("job execution failed: %v", e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// asJobExecutionError extracts the execution instructions carried by err, if any.
func asJobExecutionError(err error) *JobExecutionError {
	if err == nil {
		return nil
	}
	var jee *JobExecutionError
	if errors.As(err, &jee) {
		return jee
	}
	return nil
}

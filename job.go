package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// JobDataMap is the string-keyed bag of values attached to jobs and triggers.
// Values should be scalars or slices of scalars so every backend can persist them.
type JobDataMap map[string]interface{}

// Clone returns a shallow copy of the map. A nil map clones to an empty map.
func (m JobDataMap) Clone() JobDataMap {
	out := make(JobDataMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a new map holding m overlaid with every entry of other.
func (m JobDataMap) Merge(other JobDataMap) JobDataMap {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// JobDetail describes a unit of work that triggers can be attached to.
// Its Key is fixed once stored; the DataMap may be replaced wholesale.
type JobDetail struct {
	// Key identifies the job.
	Key Key `bson:"key"`

	// JobType names the executable type; the JobFactory resolves it to a Job.
	JobType string `bson:"jobType"`

	// Description is free text for operators.
	Description string `bson:"description,omitempty"`

	// Durable jobs stay stored after their last trigger is removed.
	Durable bool `bson:"durable"`

	// DataMap is merged into each execution context.
	DataMap JobDataMap `bson:"dataMap,omitempty"`

	// ConcurrentExecutionDisallowed blocks the job's other triggers while one of its
	// firings is executing.
	ConcurrentExecutionDisallowed bool `bson:"concurrentExecutionDisallowed"`

	// PersistJobDataAfterExecution writes the execution's job data back to the store.
	PersistJobDataAfterExecution bool `bson:"persistJobDataAfterExecution"`

	// RequestsRecovery re-fires the job on restart when the scheduler died mid-execution.
	RequestsRecovery bool `bson:"requestsRecovery"`
}

// Validate checks the detail before it is stored.
func (j *JobDetail) Validate() error {
	if j == nil {
		return validationErrorf("job detail is nil")
	}
	if j.Key.Name == "" {
		return validationErrorf("job name cannot be empty")
	}
	if j.Key.Group == "" {
		return validationErrorf("job %q group cannot be empty", j.Key.Name)
	}
	if j.JobType == "" {
		return validationErrorf("job %s has no job type", j.Key)
	}
	return nil
}

// Clone returns a copy whose data map can be modified independently.
func (j *JobDetail) Clone() *JobDetail {
	if j == nil {
		return nil
	}
	c := *j
	c.DataMap = j.DataMap.Clone()
	return &c
}

// Job is the user code run when a trigger fires. Returning a *JobExecutionError
// steers the trigger; any other error is recorded and the trigger follows its
// schedule.
type Job interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context, ec *ExecutionContext) error

// Execute calls f.
func (f JobFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}

// JobFactory produces a runnable Job for a stored JobDetail.
type JobFactory interface {
	NewJob(detail *JobDetail) (Job, error)
}

// JobRegistry is a JobFactory backed by constructors registered per job type.
type JobRegistry struct {
	mu    sync.RWMutex
	types map[string]func() Job
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{types: make(map[string]func() Job)}
}

// Register binds jobType to a constructor, replacing any previous binding.
func (r *JobRegistry) Register(jobType string, ctor func() Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[jobType] = ctor
}

// RegisterFunc binds jobType to a stateless function job.
func (r *JobRegistry) RegisterFunc(jobType string, fn JobFunc) {
	r.Register(jobType, func() Job { return fn })
}

// NewJob implements JobFactory.
func (r *JobRegistry) NewJob(detail *JobDetail) (Job, error) {
	r.mu.RLock()
	ctor, ok := r.types[detail.JobType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("no job registered for type %q (job %s)", detail.JobType, detail.Key)
	}
	job := ctor()
	if job == nil {
		return nil, errors.Newf("constructor for job type %q returned nil", detail.JobType)
	}
	return job, nil
}

// ExecutionContext is handed to a Job for one execution.
type ExecutionContext struct {
	// JobDetail is a private copy of the stored job.
	JobDetail *JobDetail

	// Trigger is the snapshot taken when the trigger fired.
	Trigger Trigger

	// Calendar is the trigger's calendar, or nil.
	Calendar Calendar

	// MergedJobDataMap is the job's data overlaid with the trigger's data.
	MergedJobDataMap JobDataMap

	FireInstanceID    string
	FireTime          time.Time
	ScheduledFireTime time.Time
	PreviousFireTime  *time.Time
	NextFireTime      *time.Time

	// RefireCount is the number of times this firing has been re-executed.
	RefireCount int

	// Result may be set by the job for listeners to inspect.
	Result interface{}

	// JobRunTime is how long Execute took; set after it returns.
	JobRunTime time.Duration

	// Err holds the error returned (or panic raised) by Execute.
	Err error
}

package scheduler

import (
	"context"
	"sync"
)

// TriggerListener observes trigger firings and may veto job executions.
type TriggerListener interface {
	Name() string

	// TriggerFired is called before the job runs.
	TriggerFired(ctx context.Context, trigger Trigger, ec *ExecutionContext)

	// VetoJobExecution returns true to skip running the job for this firing.
	VetoJobExecution(ctx context.Context, trigger Trigger, ec *ExecutionContext) bool

	TriggerMisfired(trigger Trigger)

	// TriggerComplete is called after the job ran and its completion instruction is known.
	TriggerComplete(ctx context.Context, trigger Trigger, ec *ExecutionContext, instr CompletedExecutionInstruction)
}

// JobListener observes job executions.
type JobListener interface {
	Name() string
	JobToBeExecuted(ctx context.Context, ec *ExecutionContext)
	JobExecutionVetoed(ctx context.Context, ec *ExecutionContext)
	JobWasExecuted(ctx context.Context, ec *ExecutionContext, err error)
}

// TriggerListenerFuncs builds a TriggerListener from optional callbacks.
type TriggerListenerFuncs struct {
	ListenerName string
	OnFired      func(ctx context.Context, trigger Trigger, ec *ExecutionContext)
	OnVeto       func(ctx context.Context, trigger Trigger, ec *ExecutionContext) bool
	OnMisfired   func(trigger Trigger)
	OnComplete   func(ctx context.Context, trigger Trigger, ec *ExecutionContext, instr CompletedExecutionInstruction)
}

func (f TriggerListenerFuncs) Name() string { return f.ListenerName }

func (f TriggerListenerFuncs) TriggerFired(ctx context.Context, trigger Trigger, ec *ExecutionContext) {
	if f.OnFired != nil {
		f.OnFired(ctx, trigger, ec)
	}
}

func (f TriggerListenerFuncs) VetoJobExecution(ctx context.Context, trigger Trigger, ec *ExecutionContext) bool {
	return f.OnVeto != nil && f.OnVeto(ctx, trigger, ec)
}

func (f TriggerListenerFuncs) TriggerMisfired(trigger Trigger) {
	if f.OnMisfired != nil {
		f.OnMisfired(trigger)
	}
}

func (f TriggerListenerFuncs) TriggerComplete(ctx context.Context, trigger Trigger, ec *ExecutionContext, instr CompletedExecutionInstruction) {
	if f.OnComplete != nil {
		f.OnComplete(ctx, trigger, ec, instr)
	}
}

// JobListenerFuncs builds a JobListener from optional callbacks.
type JobListenerFuncs struct {
	ListenerName   string
	OnToBeExecuted func(ctx context.Context, ec *ExecutionContext)
	OnVetoed       func(ctx context.Context, ec *ExecutionContext)
	OnExecuted     func(ctx context.Context, ec *ExecutionContext, err error)
}

func (f JobListenerFuncs) Name() string { return f.ListenerName }

func (f JobListenerFuncs) JobToBeExecuted(ctx context.Context, ec *ExecutionContext) {
	if f.OnToBeExecuted != nil {
		f.OnToBeExecuted(ctx, ec)
	}
}

func (f JobListenerFuncs) JobExecutionVetoed(ctx context.Context, ec *ExecutionContext) {
	if f.OnVetoed != nil {
		f.OnVetoed(ctx, ec)
	}
}

func (f JobListenerFuncs) JobWasExecuted(ctx context.Context, ec *ExecutionContext, err error) {
	if f.OnExecuted != nil {
		f.OnExecuted(ctx, ec, err)
	}
}

type triggerListenerEntry struct {
	listener TriggerListener
	matchers []GroupMatcher
}

type jobListenerEntry struct {
	listener JobListener
	matchers []GroupMatcher
}

// listeners holds registered listeners. A listener with no matchers sees everything.
type listeners struct {
	mu       sync.RWMutex
	triggers []triggerListenerEntry
	jobs     []jobListenerEntry
}

func (l *listeners) addTrigger(listener TriggerListener, matchers []GroupMatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.triggers = append(l.triggers, triggerListenerEntry{listener: listener, matchers: matchers})
}

func (l *listeners) addJob(listener JobListener, matchers []GroupMatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, jobListenerEntry{listener: listener, matchers: matchers})
}

func (l *listeners) removeTrigger(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.triggers {
		if e.listener.Name() == name {
			l.triggers = append(l.triggers[:i:i], l.triggers[i+1:]...)
			return true
		}
	}
	return false
}

func (l *listeners) removeJob(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.jobs {
		if e.listener.Name() == name {
			l.jobs = append(l.jobs[:i:i], l.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// forTrigger returns the trigger listeners interested in group.
func (l *listeners) forTrigger(group string) []TriggerListener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []TriggerListener
	for _, e := range l.triggers {
		if matchesAny(e.matchers, group) {
			out = append(out, e.listener)
		}
	}
	return out
}

// forJob returns the job listeners interested in group.
func (l *listeners) forJob(group string) []JobListener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []JobListener
	for _, e := range l.jobs {
		if matchesAny(e.matchers, group) {
			out = append(out, e.listener)
		}
	}
	return out
}

func matchesAny(matchers []GroupMatcher, group string) bool {
	if len(matchers) == 0 {
		return true
	}
	for _, m := range matchers {
		if m.Matches(group) {
			return true
		}
	}
	return false
}

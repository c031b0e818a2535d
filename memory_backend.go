package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryBackend is a Backend that keeps every record in process memory. Records are
// copied in and out, so callers never share state with the stored values.
type MemoryBackend struct {
	mu sync.RWMutex

	jobs                map[Key]*JobDetail
	triggers            map[Key]*TriggerRecord
	calendars           map[string]Calendar
	pausedTriggerGroups map[string]struct{}
	pausedJobGroups     map[string]struct{}
	fired               map[string]*FiredTrigger
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	b.reset()
	return b
}

func (b *MemoryBackend) reset() {
	b.jobs = make(map[Key]*JobDetail)
	b.triggers = make(map[Key]*TriggerRecord)
	b.calendars = make(map[string]Calendar)
	b.pausedTriggerGroups = make(map[string]struct{})
	b.pausedJobGroups = make(map[string]struct{})
	b.fired = make(map[string]*FiredTrigger)
}

func (b *MemoryBackend) PutJob(_ context.Context, job *JobDetail) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[job.Key] = job.Clone()
	return nil
}

func (b *MemoryBackend) Job(_ context.Context, key Key) (*JobDetail, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.jobs[key].Clone(), nil
}

func (b *MemoryBackend) DeleteJob(_ context.Context, key Key) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jobs[key]
	delete(b.jobs, key)
	return ok, nil
}

func (b *MemoryBackend) JobKeys(_ context.Context) ([]Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]Key, 0, len(b.jobs))
	for k := range b.jobs {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *MemoryBackend) PutTrigger(_ context.Context, rec *TriggerRecord, from ...TriggerState) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := rec.Trigger.Key()
	if len(from) > 0 {
		cur, ok := b.triggers[key]
		if !ok || !stateIn(cur.State, from) {
			return false, nil
		}
	}
	b.triggers[key] = rec.Clone()
	return true, nil
}

func (b *MemoryBackend) Trigger(_ context.Context, key Key) (*TriggerRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.triggers[key].Clone(), nil
}

func (b *MemoryBackend) DeleteTrigger(_ context.Context, key Key) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.triggers[key]
	delete(b.triggers, key)
	return ok, nil
}

func (b *MemoryBackend) TriggerKeys(_ context.Context) ([]Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]Key, 0, len(b.triggers))
	for k := range b.triggers {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *MemoryBackend) TriggersForJob(_ context.Context, jobKey Key) ([]*TriggerRecord, error) {
	return b.selectTriggers(func(rec *TriggerRecord) bool {
		return rec.Trigger.JobKey() == jobKey
	}), nil
}

func (b *MemoryBackend) TriggersForCalendar(_ context.Context, name string) ([]*TriggerRecord, error) {
	return b.selectTriggers(func(rec *TriggerRecord) bool {
		return rec.Trigger.Base().CalendarName == name
	}), nil
}

func (b *MemoryBackend) TriggersInState(_ context.Context, states ...TriggerState) ([]*TriggerRecord, error) {
	return b.selectTriggers(func(rec *TriggerRecord) bool {
		return stateIn(rec.State, states)
	}), nil
}

func (b *MemoryBackend) FindTriggers(_ context.Context, q TriggerQuery) ([]*TriggerRecord, error) {
	out := b.selectTriggers(q.Matches)
	sort.SliceStable(out, func(i, j int) bool {
		return fireOrderLess(out[i].Trigger, out[j].Trigger)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *MemoryBackend) selectTriggers(match func(*TriggerRecord) bool) []*TriggerRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*TriggerRecord
	for _, rec := range b.triggers {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return keyLess(out[i].Trigger.Key(), out[j].Trigger.Key())
	})
	return out
}

func (b *MemoryBackend) UpdateTriggerState(_ context.Context, key Key, state TriggerState, errMsg string, from ...TriggerState) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.triggers[key]
	if !ok || (len(from) > 0 && !stateIn(rec.State, from)) {
		return false, nil
	}
	rec.State = state
	rec.ErrorMessage = errMsg
	return true, nil
}

func (b *MemoryBackend) UpdateJobTriggersState(_ context.Context, jobKey Key, state TriggerState, errMsg string, from ...TriggerState) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, rec := range b.triggers {
		if rec.Trigger.JobKey() != jobKey || (len(from) > 0 && !stateIn(rec.State, from)) {
			continue
		}
		rec.State = state
		rec.ErrorMessage = errMsg
		n++
	}
	return n, nil
}

func (b *MemoryBackend) PutCalendar(_ context.Context, name string, cal Calendar) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calendars[name] = cal
	return nil
}

func (b *MemoryBackend) Calendar(_ context.Context, name string) (Calendar, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cal, ok := b.calendars[name]
	if !ok {
		return nil, nil
	}
	return cal, nil
}

func (b *MemoryBackend) DeleteCalendar(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.calendars[name]
	delete(b.calendars, name)
	return ok, nil
}

func (b *MemoryBackend) CalendarNames(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.calendars))
	for name := range b.calendars {
		names = append(names, name)
	}
	return names, nil
}

func (b *MemoryBackend) AddPausedTriggerGroup(_ context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedTriggerGroups[group] = struct{}{}
	return nil
}

func (b *MemoryBackend) RemovePausedTriggerGroup(_ context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pausedTriggerGroups, group)
	return nil
}

func (b *MemoryBackend) PausedTriggerGroups(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return setMembers(b.pausedTriggerGroups), nil
}

func (b *MemoryBackend) IsTriggerGroupPaused(_ context.Context, group string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.pausedTriggerGroups[group]
	return ok, nil
}

func (b *MemoryBackend) AddPausedJobGroup(_ context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedJobGroups[group] = struct{}{}
	return nil
}

func (b *MemoryBackend) RemovePausedJobGroup(_ context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pausedJobGroups, group)
	return nil
}

func (b *MemoryBackend) PausedJobGroups(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return setMembers(b.pausedJobGroups), nil
}

func (b *MemoryBackend) IsJobGroupPaused(_ context.Context, group string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.pausedJobGroups[group]
	return ok, nil
}

func (b *MemoryBackend) InsertFiredTrigger(_ context.Context, fired *FiredTrigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.fired[fired.FireInstanceID]; ok {
		return errors.Mark(errors.Newf("fired trigger %s already exists", fired.FireInstanceID), ErrObjectAlreadyExists)
	}
	b.fired[fired.FireInstanceID] = fired.Clone()
	return nil
}

func (b *MemoryBackend) DeleteFiredTrigger(_ context.Context, fireInstanceID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.fired[fireInstanceID]
	delete(b.fired, fireInstanceID)
	return ok, nil
}

func (b *MemoryBackend) FiredTriggersForJob(_ context.Context, jobKey Key) ([]*FiredTrigger, error) {
	return b.selectFired(func(f *FiredTrigger) bool { return f.JobKey == jobKey }), nil
}

func (b *MemoryBackend) FiredTriggersForInstance(_ context.Context, instanceID string) ([]*FiredTrigger, error) {
	return b.selectFired(func(f *FiredTrigger) bool { return f.InstanceID == instanceID }), nil
}

func (b *MemoryBackend) selectFired(match func(*FiredTrigger) bool) []*FiredTrigger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*FiredTrigger
	for _, f := range b.fired {
		if match(f) {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireInstanceID < out[j].FireInstanceID })
	return out
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	return nil
}

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, name string) (Lock, error) {
	l.mu.Lock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return localLock(ch), nil
	case <-ctx.Done():
		return nil, errors.Mark(errors.Wrapf(ctx.Err(), "lock %s", name), ErrLockTimeout)
	}
}

type localLock chan struct{}

func (l localLock) Unlock(context.Context) error {
	select {
	case <-l:
		return nil
	default:
		return errors.New("lock is not held")
	}
}

func stateIn(state TriggerState, states []TriggerState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func setMembers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func keyLess(a, b Key) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Name < b.Name
}

// fireOrderLess orders triggers by next fire time, then higher priority first.
func fireOrderLess(a, b Trigger) bool {
	an, bn := a.NextFireTime(), b.NextFireTime()
	switch {
	case an == nil && bn == nil:
	case an == nil:
		return false
	case bn == nil:
		return true
	case !an.Equal(*bn):
		return an.Before(*bn)
	}
	return a.Base().Priority > b.Base().Priority
}

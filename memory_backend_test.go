package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_ConditionalWrites(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	rec := &TriggerRecord{Trigger: simpleTrigger("t", NewKey("job", "jobs"), t0, 0, 0), State: StateWaiting}

	ok, err := b.PutTrigger(ctx, rec, StateWaiting)
	require.NoError(t, err)
	assert.False(t, ok, "conditional put of a missing record")

	ok, err = b.PutTrigger(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.UpdateTriggerState(ctx, triggerKey("t"), StateAcquired, "", StatePaused)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.UpdateTriggerState(ctx, triggerKey("t"), StateAcquired, "", StateWaiting, StatePaused)
	require.NoError(t, err)
	assert.True(t, ok)

	rec.State = StateComplete
	ok, err = b.PutTrigger(ctx, rec, StateWaiting)
	require.NoError(t, err)
	assert.False(t, ok, "state moved on since it was read")

	stored, err := b.Trigger(ctx, triggerKey("t"))
	require.NoError(t, err)
	assert.Equal(t, StateAcquired, stored.State)

	n, err := b.UpdateJobTriggersState(ctx, NewKey("job", "jobs"), StateBlocked, "", StateAcquired)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryBackend_FindTriggers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	job := NewKey("job", "jobs")

	put := func(name string, next time.Time, priority int, state TriggerState) {
		tr := simpleTrigger(name, job, next, 0, 0)
		tr.Priority = priority
		_, err := b.PutTrigger(ctx, &TriggerRecord{Trigger: tr, State: state})
		require.NoError(t, err)
	}
	put("c", at(2*time.Second), 5, StateWaiting)
	put("a", at(time.Second), 1, StateWaiting)
	put("b", at(time.Second), 7, StateWaiting)
	put("paused", t0, 5, StatePaused)
	put("far", at(time.Hour), 5, StateWaiting)

	until := at(time.Minute)
	recs, err := b.FindTriggers(ctx, TriggerQuery{State: StateWaiting, NextFireUntil: &until})
	require.NoError(t, err)
	var names []string
	for _, rec := range recs {
		names = append(names, rec.Trigger.Key().Name)
	}
	assert.Equal(t, []string{"b", "a", "c"}, names)

	recs, err = b.FindTriggers(ctx, TriggerQuery{State: StateWaiting, NextFireUntil: &until, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].Trigger.Key().Name)

	before := at(2 * time.Second)
	recs, err = b.FindTriggers(ctx, TriggerQuery{State: StateWaiting, NextFireBefore: &before})
	require.NoError(t, err)
	assert.Len(t, recs, 2, "upper bound is exclusive")

	from := at(2 * time.Second)
	recs, err = b.FindTriggers(ctx, TriggerQuery{State: StateWaiting, NextFireFrom: &from})
	require.NoError(t, err)
	assert.Len(t, recs, 2, "lower bound is inclusive")
}

func TestMemoryBackend_CopiesRecords(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	job := testJob("a")
	job.DataMap = JobDataMap{"k": "v"}
	require.NoError(t, b.PutJob(ctx, job))
	job.DataMap["k"] = "changed after put"

	stored, err := b.Job(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, "v", stored.DataMap["k"])
	stored.DataMap["k"] = "changed after get"

	again, err := b.Job(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, "v", again.DataMap["k"])

	missing, err := b.Job(ctx, NewKey("missing", "jobs"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryBackend_FiredTriggers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	fired := &FiredTrigger{
		FireInstanceID: "f1",
		InstanceID:     "node-1",
		JobKey:         NewKey("job", "jobs"),
		Trigger:        simpleTrigger("t", NewKey("job", "jobs"), t0, 0, 0),
	}
	require.NoError(t, b.InsertFiredTrigger(ctx, fired))
	err := b.InsertFiredTrigger(ctx, fired)
	assert.True(t, errors.Is(err, ErrObjectAlreadyExists))

	byJob, err := b.FiredTriggersForJob(ctx, NewKey("job", "jobs"))
	require.NoError(t, err)
	assert.Len(t, byJob, 1)
	byInstance, err := b.FiredTriggersForInstance(ctx, "node-2")
	require.NoError(t, err)
	assert.Empty(t, byInstance)

	found, err := b.DeleteFiredTrigger(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = b.DeleteFiredTrigger(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	lock, err := locker.Lock(ctx, "a")
	require.NoError(t, err)

	other, err := locker.Lock(ctx, "b")
	require.NoError(t, err, "locks are independent per name")
	require.NoError(t, other.Unlock(ctx))

	acquired := make(chan Lock)
	go func() {
		l, err := locker.Lock(ctx, "a")
		if err == nil {
			acquired <- l
		}
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lock.Unlock(ctx))
	select {
	case l := <-acquired:
		require.NoError(t, l.Unlock(ctx))
	case <-time.After(time.Second):
		t.Fatal("waiter did not get the lock")
	}

	assert.Error(t, lock.Unlock(ctx), "double unlock")

	held, err := locker.Lock(ctx, "a")
	require.NoError(t, err)
	defer held.Unlock(ctx)
	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(timeout, "a")
	assert.True(t, errors.Is(err, ErrLockTimeout))
}

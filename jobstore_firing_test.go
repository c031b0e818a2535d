package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keysOf(triggers []Trigger) []Key {
	out := make([]Key, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, t.Key())
	}
	return out
}

// fireDue acquires every trigger due by noLaterThan and fires it.
func fireDue(t *testing.T, store *Store, noLaterThan time.Time) []*FiredTrigger {
	t.Helper()
	ctx := context.Background()
	acquired, err := store.AcquireNextTriggers(ctx, noLaterThan, 100, 0)
	require.NoError(t, err)
	fired, err := store.TriggersFired(ctx, acquired, noLaterThan)
	require.NoError(t, err)
	return fired
}

func TestStore_AcquireNextTriggers(t *testing.T) {
	ctx := context.Background()

	t.Run("orders by fire time then priority", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)

		late := simpleTrigger("late", job.Key, at(30*time.Second), 0, 0)
		low := simpleTrigger("early-low", job.Key, at(10*time.Second), 0, 0)
		low.Priority = 1
		high := simpleTrigger("early-high", job.Key, at(10*time.Second), 0, 0)
		high.Priority = 9
		far := simpleTrigger("far", job.Key, at(time.Hour), 0, 0)
		for _, tr := range []Trigger{late, low, high, far} {
			mustStoreTrigger(t, store, tr)
		}

		acquired, err := store.AcquireNextTriggers(ctx, at(30*time.Second), 10, 0)
		require.NoError(t, err)
		assert.Equal(t, []Key{triggerKey("early-high"), triggerKey("early-low"), triggerKey("late")}, keysOf(acquired))
		assertState(t, store, triggerKey("late"), StateAcquired)
		assertState(t, store, triggerKey("far"), StateWaiting)

		again, err := store.AcquireNextTriggers(ctx, at(30*time.Second), 10, 0)
		require.NoError(t, err)
		assert.Empty(t, again, "acquired triggers are not handed out twice")

		require.NoError(t, store.ReleaseAcquiredTrigger(ctx, high))
		assertState(t, store, triggerKey("early-high"), StateWaiting)
		again, err = store.AcquireNextTriggers(ctx, at(30*time.Second), 1, 0)
		require.NoError(t, err)
		assert.Equal(t, []Key{triggerKey("early-high")}, keysOf(again))
	})

	t.Run("time window", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("soon", job.Key, at(90*time.Second), 0, 0))

		acquired, err := store.AcquireNextTriggers(ctx, t0, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, acquired)

		acquired, err = store.AcquireNextTriggers(ctx, t0, 10, 2*time.Minute)
		require.NoError(t, err)
		assert.Len(t, acquired, 1)
	})

	t.Run("misfired triggers fill remaining capacity", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("old", job.Key, at(-10*time.Minute), 0, 0))
		mustStoreTrigger(t, store, simpleTrigger("due", job.Key, t0, 0, 0))

		acquired, err := store.AcquireNextTriggers(ctx, t0, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, []Key{triggerKey("due")}, keysOf(acquired))

		acquired, err = store.AcquireNextTriggers(ctx, t0, 5, 0)
		require.NoError(t, err)
		assert.Equal(t, []Key{triggerKey("old")}, keysOf(acquired))
	})

	t.Run("one trigger per non-concurrent job", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("exclusive")
		job.ConcurrentExecutionDisallowed = true
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t1", job.Key, t0, 0, 0))
		mustStoreTrigger(t, store, simpleTrigger("t2", job.Key, t0, 0, 0))

		acquired, err := store.AcquireNextTriggers(ctx, t0, 10, 0)
		require.NoError(t, err)
		assert.Len(t, acquired, 1)
	})
}

func TestStore_TriggersFired(t *testing.T) {
	ctx := context.Background()

	t.Run("single firing advances the trigger", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		job.RequestsRecovery = true
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, t0, 10*time.Second, RepeatIndefinitely))

		fired := fireDue(t, store, t0)
		require.Len(t, fired, 1)
		f := fired[0]
		assert.True(t, f.ScheduledFireTime.Equal(t0))
		assert.True(t, f.FireTime.Equal(t0))
		assertFireTime(t, at(10*time.Second), f.NextFireTime)
		assert.Nil(t, f.PreviousFireTime)
		assert.Equal(t, StateExecuting, f.State)
		assert.Equal(t, "test-instance", f.InstanceID)
		assert.Equal(t, job.Key, f.JobKey)
		assert.True(t, f.RequestsRecovery)
		assert.NotEmpty(t, f.FireInstanceID)

		assertState(t, store, triggerKey("t"), StateWaiting)
		stored, err := store.RetrieveTrigger(ctx, triggerKey("t"))
		require.NoError(t, err)
		assertFireTime(t, at(10*time.Second), stored.NextFireTime())

		records, err := store.backend.FiredTriggersForJob(ctx, job.Key)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("ignore policy catches up on every missed slot", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		tr := simpleTrigger("t", job.Key, at(-5*time.Minute), time.Minute, RepeatIndefinitely)
		tr.MisfireInstruction = MisfireIgnorePolicy
		mustStoreTrigger(t, store, tr)

		fired := fireDue(t, store, t0)
		require.Len(t, fired, 6)
		for i, f := range fired {
			assert.True(t, f.ScheduledFireTime.Equal(at(time.Duration(i-5)*time.Minute)), "firing %d", i)
		}
		stored, _ := store.RetrieveTrigger(ctx, triggerKey("t"))
		assertFireTime(t, at(time.Minute), stored.NextFireTime())
	})

	t.Run("smart policy skips missed slots", func(t *testing.T) {
		store, _ := newTestStore(t)
		signals := &recordingSignaler{}
		store.SetSignaler(signals)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, at(-5*time.Minute), time.Minute, RepeatIndefinitely))

		fired := fireDue(t, store, t0)
		assert.Empty(t, fired)
		assert.Equal(t, []Key{triggerKey("t")}, signals.misfired)
		assertState(t, store, triggerKey("t"), StateWaiting)
		stored, _ := store.RetrieveTrigger(ctx, triggerKey("t"))
		assertFireTime(t, at(time.Minute), stored.NextFireTime())
	})

	t.Run("non-concurrent job blocks its other triggers", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("exclusive")
		job.ConcurrentExecutionDisallowed = true
		mustStoreJob(t, store, job)
		first := simpleTrigger("t1", job.Key, t0, time.Minute, RepeatIndefinitely)
		first.Priority = 9
		mustStoreTrigger(t, store, first)
		mustStoreTrigger(t, store, simpleTrigger("t2", job.Key, t0, time.Minute, RepeatIndefinitely))
		mustStoreTrigger(t, store, simpleTrigger("t3", job.Key, t0, time.Minute, RepeatIndefinitely))
		require.NoError(t, store.PauseTrigger(ctx, triggerKey("t3")))

		fired := fireDue(t, store, t0)
		require.Len(t, fired, 1)
		assert.Equal(t, triggerKey("t1"), fired[0].Trigger.Key())
		assert.True(t, fired[0].ConcurrentExecutionDisallowed)

		assertState(t, store, triggerKey("t1"), StateBlocked)
		assertState(t, store, triggerKey("t2"), StateBlocked)
		assertState(t, store, triggerKey("t3"), StatePausedBlocked)

		mustStoreTrigger(t, store, simpleTrigger("t4", job.Key, t0, time.Minute, RepeatIndefinitely))
		assertState(t, store, triggerKey("t4"), StateBlocked)

		acquired, err := store.AcquireNextTriggers(ctx, at(time.Hour), 10, 0)
		require.NoError(t, err)
		assert.Empty(t, acquired)

		require.NoError(t, store.TriggeredJobComplete(ctx, fired[0], job, InstructionNoop, ""))
		assertState(t, store, triggerKey("t1"), StateWaiting)
		assertState(t, store, triggerKey("t2"), StateWaiting)
		assertState(t, store, triggerKey("t3"), StatePaused)
		assertState(t, store, triggerKey("t4"), StateWaiting)
	})

	t.Run("skips triggers that are not acquired", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		tr := simpleTrigger("t", job.Key, t0, 0, 0)
		mustStoreTrigger(t, store, tr)

		fired, err := store.TriggersFired(ctx, []Trigger{tr}, t0)
		require.NoError(t, err)
		assert.Empty(t, fired)
		assertState(t, store, triggerKey("t"), StateWaiting)
	})

	t.Run("missing calendar puts the trigger in error", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		tr := simpleTrigger("t", job.Key, t0, 0, 0)
		tr.CalendarName = "gone"
		mustStoreTrigger(t, store, tr)

		acquired, err := store.AcquireNextTriggers(ctx, t0, 1, 0)
		require.NoError(t, err)
		require.Len(t, acquired, 1)
		fired, err := store.TriggersFired(ctx, acquired, t0)
		require.NoError(t, err)
		assert.Empty(t, fired)

		rec, err := store.TriggerRecord(ctx, triggerKey("t"))
		require.NoError(t, err)
		assert.Equal(t, StateError, rec.State)
		assert.Equal(t, "calendar gone not found", rec.ErrorMessage)

		require.NoError(t, store.ReleaseAcquiredTrigger(ctx, acquired[0]))
		assertState(t, store, triggerKey("t"), StateError)
		again, err := store.AcquireNextTriggers(ctx, at(time.Hour), 10, 0)
		require.NoError(t, err)
		assert.Empty(t, again, "errored triggers are not re-acquired")
	})

	t.Run("skips triggers deleted after acquisition", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		job.Durable = true
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, t0, 0, 0))

		acquired, err := store.AcquireNextTriggers(ctx, t0, 1, 0)
		require.NoError(t, err)
		require.Len(t, acquired, 1)
		removed, err := store.RemoveTrigger(ctx, triggerKey("t"))
		require.NoError(t, err)
		require.True(t, removed)

		fired, err := store.TriggersFired(ctx, acquired, t0)
		require.NoError(t, err)
		assert.Empty(t, fired)
		records, err := store.backend.FiredTriggersForJob(ctx, job.Key)
		require.NoError(t, err)
		assert.Empty(t, records)
		assertState(t, store, triggerKey("t"), StateNone)
	})

	t.Run("last firing completes the trigger", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, t0, 0, 0))

		fired := fireDue(t, store, t0)
		require.Len(t, fired, 1)
		assert.Nil(t, fired[0].NextFireTime)
		assertState(t, store, triggerKey("t"), StateComplete)
	})
}

func TestStore_TriggeredJobComplete(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, repeat int) (*Store, *recordingSignaler, *JobDetail, *FiredTrigger) {
		store, _ := newTestStore(t)
		signals := &recordingSignaler{}
		store.SetSignaler(signals)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, t0, time.Minute, repeat))
		fired := fireDue(t, store, t0)
		require.Len(t, fired, 1)
		return store, signals, job, fired[0]
	}

	t.Run("set trigger complete", func(t *testing.T) {
		store, signals, job, fired := setup(t, RepeatIndefinitely)
		require.NoError(t, store.TriggeredJobComplete(ctx, fired, job, InstructionSetTriggerComplete, ""))
		assertState(t, store, triggerKey("t"), StateComplete)
		assert.Equal(t, []Key{triggerKey("t")}, signals.finalized)

		err := store.TriggeredJobComplete(ctx, fired, job, InstructionNoop, "")
		assert.True(t, errors.Is(err, ErrPersistence), "fired record already consumed")
	})

	t.Run("set trigger error then reset", func(t *testing.T) {
		store, _, job, fired := setup(t, RepeatIndefinitely)
		require.NoError(t, store.TriggeredJobComplete(ctx, fired, job, InstructionSetTriggerError, "job type not registered"))
		rec, err := store.TriggerRecord(ctx, triggerKey("t"))
		require.NoError(t, err)
		assert.Equal(t, StateError, rec.State)
		assert.Equal(t, "job type not registered", rec.ErrorMessage)

		acquired, err := store.AcquireNextTriggers(ctx, at(time.Hour), 10, 0)
		require.NoError(t, err)
		assert.Empty(t, acquired)

		require.NoError(t, store.ResetTriggerFromErrorState(ctx, triggerKey("t")))
		assertState(t, store, triggerKey("t"), StateWaiting)
	})

	t.Run("all job triggers", func(t *testing.T) {
		store, _, job, fired := setup(t, RepeatIndefinitely)
		mustStoreTrigger(t, store, simpleTrigger("t2", job.Key, at(time.Hour), 0, 0))

		require.NoError(t, store.TriggeredJobComplete(ctx, fired, job, InstructionSetAllJobTriggersError, "broken"))
		assertState(t, store, triggerKey("t"), StateError)
		assertState(t, store, triggerKey("t2"), StateError)

		store, _, job, fired = setup(t, RepeatIndefinitely)
		mustStoreTrigger(t, store, simpleTrigger("t2", job.Key, at(time.Hour), 0, 0))
		require.NoError(t, store.TriggeredJobComplete(ctx, fired, job, InstructionSetAllJobTriggersComplete, ""))
		assertState(t, store, triggerKey("t"), StateComplete)
		assertState(t, store, triggerKey("t2"), StateComplete)
	})

	t.Run("delete trigger removes it and its orphaned job", func(t *testing.T) {
		store, signals, job, fired := setup(t, 0)
		require.Nil(t, fired.NextFireTime)
		require.NoError(t, store.TriggeredJobComplete(ctx, fired, job, InstructionDeleteTrigger, ""))
		assertState(t, store, triggerKey("t"), StateNone)
		exists, _ := store.CheckJobExists(ctx, job.Key)
		assert.False(t, exists)
		assert.Equal(t, []Key{triggerKey("t")}, signals.finalized)
	})

	t.Run("delete keeps a trigger rescheduled while the job ran", func(t *testing.T) {
		store, _, job, fired := setup(t, 0)
		require.NoError(t, store.StoreTrigger(ctx, simpleTrigger("t", job.Key, at(time.Hour), 0, 0), true))

		require.NoError(t, store.TriggeredJobComplete(ctx, fired, job, InstructionDeleteTrigger, ""))
		assertState(t, store, triggerKey("t"), StateWaiting)
	})

	t.Run("persists job data", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("stateful")
		job.PersistJobDataAfterExecution = true
		job.DataMap = JobDataMap{"count": 0}
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, t0, time.Minute, RepeatIndefinitely))
		fired := fireDue(t, store, t0)
		require.Len(t, fired, 1)

		ran := job.Clone()
		ran.DataMap["count"] = 1
		require.NoError(t, store.TriggeredJobComplete(ctx, fired[0], ran, InstructionNoop, ""))

		stored, err := store.RetrieveJob(ctx, job.Key)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.DataMap["count"])
	})

	t.Run("does not persist job data by default", func(t *testing.T) {
		store, _, job, fired := setup(t, RepeatIndefinitely)
		ran := job.Clone()
		ran.DataMap["count"] = 1
		require.NoError(t, store.TriggeredJobComplete(ctx, fired, ran, InstructionNoop, ""))

		stored, err := store.RetrieveJob(ctx, job.Key)
		require.NoError(t, err)
		assert.NotContains(t, stored.DataMap, "count")
	})
}

func TestStore_ReleaseFiredTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("one-shot trigger fires again", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, at(30*time.Second), 0, 0))

		fired := fireDue(t, store, at(time.Minute))
		require.Len(t, fired, 1)
		assertState(t, store, triggerKey("t"), StateComplete)

		require.NoError(t, store.ReleaseFiredTrigger(ctx, fired[0]))
		assertState(t, store, triggerKey("t"), StateWaiting)
		stored, err := store.RetrieveTrigger(ctx, triggerKey("t"))
		require.NoError(t, err)
		assertFireTime(t, at(30*time.Second), stored.NextFireTime())
		exists, err := store.CheckJobExists(ctx, job.Key)
		require.NoError(t, err)
		assert.True(t, exists)
		records, err := store.backend.FiredTriggersForJob(ctx, job.Key)
		require.NoError(t, err)
		assert.Empty(t, records)

		again := fireDue(t, store, at(time.Minute))
		require.Len(t, again, 1)
		assert.True(t, again[0].ScheduledFireTime.Equal(at(30*time.Second)))

		err = store.ReleaseFiredTrigger(ctx, fired[0])
		assert.True(t, errors.Is(err, ErrPersistence), "fired record already consumed")
	})

	t.Run("repeat count is restored", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, t0, time.Minute, 2))

		first := fireDue(t, store, t0)
		require.Len(t, first, 1)
		require.NoError(t, store.TriggeredJobComplete(ctx, first[0], job, InstructionNoop, ""))
		second := fireDue(t, store, at(time.Minute))
		require.Len(t, second, 1)

		require.NoError(t, store.ReleaseFiredTrigger(ctx, second[0]))
		stored, err := store.RetrieveTrigger(ctx, triggerKey("t"))
		require.NoError(t, err)
		simple := stored.(*SimpleTrigger)
		assert.Equal(t, 1, simple.TimesTriggered)
		assertFireTime(t, at(time.Minute), simple.NextFireTime())
		assertFireTime(t, t0, simple.PreviousFireTime())

		var times []time.Time
		for _, now := range []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute} {
			for _, f := range fireDue(t, store, at(now)) {
				times = append(times, f.ScheduledFireTime)
				require.NoError(t, store.TriggeredJobComplete(ctx, f, job, f.Trigger.ExecutionComplete(nil), ""))
			}
		}
		require.Len(t, times, 2, "the released firing and the last repeat")
		assert.True(t, times[0].Equal(at(time.Minute)))
		assert.True(t, times[1].Equal(at(2*time.Minute)))
	})

	t.Run("non-concurrent job is unblocked", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("exclusive")
		job.ConcurrentExecutionDisallowed = true
		mustStoreJob(t, store, job)
		first := simpleTrigger("t1", job.Key, t0, time.Minute, RepeatIndefinitely)
		first.Priority = 9
		mustStoreTrigger(t, store, first)
		mustStoreTrigger(t, store, simpleTrigger("t2", job.Key, t0, time.Minute, RepeatIndefinitely))

		fired := fireDue(t, store, t0)
		require.Len(t, fired, 1)
		assertState(t, store, triggerKey("t2"), StateBlocked)

		require.NoError(t, store.ReleaseFiredTrigger(ctx, fired[0]))
		assertState(t, store, triggerKey("t1"), StateWaiting)
		assertState(t, store, triggerKey("t2"), StateWaiting)
		stored, err := store.RetrieveTrigger(ctx, triggerKey("t1"))
		require.NoError(t, err)
		assertFireTime(t, t0, stored.NextFireTime())
	})

	t.Run("paused trigger stays paused", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, t0, 0, 0))
		fired := fireDue(t, store, t0)
		require.Len(t, fired, 1)
		_, err := store.PauseTriggers(ctx, GroupEquals("triggers"))
		require.NoError(t, err)

		require.NoError(t, store.ReleaseFiredTrigger(ctx, fired[0]))
		assertState(t, store, triggerKey("t"), StatePaused)
	})

	t.Run("trigger rescheduled earlier is kept", func(t *testing.T) {
		store, _ := newTestStore(t)
		job := testJob("a")
		mustStoreJob(t, store, job)
		mustStoreTrigger(t, store, simpleTrigger("t", job.Key, at(30*time.Second), 0, 0))
		fired := fireDue(t, store, at(time.Minute))
		require.Len(t, fired, 1)
		require.NoError(t, store.StoreTrigger(ctx, simpleTrigger("t", job.Key, at(10*time.Second), 0, 0), true))

		require.NoError(t, store.ReleaseFiredTrigger(ctx, fired[0]))
		stored, err := store.RetrieveTrigger(ctx, triggerKey("t"))
		require.NoError(t, err)
		assertFireTime(t, at(10*time.Second), stored.NextFireTime())
	})
}

func TestStore_SchedulerStarted(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	newStore := func() *Store {
		store, err := NewStore(StoreConfig{Backend: backend, InstanceID: "node-1", Clock: clockwork.NewFakeClockAt(t0)})
		require.NoError(t, err)
		return store
	}

	before := newStore()
	recoverable := testJob("recoverable")
	recoverable.RequestsRecovery = true
	plain := testJob("plain")
	once := testJob("once")
	for _, job := range []*JobDetail{recoverable, plain, once} {
		mustStoreJob(t, before, job)
	}
	mustStoreTrigger(t, before, simpleTrigger("tr", recoverable.Key, t0, time.Minute, RepeatIndefinitely))
	mustStoreTrigger(t, before, simpleTrigger("tp", plain.Key, t0, time.Minute, RepeatIndefinitely))
	mustStoreTrigger(t, before, simpleTrigger("to", once.Key, t0, 0, 0))

	fired := fireDue(t, before, t0)
	require.Len(t, fired, 3)
	acquired, err := before.AcquireNextTriggers(ctx, at(time.Minute), 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 2)
	assertState(t, before, triggerKey("to"), StateComplete)

	// The process dies here; a new scheduler with the same instance id starts.
	after := newStore()
	require.NoError(t, after.SchedulerStarted(ctx))

	assertState(t, after, triggerKey("tr"), StateWaiting)
	assertState(t, after, triggerKey("tp"), StateWaiting)
	assertState(t, after, triggerKey("to"), StateNone)
	exists, _ := after.CheckJobExists(ctx, once.Key)
	assert.False(t, exists, "completed one-shot job is cleaned up")

	records, err := backend.FiredTriggersForInstance(ctx, "node-1")
	require.NoError(t, err)
	assert.Empty(t, records)

	keys, err := after.TriggerKeys(ctx, GroupEquals(RecoveringJobsGroup))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0].Name, "recover_node-1_")

	recovery, err := after.RetrieveTrigger(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, recoverable.Key, recovery.JobKey())
	assertFireTime(t, t0, recovery.NextFireTime())
	data := recovery.Base().DataMap
	assert.Equal(t, "tr", data[RecoveryTriggerName])
	assert.Equal(t, "triggers", data[RecoveryTriggerGroup])
	scheduled, ok := data[RecoveryScheduledFireTime].(time.Time)
	require.True(t, ok)
	assert.True(t, scheduled.Equal(t0))
	assertState(t, after, keys[0], StateWaiting)
}

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestScheduler builds a scheduler over a fresh in-memory store with short cycles.
func newTestScheduler(t *testing.T, registry *JobRegistry, mutate func(*Config)) (*Scheduler, *Store) {
	t.Helper()
	store, err := NewStore(StoreConfig{Backend: NewMemoryBackend()})
	require.NoError(t, err)

	config := Config{
		Store:        store,
		JobFactory:   registry,
		SleepTime:    50 * time.Millisecond,
		MaxBatchSize: 5,
		ThreadCount:  4,
	}
	if mutate != nil {
		mutate(&config)
	}
	sched, err := New(config)
	require.NoError(t, err)
	return sched, store
}

func stopScheduler(t *testing.T, sched *Scheduler) {
	t.Helper()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(stopCtx))
}

// scheduleNow schedules a job of jobType whose trigger is built by tb.
func scheduleNow(t *testing.T, sched *Scheduler, job *JobBuilder, tb *TriggerBuilder) *JobDetail {
	t.Helper()
	detail, err := job.Build()
	require.NoError(t, err)
	trigger, err := tb.Build()
	require.NoError(t, err)
	_, err = sched.ScheduleJob(context.Background(), detail, trigger)
	require.NoError(t, err)
	return detail
}

func countingRegistry(jobType string, count *atomic.Int32) *JobRegistry {
	registry := NewJobRegistry()
	registry.RegisterFunc(jobType, func(ctx context.Context, ec *ExecutionContext) error {
		count.Add(1)
		return nil
	})
	return registry
}

func TestNew(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := New(Config{JobFactory: NewJobRegistry()})
		assert.Error(t, err)
	})

	t.Run("requires job factory", func(t *testing.T) {
		store, err := NewStore(StoreConfig{Backend: NewMemoryBackend()})
		require.NoError(t, err)
		_, err = New(Config{Store: store})
		assert.Error(t, err)
	})

	t.Run("sets defaults", func(t *testing.T) {
		store, err := NewStore(StoreConfig{Backend: NewMemoryBackend()})
		require.NoError(t, err)
		sched, err := New(Config{Store: store, JobFactory: NewJobRegistry()})
		require.NoError(t, err)

		assert.Equal(t, 5*time.Second, sched.config.SleepTime)
		assert.Equal(t, 1, sched.config.MaxBatchSize)
		assert.Equal(t, 10, sched.config.ThreadCount)
		assert.Equal(t, 2*time.Minute, sched.config.MaxWaitForFireTime)
		assert.Equal(t, store.clock, sched.clock)
		assert.NotNil(t, sched.sem)
	})

	t.Run("single thread runs jobs inline", func(t *testing.T) {
		sched, _ := newTestScheduler(t, NewJobRegistry(), func(c *Config) { c.ThreadCount = 1 })
		assert.Nil(t, sched.sem)
	})
}

func TestScheduler_StartStop(t *testing.T) {
	var started, stopped atomic.Int32
	sched, _ := newTestScheduler(t, NewJobRegistry(), func(c *Config) {
		c.OnStart = func(ctx context.Context) error {
			started.Add(1)
			return nil
		}
		c.OnStop = func(ctx context.Context) error {
			stopped.Add(1)
			return nil
		}
	})

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	assert.True(t, sched.IsRunning())

	// A second Start is a no-op.
	require.NoError(t, sched.Start(ctx))
	assert.Equal(t, int32(1), started.Load())

	stopScheduler(t, sched)
	assert.False(t, sched.IsRunning())
	assert.Equal(t, int32(1), stopped.Load())

	// Stop is idempotent and a stopped scheduler stays stopped.
	stopScheduler(t, sched)
	assert.Equal(t, int32(1), stopped.Load())
	assert.True(t, errors.Is(sched.Start(ctx), ErrSchedulerStopped))

	_, err := sched.ScheduleJob(ctx, testJob("late"), simpleTrigger("t", NewKey("late", "jobs"), time.Now(), 0, 0))
	assert.True(t, errors.Is(err, ErrSchedulerStopped))
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	sched, _ := newTestScheduler(t, NewJobRegistry(), nil)
	stopScheduler(t, sched)
	assert.False(t, sched.IsRunning())
}

func TestScheduler_OnStartError(t *testing.T) {
	sched, _ := newTestScheduler(t, NewJobRegistry(), func(c *Config) {
		c.OnStart = func(ctx context.Context) error { return errors.New("not today") }
	})
	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.False(t, sched.IsRunning())
}

func TestScheduler_ProcessOneTimeJob(t *testing.T) {
	var processed atomic.Int32
	var mu sync.Mutex
	var seen *ExecutionContext

	registry := NewJobRegistry()
	registry.RegisterFunc("once", func(ctx context.Context, ec *ExecutionContext) error {
		mu.Lock()
		seen = ec
		mu.Unlock()
		processed.Add(1)
		return nil
	})
	sched, store := newTestScheduler(t, registry, nil)

	ctx := context.Background()
	job := scheduleNow(t, sched,
		NewJob("once").WithIdentity("job1", "test").UsingJobData("source", "job").UsingJobData("shared", "job"),
		NewTrigger("trigger1", "test").StartAt(time.Now()).UsingJobData("shared", "trigger"))

	require.NoError(t, sched.Start(ctx))
	defer stopScheduler(t, sched)

	require.Eventually(t, func() bool { return processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The trigger is deleted and its non-durable job goes with it.
	require.Eventually(t, func() bool {
		n, err := store.NumberOfJobs(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	exists, err := sched.store.CheckJobExists(ctx, job.Key)
	require.NoError(t, err)
	assert.False(t, exists)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen)
	assert.Equal(t, "job", seen.MergedJobDataMap["source"])
	assert.Equal(t, "trigger", seen.MergedJobDataMap["shared"])
	assert.Equal(t, job.Key, seen.JobDetail.Key)
	assert.Equal(t, NewKey("trigger1", "test"), seen.Trigger.Key())
	assert.Nil(t, seen.NextFireTime)
	assert.NotEmpty(t, seen.FireInstanceID)
	assert.Equal(t, int32(1), processed.Load())
}

func TestScheduler_ProcessRecurringJob(t *testing.T) {
	var processed atomic.Int32
	sched, store := newTestScheduler(t, countingRegistry("recurring", &processed), nil)

	ctx := context.Background()
	scheduleNow(t, sched, NewJob("recurring").WithIdentity("job1", "test"),
		NewTrigger("trigger1", "test").StartAt(time.Now()).
			WithSchedule(SimpleSchedule().WithInterval(100*time.Millisecond).WithRepeatCount(4)))

	require.NoError(t, sched.Start(ctx))
	defer stopScheduler(t, sched)

	require.Eventually(t, func() bool { return processed.Load() == 5 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := store.NumberOfTriggers(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(5), processed.Load(), "repeat count bounds the executions")
}

func TestScheduler_RecurringWithExpiration(t *testing.T) {
	var processed atomic.Int32
	sched, store := newTestScheduler(t, countingRegistry("expiring", &processed), nil)

	ctx := context.Background()
	now := time.Now()
	scheduleNow(t, sched, NewJob("expiring").WithIdentity("job1", "test"),
		NewTrigger("trigger1", "test").StartAt(now).EndAt(now.Add(350*time.Millisecond)).
			WithSchedule(SimpleSchedule().WithInterval(100*time.Millisecond).RepeatForever()))

	require.NoError(t, sched.Start(ctx))
	defer stopScheduler(t, sched)

	require.Eventually(t, func() bool {
		n, err := store.NumberOfTriggers(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(4), processed.Load())
}

func TestScheduler_OnIdleCallback(t *testing.T) {
	var idleCalled atomic.Int32
	sched, _ := newTestScheduler(t, NewJobRegistry(), func(c *Config) {
		c.OnIdle = func(ctx context.Context) error {
			idleCalled.Add(1)
			return nil
		}
	})

	require.NoError(t, sched.Start(context.Background()))
	defer stopScheduler(t, sched)

	require.Eventually(t, sched.IsIdle, time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), idleCalled.Load(), "OnIdle fires once per transition")
}

func TestScheduler_DeferredJob(t *testing.T) {
	var processed atomic.Int32
	sched, _ := newTestScheduler(t, countingRegistry("deferred", &processed), nil)

	scheduleNow(t, sched, NewJob("deferred").WithIdentity("job1", "test"),
		NewTrigger("trigger1", "test").StartAt(time.Now().Add(700*time.Millisecond)))

	require.NoError(t, sched.Start(context.Background()))
	defer stopScheduler(t, sched)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), processed.Load(), "job should not run before its start time")

	require.Eventually(t, func() bool { return processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_SingleThread(t *testing.T) {
	var processed atomic.Int32
	sched, _ := newTestScheduler(t, countingRegistry("inline", &processed), func(c *Config) { c.ThreadCount = 1 })

	for _, name := range []string{"a", "b", "c"} {
		scheduleNow(t, sched, NewJob("inline").WithIdentity(name, "test"),
			NewTrigger(name, "test").StartAt(time.Now()))
	}
	require.NoError(t, sched.Start(context.Background()))
	defer stopScheduler(t, sched)

	require.Eventually(t, func() bool { return processed.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_JobErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unschedule firing trigger", func(t *testing.T) {
		registry := NewJobRegistry()
		registry.RegisterFunc("stop-me", func(ctx context.Context, ec *ExecutionContext) error {
			return &JobExecutionError{Err: errors.New("done for good"), UnscheduleFiringTrigger: true}
		})
		sched, store := newTestScheduler(t, registry, nil)
		scheduleNow(t, sched, NewJob("stop-me").WithIdentity("job1", "test"),
			NewTrigger("trigger1", "test").StartAt(time.Now()).
				WithSchedule(SimpleSchedule().WithInterval(time.Hour).RepeatForever()))

		require.NoError(t, sched.Start(ctx))
		defer stopScheduler(t, sched)

		require.Eventually(t, func() bool {
			state, err := store.TriggerState(ctx, NewKey("trigger1", "test"))
			return err == nil && state == StateComplete
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("refire immediately", func(t *testing.T) {
		var mu sync.Mutex
		var refires []int
		registry := NewJobRegistry()
		registry.RegisterFunc("flaky", func(ctx context.Context, ec *ExecutionContext) error {
			mu.Lock()
			defer mu.Unlock()
			refires = append(refires, ec.RefireCount)
			if ec.RefireCount < 2 {
				return &JobExecutionError{Err: errors.New("try again"), RefireImmediately: true}
			}
			return nil
		})
		sched, _ := newTestScheduler(t, registry, nil)
		scheduleNow(t, sched, NewJob("flaky").WithIdentity("job1", "test"),
			NewTrigger("trigger1", "test").StartAt(time.Now()))

		require.NoError(t, sched.Start(ctx))
		defer stopScheduler(t, sched)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(refires) == 3
		}, 2*time.Second, 10*time.Millisecond)
		mu.Lock()
		assert.Equal(t, []int{0, 1, 2}, refires)
		mu.Unlock()
	})

	t.Run("panic is recovered", func(t *testing.T) {
		var processed atomic.Int32
		executed := make(chan error, 4)
		registry := NewJobRegistry()
		registry.RegisterFunc("panics", func(ctx context.Context, ec *ExecutionContext) error {
			panic("boom")
		})
		registry.RegisterFunc("fine", func(ctx context.Context, ec *ExecutionContext) error {
			processed.Add(1)
			return nil
		})
		sched, _ := newTestScheduler(t, registry, nil)
		sched.AddJobListener(JobListenerFuncs{
			ListenerName: "errors",
			OnExecuted: func(ctx context.Context, ec *ExecutionContext, err error) {
				executed <- err
			},
		}, GroupEquals("panicky"))

		scheduleNow(t, sched, NewJob("panics").WithIdentity("job1", "panicky"),
			NewTrigger("trigger1", "test").StartAt(time.Now()))
		scheduleNow(t, sched, NewJob("fine").WithIdentity("job2", "test"),
			NewTrigger("trigger2", "test").StartAt(time.Now().Add(100*time.Millisecond)))

		require.NoError(t, sched.Start(ctx))
		defer stopScheduler(t, sched)

		select {
		case err := <-executed:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "panicked")
		case <-time.After(2 * time.Second):
			t.Fatal("panicking job was not reported")
		}
		require.Eventually(t, func() bool { return processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unregistered job type", func(t *testing.T) {
		var reported atomic.Int32
		sched, store := newTestScheduler(t, NewJobRegistry(), func(c *Config) {
			c.OnError = func(ctx context.Context, err error) { reported.Add(1) }
		})
		scheduleNow(t, sched, NewJob("unknown").WithIdentity("job1", "test").StoreDurably(),
			NewTrigger("trigger1", "test").StartAt(time.Now()).
				WithSchedule(SimpleSchedule().WithInterval(time.Hour).RepeatForever()))

		require.NoError(t, sched.Start(ctx))
		defer stopScheduler(t, sched)

		require.Eventually(t, func() bool {
			rec, err := store.TriggerRecord(ctx, NewKey("trigger1", "test"))
			return err == nil && rec != nil && rec.State == StateError
		}, 2*time.Second, 10*time.Millisecond)
		rec, err := store.TriggerRecord(ctx, NewKey("trigger1", "test"))
		require.NoError(t, err)
		assert.Contains(t, rec.ErrorMessage, "no job registered")
		assert.Equal(t, int32(0), reported.Load(), "job errors are not loop errors")
	})
}

func TestScheduler_PersistJobData(t *testing.T) {
	registry := NewJobRegistry()
	registry.RegisterFunc("counter", func(ctx context.Context, ec *ExecutionContext) error {
		count, _ := ec.JobDetail.DataMap["count"].(int)
		ec.JobDetail.DataMap["count"] = count + 1
		return nil
	})
	sched, store := newTestScheduler(t, registry, nil)

	ctx := context.Background()
	job := scheduleNow(t, sched,
		NewJob("counter").WithIdentity("counter", "test").UsingJobData("count", 0).
			StoreDurably().DisallowConcurrentExecution().PersistJobDataAfterExecution(),
		NewTrigger("counter", "test").StartAt(time.Now()).
			WithSchedule(SimpleSchedule().WithInterval(50*time.Millisecond).WithRepeatCount(2)))

	require.NoError(t, sched.Start(ctx))
	defer stopScheduler(t, sched)

	require.Eventually(t, func() bool {
		stored, err := store.RetrieveJob(ctx, job.Key)
		return err == nil && stored != nil && stored.DataMap["count"] == 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_DisallowConcurrentExecution(t *testing.T) {
	var running, maxRunning, total atomic.Int32
	registry := NewJobRegistry()
	registry.RegisterFunc("exclusive", func(ctx context.Context, ec *ExecutionContext) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		running.Add(-1)
		total.Add(1)
		return nil
	})
	sched, _ := newTestScheduler(t, registry, nil)

	ctx := context.Background()
	job, err := NewJob("exclusive").WithIdentity("job1", "test").StoreDurably().DisallowConcurrentExecution().Build()
	require.NoError(t, err)
	require.NoError(t, sched.AddJob(ctx, job, false))
	for _, name := range []string{"t1", "t2", "t3"} {
		trigger, err := NewTrigger(name, "test").ForJob(job.Key).StartAt(time.Now()).Build()
		require.NoError(t, err)
		_, err = sched.ScheduleTrigger(ctx, trigger)
		require.NoError(t, err)
	}

	require.NoError(t, sched.Start(ctx))
	defer stopScheduler(t, sched)

	require.Eventually(t, func() bool { return total.Load() == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestScheduler_StopWaitsForRunningJobs(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	registry := NewJobRegistry()
	registry.RegisterFunc("slow", func(ctx context.Context, ec *ExecutionContext) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	sched, _ := newTestScheduler(t, registry, nil)
	scheduleNow(t, sched, NewJob("slow").WithIdentity("job1", "test"),
		NewTrigger("trigger1", "test").StartAt(time.Now()))

	require.NoError(t, sched.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}

	stopScheduler(t, sched)
	assert.True(t, finished.Load())
}

func TestScheduler_RecoversInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store, err := NewStore(StoreConfig{Backend: backend, InstanceID: "node-1"})
	require.NoError(t, err)

	job, err := NewJob("recoverable").WithIdentity("job1", "test").RequestRecovery().Build()
	require.NoError(t, err)
	trigger, err := NewTrigger("trigger1", "test").ForJob(job.Key).StartAt(time.Now().Add(-time.Second)).
		WithSchedule(SimpleSchedule().WithInterval(time.Hour).RepeatForever()).Build()
	require.NoError(t, err)
	trigger.ComputeFirstFireTime(nil)
	require.NoError(t, store.StoreJobAndTrigger(ctx, job, trigger))

	// Fire without running the job, as if the process died mid-execution.
	fired := fireDue(t, store, time.Now())
	require.Len(t, fired, 1)

	recovered := make(chan JobDataMap, 1)
	registry := NewJobRegistry()
	registry.RegisterFunc("recoverable", func(ctx context.Context, ec *ExecutionContext) error {
		if ec.Trigger.Key().Group == RecoveringJobsGroup {
			recovered <- ec.MergedJobDataMap
		}
		return nil
	})

	restarted, err := NewStore(StoreConfig{Backend: backend, InstanceID: "node-1"})
	require.NoError(t, err)
	sched, err := New(Config{Store: restarted, JobFactory: registry, SleepTime: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	defer stopScheduler(t, sched)

	select {
	case data := <-recovered:
		assert.Equal(t, "trigger1", data[RecoveryTriggerName])
		assert.Equal(t, "test", data[RecoveryTriggerGroup])
	case <-time.After(2 * time.Second):
		t.Fatal("interrupted job was not recovered")
	}
}

func TestScheduler_StopReleasesWaitingFirings(t *testing.T) {
	for _, tt := range []struct {
		name     string
		threads  int
		sleepers int // loop timer plus the run shell waiting for the fire time
	}{
		{name: "single thread", threads: 1, sleepers: 1},
		{name: "worker pool", threads: 4, sleepers: 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, clock := newTestStore(t)
			var runs atomic.Int32
			sched, err := New(Config{
				Store:        store,
				JobFactory:   countingRegistry("count", &runs),
				SleepTime:    time.Minute,
				MaxBatchSize: 5,
				ThreadCount:  tt.threads,
			})
			require.NoError(t, err)
			job := scheduleNow(t, sched, NewJob("count").WithIdentity("job1", "test"),
				NewTrigger("trigger1", "test").StartAt(at(30*time.Second)))

			require.NoError(t, sched.Start(ctx))
			clock.BlockUntil(tt.sleepers)
			stopScheduler(t, sched)

			assert.Zero(t, runs.Load())
			assertState(t, store, NewKey("trigger1", "test"), StateWaiting)
			trigger, err := store.RetrieveTrigger(ctx, NewKey("trigger1", "test"))
			require.NoError(t, err)
			require.NotNil(t, trigger)
			assertFireTime(t, at(30*time.Second), trigger.NextFireTime())
			exists, err := store.CheckJobExists(ctx, job.Key)
			require.NoError(t, err)
			assert.True(t, exists)
			records, err := store.backend.FiredTriggersForInstance(ctx, store.InstanceID())
			require.NoError(t, err)
			assert.Empty(t, records)

			restarted, err := New(Config{Store: store, JobFactory: countingRegistry("count", &runs), SleepTime: time.Minute, ThreadCount: 1})
			require.NoError(t, err)
			require.NoError(t, restarted.Start(ctx))
			clock.BlockUntil(1)
			clock.Advance(30 * time.Second)
			assert.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
			stopScheduler(t, restarted)
		})
	}
}

func TestScheduler_FiringBeyondMaxWaitIsErrored(t *testing.T) {
	store, _ := newTestStore(t)
	var runs atomic.Int32
	sched, err := New(Config{
		Store:              store,
		JobFactory:         countingRegistry("count", &runs),
		SleepTime:          10 * time.Minute,
		MaxWaitForFireTime: 2 * time.Minute,
		ThreadCount:        1,
	})
	require.NoError(t, err)
	scheduleNow(t, sched, NewJob("count").WithIdentity("job1", "test"),
		NewTrigger("trigger1", "test").StartAt(at(5*time.Minute)))

	require.NoError(t, sched.Start(context.Background()))
	defer stopScheduler(t, sched)

	key := NewKey("trigger1", "test")
	assert.Eventually(t, func() bool {
		state, err := store.TriggerState(context.Background(), key)
		return err == nil && state == StateError
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.TriggerRecord(context.Background(), key)
	require.NoError(t, err)
	assert.Contains(t, rec.ErrorMessage, "is 5m0s away, beyond the 2m0s limit")
	assert.Zero(t, runs.Load())
}

package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/coredata/coredatatest"
	"github.com/inngest/runengine/pkg/coredata/inmemory"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/inngest/runengine/pkg/execution/simplequeue"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC)

type triggers struct {
	mu     sync.Mutex
	params []TriggerParams
	err    error
}

func (tr *triggers) handle(ctx context.Context, p TriggerParams) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.params = append(tr.params, p)
	return tr.err
}

func (tr *triggers) calls() []TriggerParams {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]TriggerParams{}, tr.params...)
}

func newClient(t *testing.T) rueidis.Client {
	t.Helper()
	r := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)
	return rc
}

func newEngine(t *testing.T, rc rueidis.Client, store coredata.Store, clock clockwork.Clock, opts ...Opt) *Engine {
	t.Helper()
	e, err := New(rc, store, append([]Opt{
		WithClock(clock),
		WithDistributionWindow(10 * time.Second),
	}, opts...)...)
	require.NoError(t, err)
	return e
}

func queueSize(t *testing.T, e *Engine) int64 {
	t.Helper()
	n, err := e.Queue().Size(context.Background(), true)
	require.NoError(t, err)
	return n
}

func TestNext(t *testing.T) {
	next, err := Next("0 * * * *", "", start)
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)))

	// 09:00 in New York is 14:00 UTC in January.
	next, err = Next("0 9 * * *", "America/New_York", start)
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)))

	next, err = Next("@daily", "", start)
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)))

	_, err = Next("not a cron", "", start)
	require.Error(t, err)

	_, err = Next("0 * * * *", "Mars/Olympus_Mons", start)
	require.Error(t, err)
}

func TestUpcoming(t *testing.T) {
	upcoming, err := Upcoming("0 * * * *", "", start, 3)
	require.NoError(t, err)
	require.Len(t, upcoming, 3)
	for i, at := range upcoming {
		require.True(t, at.Equal(time.Date(2026, 1, 5, 11+i, 0, 0, 0, time.UTC)), at)
	}
}

func TestDistributedExecutionTime(t *testing.T) {
	e := newEngine(t, newClient(t), inmemory.New(), clockwork.NewFakeClockAt(start), WithDistributionWindow(30*time.Second))

	exact := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		at := e.DistributedExecutionTime(exact)
		require.False(t, at.Before(exact))
		require.True(t, at.Before(exact.Add(30*time.Second)))
	}

	e = newEngine(t, newClient(t), inmemory.New(), clockwork.NewFakeClockAt(start), WithDistributionWindow(0))
	require.True(t, e.DistributedExecutionTime(exact).Equal(exact))
}

func TestRegisterNextTaskScheduleInstance(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	f := coredatatest.Seed(t, store)
	e := newEngine(t, newClient(t), store, clockwork.NewFakeClockAt(start))

	require.NoError(t, e.RegisterNextTaskScheduleInstance(ctx, f.Instance.ID))

	sic, err := store.GetScheduleInstance(ctx, f.Instance.ID)
	require.NoError(t, err)
	next := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)
	require.True(t, sic.Instance.NextScheduledTimestamp.Equal(next))
	require.Nil(t, sic.Instance.LastScheduledTimestamp)

	job := TriggerScheduledTaskJob{InstanceID: f.Instance.ID, ExactScheduleTime: next}
	item, err := e.Queue().Get(ctx, job.JobID())
	require.NoError(t, err)
	require.Equal(t, KindTriggerScheduledTask, item.Kind)

	t.Run("changed expressions replace the armed timer", func(t *testing.T) {
		f.Schedule.GeneratorExpression = "30 * * * *"
		require.NoError(t, store.UpsertTaskSchedule(ctx, f.Schedule))
		require.NoError(t, e.RegisterNextTaskScheduleInstance(ctx, f.Instance.ID))

		_, err := e.Queue().Get(ctx, job.JobID())
		require.ErrorIs(t, err, simplequeue.ErrItemNotFound)
		require.EqualValues(t, 1, queueSize(t, e))

		sic, err := store.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.True(t, sic.Instance.NextScheduledTimestamp.Equal(time.Date(2026, 1, 5, 11, 30, 0, 0, time.UTC)))
	})

	t.Run("missed occurrences are skipped", func(t *testing.T) {
		last := start.Add(-48 * time.Hour)
		require.NoError(t, store.UpdateScheduleInstanceTimestamps(ctx, f.Instance.ID, &last, last))
		require.NoError(t, e.RegisterNextTaskScheduleInstance(ctx, f.Instance.ID))

		sic, err := store.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.False(t, sic.Instance.NextScheduledTimestamp.Before(start))
	})

	t.Run("unknown instances", func(t *testing.T) {
		err := e.RegisterNextTaskScheduleInstance(ctx, "missing")
		require.ErrorIs(t, err, coredata.ErrNotFound)
	})
}

func TestTriggerScheduledTask(t *testing.T) {
	ctx := context.Background()
	next := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)
	following := next.Add(time.Hour)

	setup := func(t *testing.T, connected bool, opts ...Opt) (*Engine, coredata.Store, coredatatest.Fixture, clockwork.FakeClock, *triggers) {
		store := inmemory.New()
		f := coredatatest.Seed(t, store)
		clock := clockwork.NewFakeClockAt(start)
		tr := &triggers{}
		e := newEngine(t, newClient(t), store, clock, append([]Opt{
			WithOnTrigger(tr.handle),
			WithDevEnvironmentConnected(func(ctx context.Context, envID string) bool {
				return connected
			}),
		}, opts...)...)
		require.NoError(t, e.RegisterNextTaskScheduleInstance(ctx, f.Instance.ID))
		return e, store, f, clock, tr
	}

	t.Run("fires and re-arms", func(t *testing.T) {
		e, store, f, clock, tr := setup(t, true)

		n, err := e.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, n)

		clock.Advance(next.Add(10 * time.Second).Sub(start))
		n, err = e.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		calls := tr.calls()
		require.Len(t, calls, 1)
		require.True(t, calls[0].Timestamp.Equal(next))
		require.Equal(t, f.Schedule.TaskIdentifier, calls[0].TaskIdentifier)
		require.Equal(t, f.Env.ID, calls[0].Environment.ID)
		require.Len(t, calls[0].Upcoming, 10)
		require.True(t, calls[0].Upcoming[0].Equal(following))

		sic, err := store.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.True(t, sic.Instance.LastScheduledTimestamp.Equal(next))
		require.True(t, sic.Instance.NextScheduledTimestamp.Equal(following))
		require.NotNil(t, sic.Schedule.LastRunTriggeredAt)

		// Only the next occurrence is armed.
		require.EqualValues(t, 1, queueSize(t, e))
		_, err = e.Queue().Get(ctx, TriggerScheduledTaskJob{InstanceID: f.Instance.ID, ExactScheduleTime: following}.JobID())
		require.NoError(t, err)
	})

	t.Run("failed triggers still re-arm", func(t *testing.T) {
		e, store, f, clock, tr := setup(t, true)
		tr.err = fmt.Errorf("boom")

		clock.Advance(next.Add(10 * time.Second).Sub(start))
		n, err := e.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Len(t, tr.calls(), 1)

		sic, err := store.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.True(t, sic.Instance.NextScheduledTimestamp.Equal(following))
		require.Nil(t, sic.Schedule.LastRunTriggeredAt)
		require.EqualValues(t, 1, queueSize(t, e))
	})

	t.Run("disconnected dev environments are re-armed without triggering", func(t *testing.T) {
		e, store, f, _, tr := setup(t, false)

		err := e.TriggerScheduledTask(ctx, TriggerScheduledTaskJob{InstanceID: f.Instance.ID, ExactScheduleTime: next}, false)
		require.NoError(t, err)
		require.Empty(t, tr.calls())

		sic, err := store.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.True(t, sic.Instance.NextScheduledTimestamp.Equal(following))
	})

	skips := map[string]func(t *testing.T, e *Engine, store coredata.Store, f coredatatest.Fixture){
		"deleted organization": func(t *testing.T, e *Engine, store coredata.Store, f coredatatest.Fixture) {
			f.Org.DeletedAt = &start
			require.NoError(t, store.UpsertOrganization(ctx, f.Org))
		},
		"deleted project": func(t *testing.T, e *Engine, store coredata.Store, f coredatatest.Fixture) {
			f.Project.DeletedAt = &start
			require.NoError(t, store.UpsertProject(ctx, f.Project))
		},
		"archived environment": func(t *testing.T, e *Engine, store coredata.Store, f coredatatest.Fixture) {
			f.Env.ArchivedAt = &start
			require.NoError(t, store.UpsertEnvironment(ctx, f.Env))
		},
		"inactive instance": func(t *testing.T, e *Engine, store coredata.Store, f coredatatest.Fixture) {
			require.NoError(t, e.DeactivateInstance(ctx, f.Instance.ID))
		},
		"inactive schedule": func(t *testing.T, e *Engine, store coredata.Store, f coredatatest.Fixture) {
			f.Schedule.Active = false
			require.NoError(t, store.UpsertTaskSchedule(ctx, f.Schedule))
		},
	}
	for name, mutate := range skips {
		t.Run("skips "+name, func(t *testing.T) {
			e, store, f, clock, tr := setup(t, true)
			mutate(t, e, store, f)

			clock.Advance(next.Add(10 * time.Second).Sub(start))
			n, err := e.ProcessOnce(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			require.Empty(t, tr.calls())

			require.EqualValues(t, 0, queueSize(t, e))
			sic, err := store.GetScheduleInstance(ctx, f.Instance.ID)
			require.NoError(t, err)
			require.True(t, sic.Instance.NextScheduledTimestamp.Equal(next))
		})
	}

	t.Run("skips superseded occurrences", func(t *testing.T) {
		e, _, f, _, tr := setup(t, true)

		err := e.TriggerScheduledTask(ctx, TriggerScheduledTaskJob{InstanceID: f.Instance.ID, ExactScheduleTime: next.Add(-time.Hour)}, false)
		require.NoError(t, err)
		require.Empty(t, tr.calls())
	})

	t.Run("skips unknown instances", func(t *testing.T) {
		e, _, _, _, tr := setup(t, true)

		err := e.TriggerScheduledTask(ctx, TriggerScheduledTaskJob{InstanceID: "missing", ExactScheduleTime: next}, false)
		require.NoError(t, err)
		require.Empty(t, tr.calls())
	})
}

// failingStore fails to persist schedule timestamps.
type failingStore struct {
	coredata.Store
	fail bool
}

func (s *failingStore) UpdateScheduleInstanceTimestamps(ctx context.Context, id string, last *time.Time, next time.Time) error {
	if s.fail {
		return fmt.Errorf("database unavailable")
	}
	return s.Store.UpdateScheduleInstanceTimestamps(ctx, id, last, next)
}

func TestTriggerScheduledTaskRegistrationFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: inmemory.New()}
	f := coredatatest.Seed(t, store)
	tr := &triggers{}
	e := newEngine(t, newClient(t), store, clockwork.NewFakeClockAt(start),
		WithOnTrigger(tr.handle),
		WithDevEnvironmentConnected(func(ctx context.Context, envID string) bool { return true }),
	)
	require.NoError(t, e.RegisterNextTaskScheduleInstance(ctx, f.Instance.ID))

	store.fail = true
	job := TriggerScheduledTaskJob{InstanceID: f.Instance.ID, ExactScheduleTime: time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)}

	err := e.TriggerScheduledTask(ctx, job, false)
	require.Error(t, err)

	// The final attempt gives up quietly.
	err = e.TriggerScheduledTask(ctx, job, true)
	require.NoError(t, err)

	require.Len(t, tr.calls(), 2)
}

func TestTriggerScheduledTaskRearmsAfterEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	f := coredatatest.Seed(t, store)
	tr := &triggers{}

	mr := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	e := newEngine(t, rc, store, clockwork.NewFakeClockAt(start),
		WithOnTrigger(tr.handle),
		WithDevEnvironmentConnected(func(ctx context.Context, envID string) bool { return true }),
	)
	require.NoError(t, e.RegisterNextTaskScheduleInstance(ctx, f.Instance.ID))

	job := TriggerScheduledTaskJob{InstanceID: f.Instance.ID, ExactScheduleTime: time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)}
	next := TriggerScheduledTaskJob{InstanceID: f.Instance.ID, ExactScheduleTime: time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)}

	// The next occurrence is persisted but its timer cannot be armed.
	mr.SetError("ERR redis unavailable")
	err = e.TriggerScheduledTask(ctx, job, false)
	mr.SetError("")
	require.Error(t, err)
	require.Len(t, tr.calls(), 1)

	sic, err := store.GetScheduleInstance(ctx, f.Instance.ID)
	require.NoError(t, err)
	require.True(t, sic.Instance.NextScheduledTimestamp.Equal(next.ExactScheduleTime))
	_, err = e.Queue().Get(ctx, next.JobID())
	require.ErrorIs(t, err, simplequeue.ErrItemNotFound)

	// The retry does not fire again but arms the missing timer.
	require.NoError(t, e.TriggerScheduledTask(ctx, job, false))
	require.Len(t, tr.calls(), 1)
	item, err := e.Queue().Get(ctx, next.JobID())
	require.NoError(t, err)
	require.Equal(t, KindTriggerScheduledTask, item.Kind)

	// Further retries leave the armed timer alone.
	size := queueSize(t, e)
	require.NoError(t, e.TriggerScheduledTask(ctx, job, false))
	require.Equal(t, size, queueSize(t, e))
}

func TestDecodeJob(t *testing.T) {
	_, err := DecodeJob(simplequeue.Item{Kind: "schedule.unknown"})
	require.ErrorIs(t, err, ErrUnknownJobKind)

	_, err = DecodeJob(simplequeue.Item{Kind: KindEnqueueDelayedRun, Payload: []byte("{")})
	require.Error(t, err)

	job, err := DecodeJob(simplequeue.Item{Kind: KindEnqueueDelayedRun, Payload: []byte(`{"runId":"r1"}`)})
	require.NoError(t, err)
	require.Equal(t, EnqueueDelayedRunJob{RunID: "r1"}, job)
}

func TestDelayedRuns(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Engine, *runqueue.RunQueue, coredata.Store, coredatatest.Fixture, clockwork.FakeClock) {
		rc := newClient(t)
		clock := clockwork.NewFakeClockAt(start)
		store := inmemory.New()
		f := coredatatest.Seed(t, store)
		rq := runqueue.New(rc, runqueue.WithClock(clock))
		e := newEngine(t, rc, store, clock, WithRunEnqueuer(rq))
		return e, rq, store, f, clock
	}

	newRun := func(f coredatatest.Fixture, at time.Time) coredata.DelayedRun {
		return coredata.DelayedRun{
			RunID:          "run_" + f.Instance.ID,
			EnvironmentID:  f.Env.ID,
			TaskIdentifier: "send-email",
			Queue:          "task/send-email",
			MasterQueue:    "main",
			Payload:        []byte(`{"to":"a@b.c"}`),
			DelayUntil:     at,
		}
	}

	t.Run("enqueues once the delay passed", func(t *testing.T) {
		e, rq, store, f, clock := setup(t)
		run := newRun(f, start.Add(time.Minute))
		require.NoError(t, e.DelayRun(ctx, run))

		n, err := e.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, n)

		clock.Advance(time.Minute)
		n, err = e.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		msg, err := rq.ReadMessage(ctx, f.Org.ID, run.RunID)
		require.NoError(t, err)
		require.Equal(t, "task/send-email", msg.Queue)
		require.JSONEq(t, `{"to":"a@b.c"}`, string(msg.Data))

		got, err := store.GetDelayedRun(ctx, run.RunID)
		require.NoError(t, err)
		require.Equal(t, coredata.DelayedRunStatusEnqueued, got.Status)

		err = e.RescheduleDelayedRun(ctx, run.RunID, start.Add(time.Hour))
		require.ErrorIs(t, err, ErrRunNotDelayed)
	})

	t.Run("timers dispatched before a reschedule do nothing", func(t *testing.T) {
		e, rq, store, f, clock := setup(t)
		run := newRun(f, start.Add(time.Minute))
		require.NoError(t, e.DelayRun(ctx, run))
		require.NoError(t, e.RescheduleDelayedRun(ctx, run.RunID, start.Add(5*time.Minute)))

		// Only the new timer remains armed.
		require.EqualValues(t, 1, queueSize(t, e))

		// A stale timer already in flight re-checks the stored target.
		clock.Advance(time.Minute)
		err := e.EnqueueDelayedRun(ctx, EnqueueDelayedRunJob{RunID: run.RunID, DelayUntil: run.DelayUntil})
		require.NoError(t, err)
		_, err = rq.ReadMessage(ctx, f.Org.ID, run.RunID)
		require.ErrorIs(t, err, runqueue.ErrMessageNotFound)

		got, err := store.GetDelayedRun(ctx, run.RunID)
		require.NoError(t, err)
		require.Equal(t, coredata.DelayedRunStatusDelayed, got.Status)

		clock.Advance(4 * time.Minute)
		n, err := e.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = rq.ReadMessage(ctx, f.Org.ID, run.RunID)
		require.NoError(t, err)
	})

	t.Run("unknown runs", func(t *testing.T) {
		e, _, _, _, _ := setup(t)
		require.ErrorIs(t, e.RescheduleDelayedRun(ctx, "missing", start), ErrRunNotDelayed)
		require.NoError(t, e.EnqueueDelayedRun(ctx, EnqueueDelayedRunJob{RunID: "missing"}))
	})

	t.Run("requires a run enqueuer", func(t *testing.T) {
		store := inmemory.New()
		f := coredatatest.Seed(t, store)
		e := newEngine(t, newClient(t), store, clockwork.NewFakeClockAt(start))
		run := newRun(f, start)
		require.NoError(t, store.UpsertDelayedRun(ctx, run))
		require.ErrorIs(t, e.EnqueueDelayedRun(ctx, EnqueueDelayedRunJob{RunID: run.RunID}), ErrNoRunEnqueuer)
	})
}

func TestIndependentEngines(t *testing.T) {
	ctx := context.Background()
	rc := newClient(t)
	store := inmemory.New()
	f := coredatatest.Seed(t, store)
	clock := clockwork.NewFakeClockAt(start)

	a := newEngine(t, rc, store, clock, WithQueueName("schedule-a"))
	b := newEngine(t, rc, store, clock, WithQueueName("schedule-b"))

	require.NoError(t, a.RegisterNextTaskScheduleInstance(ctx, f.Instance.ID))
	require.EqualValues(t, 1, queueSize(t, a))
	require.EqualValues(t, 0, queueSize(t, b))
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	f := coredatatest.Seed(t, store)
	clock := clockwork.NewFakeClockAt(start)
	tr := &triggers{}
	e := newEngine(t, newClient(t), store, clock,
		WithOnTrigger(tr.handle),
		WithDevEnvironmentConnected(func(ctx context.Context, envID string) bool { return true }),
	)
	require.NoError(t, e.RegisterNextTaskScheduleInstance(ctx, f.Instance.ID))

	clock.Advance(time.Hour)
	require.NoError(t, e.Start(ctx))
	require.ErrorIs(t, e.Start(ctx), simplequeue.ErrWorkerStarted)

	require.Eventually(t, func() bool {
		return len(tr.calls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	e.Stop()
}

package start

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/coredata/coredatatest"
	"github.com/inngest/runengine/pkg/coredata/inmemory"
	"github.com/inngest/runengine/pkg/execution/batchqueue"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/inngest/runengine/pkg/execution/schedule"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"
)

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

func TestRunCreator(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	rq := runqueue.New(newClient(t), runqueue.WithClock(clock))
	store := inmemory.New()
	f := coredatatest.Seed(t, store)
	env := f.Env.QueueEnv()
	runs := runCreator{runs: rq, envs: store, masterQueue: "main"}

	t.Run("scheduled tasks", func(t *testing.T) {
		at := clock.Now().Truncate(time.Hour)
		err := runs.triggerScheduledTask(ctx, schedule.TriggerParams{
			ScheduleID:     f.Schedule.ID,
			TaskIdentifier: "daily-report",
			Environment:    f.Env,
			Timestamp:      at,
			Upcoming:       []time.Time{at.Add(time.Hour)},
		})
		require.NoError(t, err)

		n, err := rq.LengthOfQueue(ctx, env, TaskQueueName("daily-report"), "")
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		msg, err := rq.DequeueMessageInSharedQueue(ctx, "test", "main")
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Equal(t, "daily-report", msg.Message.TaskIdentifier)

		payload := ScheduledPayload{}
		require.NoError(t, json.Unmarshal(msg.Message.Data, &payload))
		require.Equal(t, f.Schedule.ID, payload.ScheduleID)
		require.True(t, payload.Timestamp.Equal(at))
		require.Len(t, payload.Upcoming, 1)
	})

	t.Run("batch items", func(t *testing.T) {
		runID, err := runs.processBatchItem(ctx, batchqueue.DRRResult{
			DequeuedItem: batchqueue.DequeuedItem{
				BatchID: "b1",
				EnvID:   f.Env.ID,
				Item: batchqueue.Item{
					TaskIdentifier: "send-email",
					Payload:        json.RawMessage(`{"to":"a@b.c"}`),
				},
			},
		})
		require.NoError(t, err)

		msg, err := rq.ReadMessage(ctx, f.Org.ID, runID)
		require.NoError(t, err)
		require.Equal(t, TaskQueueName("send-email"), msg.Queue)
		require.JSONEq(t, `{"to":"a@b.c"}`, string(msg.Data))
	})

	t.Run("batch item errors carry a code", func(t *testing.T) {
		_, err := runs.processBatchItem(ctx, batchqueue.DRRResult{
			DequeuedItem: batchqueue.DequeuedItem{EnvID: "missing", Item: batchqueue.Item{TaskIdentifier: "x"}},
		})
		var ie batchqueue.ItemError
		require.ErrorAs(t, err, &ie)
		require.Equal(t, "ENVIRONMENT_NOT_FOUND", ie.Code)

		_, err = runs.processBatchItem(ctx, batchqueue.DRRResult{
			DequeuedItem: batchqueue.DequeuedItem{EnvID: f.Env.ID},
		})
		require.ErrorAs(t, err, &ie)
		require.Equal(t, "INVALID_ITEM", ie.Code)
	})
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	rc := newClient(t)
	rq := runqueue.New(rc)
	bq := batchqueue.New(rc)
	srv := httptest.NewServer(router(rq, bq, logger.VoidLogger()))
	t.Cleanup(srv.Close)

	_, err := bq.EnqueueBatch(ctx, batchqueue.EnqueueBatchOpts{
		BatchID: "b1",
		EnvID:   "env1",
		Items:   []batchqueue.Item{{TaskIdentifier: "a"}},
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/debug/batches")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batches := []batchqueue.BatchInfo{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batches))
	require.Len(t, batches, 1)
	require.Equal(t, "b1", batches[0].BatchID)

	resp2, err := http.Get(srv.URL + "/debug/queues/main")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
}

type countingReader struct {
	coredata.EntityReader
	calls int
}

func (c *countingReader) GetEnvironment(ctx context.Context, id string) (*coredata.Environment, error) {
	c.calls++
	return c.EntityReader.GetEnvironment(ctx, id)
}

func TestEnvCache(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	f := coredatatest.Seed(t, store)
	r := &countingReader{EntityReader: store}
	envs := newEnvCache(r, time.Minute)
	t.Cleanup(envs.Stop)

	for range 3 {
		env, err := envs.GetEnvironment(ctx, f.Env.ID)
		require.NoError(t, err)
		require.Equal(t, f.Env.ID, env.ID)
	}
	require.Equal(t, 1, r.calls)

	_, err := envs.GetEnvironment(ctx, "missing")
	require.ErrorIs(t, err, coredata.ErrNotFound)
	require.Equal(t, 2, r.calls)
}

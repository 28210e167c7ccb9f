package bench

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/inngest/runengine/pkg/execution/batchqueue"
	"github.com/inngest/runengine/pkg/execution/queue"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/inngest/runengine/pkg/telemetry/metrics"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"
)

// setupMetrics exports benchmark metrics when BENCH_METRICS names an
// exporter, eg. "otlp".
func setupMetrics(b *testing.B) func() {
	exporter := os.Getenv("BENCH_METRICS")
	if exporter == "" {
		return func() {}
	}
	mtype, err := metrics.ParseMeterType(exporter)
	require.NoError(b, err)
	shutdown, err := metrics.MeterSetup("benchmark", mtype)
	require.NoError(b, err)
	return shutdown
}

// redisClient connects to BENCH_REDIS_ADDR, falling back to miniredis.
func redisClient(b *testing.B) rueidis.Client {
	addr := os.Getenv("BENCH_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(b).Addr()
	}
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	})
	require.NoError(b, err)
	b.Cleanup(rc.Close)
	return rc
}

func BenchmarkRunQueue(b *testing.B) {
	ctx := context.Background()
	defer setupMetrics(b)()

	processItems := 1000
	masterQueue := "bench-" + uuid.NewString()
	q := runqueue.New(redisClient(b), runqueue.WithKeyPrefix(uuid.NewString()))

	for b.Loop() {
		b.StopTimer()
		envs := make([]queue.Env, 10)
		for i := range envs {
			envs[i] = queue.Env{
				ID:                      uuid.NewString(),
				Type:                    queue.EnvTypeProduction,
				OrganizationID:          uuid.NewString(),
				ProjectID:               uuid.NewString(),
				MaximumConcurrencyLimit: processItems,
			}
		}
		b.StartTimer()

		for i := range processItems {
			env := envs[i%len(envs)]
			_, err := q.EnqueueMessage(ctx, runqueue.EnqueueOpts{
				Env: env,
				Message: runqueue.InputMessage{
					RunID:          uuid.NewString(),
					TaskIdentifier: fmt.Sprintf("task-%d", i%5),
					Queue:          fmt.Sprintf("task/task-%d", i%5),
				},
				MasterQueues: []string{masterQueue},
			})
			require.NoError(b, err)
		}

		processed := 0
		for processed < processItems {
			msg, err := q.DequeueMessageInSharedQueue(ctx, "bench", masterQueue)
			require.NoError(b, err)
			require.NotNil(b, msg, "dequeued %d of %d", processed, processItems)
			_, err = q.AcknowledgeMessage(ctx, msg.Message.OrgID, msg.MessageID)
			require.NoError(b, err)
			processed++
		}
	}
}

func BenchmarkBatchQueue(b *testing.B) {
	ctx := context.Background()
	defer setupMetrics(b)()

	bq := batchqueue.New(redisClient(b), batchqueue.WithKeyPrefix(uuid.NewString()))

	for b.Loop() {
		b.StopTimer()
		for i := range 20 {
			items := make([]batchqueue.Item, 50)
			for j := range items {
				items[j] = batchqueue.Item{TaskIdentifier: "task"}
			}
			_, err := bq.EnqueueBatch(ctx, batchqueue.EnqueueBatchOpts{
				BatchID: uuid.NewString(),
				EnvID:   fmt.Sprintf("env-%d", i%4),
				Items:   items,
			})
			require.NoError(b, err)
		}
		b.StartTimer()

		for {
			n, err := bq.ProcessIteration(ctx, func(ctx context.Context, item batchqueue.DRRResult) (string, error) {
				return uuid.NewString(), nil
			})
			require.NoError(b, err)
			if n == 0 {
				break
			}
		}
	}
}

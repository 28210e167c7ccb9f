package runqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/inngest/runengine/pkg/execution/keys"
	"github.com/inngest/runengine/pkg/execution/queue"
)

func (q *RunQueue) zcard(ctx context.Context, key string) (int64, error) {
	n, err := q.client.Do(ctx, q.client.B().Zcard().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading %s: %w", key, err)
	}
	return n, nil
}

func (q *RunQueue) scard(ctx context.Context, key string) (int64, error) {
	n, err := q.client.Do(ctx, q.client.B().Scard().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading %s: %w", key, err)
	}
	return n, nil
}

// LengthOfQueue returns the number of messages waiting in a queue.
func (q *RunQueue) LengthOfQueue(ctx context.Context, env queue.Env, queueName, concurrencyKey string) (int64, error) {
	return q.zcard(ctx, q.kg.QueueKey(env, queueName, concurrencyKey))
}

// LengthOfEnvQueue returns the number of the env's queues with waiting
// messages.
func (q *RunQueue) LengthOfEnvQueue(ctx context.Context, env queue.Env) (int64, error) {
	return q.zcard(ctx, q.kg.EnvQueueKey(env))
}

// LengthOfMasterQueue returns the number of queues listed in a master queue.
func (q *RunQueue) LengthOfMasterQueue(ctx context.Context, masterQueue string) (int64, error) {
	return q.zcard(ctx, q.kg.MasterQueueKey(masterQueue))
}

// OldestMessageInQueue returns the timestamp of the queue's oldest message,
// or the zero time if the queue is empty.
func (q *RunQueue) OldestMessageInQueue(ctx context.Context, env queue.Env, queueName, concurrencyKey string) (time.Time, error) {
	cmd := q.client.B().Zrange().Key(q.kg.QueueKey(env, queueName, concurrencyKey)).Min("0").Max("0").Withscores().Build()
	scores, err := q.client.Do(ctx, cmd).AsZScores()
	if err != nil {
		return time.Time{}, fmt.Errorf("error reading oldest message: %w", err)
	}
	if len(scores) == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(int64(scores[0].Score)), nil
}

func (q *RunQueue) CurrentConcurrencyOfQueue(ctx context.Context, env queue.Env, queueName, concurrencyKey string) (int64, error) {
	d := queueDescriptor(env, queueName)
	d.ConcurrencyKey = concurrencyKey
	return q.scard(ctx, q.kg.QueueCurrentConcurrencyKey(d))
}

func (q *RunQueue) CurrentConcurrencyOfEnv(ctx context.Context, env queue.Env) (int64, error) {
	return q.scard(ctx, q.kg.EnvCurrentConcurrencyKey(keys.EnvDescriptor(env)))
}

func (q *RunQueue) CurrentConcurrencyOfProject(ctx context.Context, env queue.Env) (int64, error) {
	return q.scard(ctx, q.kg.ProjectCurrentConcurrencyKey(keys.EnvDescriptor(env)))
}

func (q *RunQueue) CurrentConcurrencyOfOrg(ctx context.Context, orgID string) (int64, error) {
	return q.scard(ctx, q.kg.OrgCurrentConcurrencyKey(orgID))
}

func (q *RunQueue) CurrentConcurrencyOfTask(ctx context.Context, env queue.Env, task string) (int64, error) {
	return q.scard(ctx, q.kg.TaskCurrentConcurrencyKey(keys.EnvDescriptor(env), task))
}

func (q *RunQueue) ReserveConcurrencyOfEnv(ctx context.Context, env queue.Env) (int64, error) {
	return q.scard(ctx, q.kg.EnvReserveConcurrencyKey(keys.EnvDescriptor(env)))
}

func (q *RunQueue) ReserveConcurrencyOfQueue(ctx context.Context, env queue.Env, queueName string) (int64, error) {
	return q.scard(ctx, q.kg.QueueReserveConcurrencyKey(queueDescriptor(env, queueName)))
}

// InflightCount returns the number of dequeued, unacknowledged messages in a
// shard.
func (q *RunQueue) InflightCount(ctx context.Context, shard int) (int64, error) {
	return q.zcard(ctx, q.kg.InflightKey(shard))
}

package runqueue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/inngest/runengine/pkg/execution/keys"
	"github.com/inngest/runengine/pkg/execution/queue"
	"github.com/redis/rueidis"
)

func (q *RunQueue) getInt(ctx context.Context, key string) (int, bool, error) {
	v, err := q.client.Do(ctx, q.client.B().Get().Key(key).Build()).AsInt64()
	if rueidis.IsRedisNil(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("error reading %s: %w", key, err)
	}
	return int(v), true, nil
}

func (q *RunQueue) setInt(ctx context.Context, key string, v int) error {
	err := q.client.Do(ctx, q.client.B().Set().Key(key).Value(strconv.Itoa(v)).Build()).Error()
	if err != nil {
		return fmt.Errorf("error writing %s: %w", key, err)
	}
	return nil
}

func (q *RunQueue) del(ctx context.Context, key string) error {
	if err := q.client.Do(ctx, q.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("error deleting %s: %w", key, err)
	}
	return nil
}

func queueDescriptor(env queue.Env, name string) queue.Descriptor {
	d := keys.EnvDescriptor(env)
	d.Queue = name
	return d
}

// GetEnvConcurrencyLimits returns the env's effective concurrency limit: the
// stored limit, else the env's maximum, else the configured default.
func (q *RunQueue) GetEnvConcurrencyLimits(ctx context.Context, env queue.Env) (int, error) {
	v, ok, err := q.getInt(ctx, q.kg.EnvConcurrencyLimitKey(keys.EnvDescriptor(env)))
	if err != nil || ok {
		return v, err
	}
	if env.MaximumConcurrencyLimit > 0 {
		return env.MaximumConcurrencyLimit, nil
	}
	return q.defaultEnvLimit, nil
}

// UpdateEnvConcurrencyLimits stores the env's MaximumConcurrencyLimit, or
// removes the stored limit when it is not set.
func (q *RunQueue) UpdateEnvConcurrencyLimits(ctx context.Context, env queue.Env) error {
	key := q.kg.EnvConcurrencyLimitKey(keys.EnvDescriptor(env))
	if env.MaximumConcurrencyLimit <= 0 {
		return q.del(ctx, key)
	}
	return q.setInt(ctx, key, env.MaximumConcurrencyLimit)
}

// GetQueueConcurrencyLimits returns the queue's effective limit, defaulting to
// the env limit.
func (q *RunQueue) GetQueueConcurrencyLimits(ctx context.Context, env queue.Env, queueName string) (int, error) {
	v, ok, err := q.getInt(ctx, q.kg.QueueConcurrencyLimitKey(queueDescriptor(env, queueName)))
	if err != nil || ok {
		return v, err
	}
	return q.GetEnvConcurrencyLimits(ctx, env)
}

func (q *RunQueue) UpdateQueueConcurrencyLimits(ctx context.Context, env queue.Env, queueName string, limit int) error {
	if limit < 0 {
		return fmt.Errorf("invalid concurrency limit %d", limit)
	}
	if !keys.ValidName(queueName) {
		return ErrInvalidName
	}
	return q.setInt(ctx, q.kg.QueueConcurrencyLimitKey(queueDescriptor(env, queueName)), limit)
}

func (q *RunQueue) RemoveQueueConcurrencyLimits(ctx context.Context, env queue.Env, queueName string) error {
	return q.del(ctx, q.kg.QueueConcurrencyLimitKey(queueDescriptor(env, queueName)))
}

// GetTaskConcurrencyLimit returns the task's limit.  ok is false when the
// task is unlimited.
func (q *RunQueue) GetTaskConcurrencyLimit(ctx context.Context, env queue.Env, task string) (limit int, ok bool, err error) {
	return q.getInt(ctx, q.kg.TaskConcurrencyLimitKey(keys.EnvDescriptor(env), task))
}

func (q *RunQueue) UpdateTaskConcurrencyLimit(ctx context.Context, env queue.Env, task string, limit int) error {
	if !keys.ValidName(task) {
		return ErrInvalidName
	}
	return q.setInt(ctx, q.kg.TaskConcurrencyLimitKey(keys.EnvDescriptor(env), task), limit)
}

func (q *RunQueue) RemoveTaskConcurrencyLimit(ctx context.Context, env queue.Env, task string) error {
	return q.del(ctx, q.kg.TaskConcurrencyLimitKey(keys.EnvDescriptor(env), task))
}

func (q *RunQueue) UpdateProjectConcurrencyLimit(ctx context.Context, env queue.Env, limit int) error {
	return q.setInt(ctx, q.kg.ProjectConcurrencyLimitKey(keys.EnvDescriptor(env)), limit)
}

func (q *RunQueue) RemoveProjectConcurrencyLimit(ctx context.Context, env queue.Env) error {
	return q.del(ctx, q.kg.ProjectConcurrencyLimitKey(keys.EnvDescriptor(env)))
}

func (q *RunQueue) UpdateOrgConcurrencyLimit(ctx context.Context, orgID string, limit int) error {
	return q.setInt(ctx, q.kg.OrgConcurrencyLimitKey(orgID), limit)
}

func (q *RunQueue) RemoveOrgConcurrencyLimit(ctx context.Context, orgID string) error {
	return q.del(ctx, q.kg.OrgConcurrencyLimitKey(orgID))
}

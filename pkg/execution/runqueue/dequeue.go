package runqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/inngest/runengine/pkg/execution/queue"
	"github.com/inngest/runengine/pkg/telemetry/metrics"
	"github.com/inngest/runengine/pkg/util"
)

// DequeueStatus is the outcome of a single queue dequeue attempt.
type DequeueStatus int

const (
	DequeueStatusEmpty DequeueStatus = iota
	DequeueStatusDequeued
	DequeueStatusEnvLimited
	DequeueStatusQueueLimited
	DequeueStatusOrgOrProjectLimited
	DequeueStatusTaskLimited
)

func (s DequeueStatus) String() string {
	switch s {
	case DequeueStatusEmpty:
		return "empty"
	case DequeueStatusDequeued:
		return "dequeued"
	case DequeueStatusEnvLimited:
		return "env_limited"
	case DequeueStatusQueueLimited:
		return "queue_limited"
	case DequeueStatusOrgOrProjectLimited:
		return "org_project_limited"
	case DequeueStatusTaskLimited:
		return "task_limited"
	}
	return fmt.Sprintf("DequeueStatus(%d)", int(s))
}

// DequeueMessageInSharedQueue dequeues one message from a queue listed in the
// named master queue.  Candidates are tried in the order chosen by the
// selection strategy; a queue at any of its limits is skipped in favour of the
// next candidate, and once an environment is found at its limit its other
// queues are skipped for the rest of the call.  It returns nil when nothing
// could be dequeued.
func (q *RunQueue) DequeueMessageInSharedQueue(ctx context.Context, consumerID, masterQueue string) (*DequeuedMessage, error) {
	details, err := q.GetSharedQueueDetails(ctx, masterQueue)
	if err != nil {
		return nil, err
	}
	if details.Choice.Abort {
		return nil, nil
	}

	l := q.log.With("consumer_id", consumerID, "master_queue", masterQueue)
	limitedEnvs := map[string]struct{}{}

	for _, queueKey := range details.Choice.Queues {
		d, err := q.kg.Descriptor(queueKey)
		if err != nil {
			l.Warn("skipping malformed queue in master queue", "queue", queueKey, "error", err)
			continue
		}
		if _, ok := limitedEnvs[d.EnvironmentID]; ok {
			continue
		}

		msg, status, err := q.dequeueFromQueue(ctx, queueKey, d)
		if err != nil {
			return nil, err
		}

		switch status {
		case DequeueStatusDequeued:
			l.Debug("dequeued message", "queue", queueKey, "run_id", msg.MessageID)
			return msg, nil
		case DequeueStatusEnvLimited:
			limitedEnvs[d.EnvironmentID] = struct{}{}
			fallthrough
		case DequeueStatusQueueLimited, DequeueStatusOrgOrProjectLimited, DequeueStatusTaskLimited:
			metrics.IncrDequeueConcurrencyLimitedCounter(ctx, metrics.CounterOpt{
				PkgName: pkgName,
				Tags:    map[string]any{"status": status.String()},
			})
		}
	}
	return nil, nil
}

// DequeueMessageInEnv dequeues one message from the oldest queues of a
// single environment.
func (q *RunQueue) DequeueMessageInEnv(ctx context.Context, env queue.Env) (*DequeuedMessage, error) {
	queueKeys, err := q.readyQueues(ctx, q.kg.EnvQueueKey(env))
	if err != nil {
		return nil, err
	}
	for _, queueKey := range queueKeys {
		d, err := q.kg.Descriptor(queueKey)
		if err != nil {
			continue
		}
		msg, status, err := q.dequeueFromQueue(ctx, queueKey, d)
		if err != nil {
			return nil, err
		}
		if status == DequeueStatusDequeued {
			return msg, nil
		}
		if status == DequeueStatusEnvLimited {
			return nil, nil
		}
	}
	return nil, nil
}

func (q *RunQueue) readyQueues(ctx context.Context, masterKey string) ([]string, error) {
	cmd := q.client.B().Zrangebyscore().
		Key(masterKey).
		Min("-inf").
		Max(strconv.FormatInt(q.clock.Now().UnixMilli(), 10)).
		Limit(0, int64(q.selectionCount)).
		Build()
	res, err := q.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("error reading master queue: %w", err)
	}
	return res, nil
}

func (q *RunQueue) dequeueFromQueue(ctx context.Context, queueKey string, d queue.Descriptor) (*DequeuedMessage, DequeueStatus, error) {
	now := q.clock.Now()
	deadline := now.Add(q.visibilityTimeout)
	env := queue.Env{ID: d.EnvironmentID, OrganizationID: d.OrganizationID, ProjectID: d.ProjectID}

	args, err := util.StrSlice([]any{
		queueKey,
		now.UnixMilli(),
		deadline.UnixMilli(),
		q.defaultEnvLimit,
		q.kg.MessageKey(d.OrganizationID, ""),
		q.kg.EnvKeyPrefix(d),
	})
	if err != nil {
		return nil, DequeueStatusEmpty, err
	}

	res, err := scripts["dequeue"].Exec(
		ctx,
		q.client,
		[]string{
			queueKey,
			q.kg.QueueCurrentConcurrencyKey(d),
			q.kg.QueueReserveConcurrencyKey(d),
			q.kg.QueueConcurrencyLimitKey(d),
			q.kg.EnvCurrentConcurrencyKey(d),
			q.kg.EnvReserveConcurrencyKey(d),
			q.kg.EnvConcurrencyLimitKey(d),
			q.kg.ProjectCurrentConcurrencyKey(d),
			q.kg.ProjectConcurrencyLimitKey(d),
			q.kg.OrgCurrentConcurrencyKey(d.OrganizationID),
			q.kg.OrgConcurrencyLimitKey(d.OrganizationID),
			q.kg.EnvQueueKey(env),
			q.kg.InflightKey(q.shardFor(queueKey)),
		},
		args,
	).AsStrSlice()
	if err != nil {
		return nil, DequeueStatusEmpty, fmt.Errorf("error dequeueing message: %w", err)
	}
	if len(res) == 0 {
		return nil, DequeueStatusEmpty, nil
	}

	switch res[0] {
	case "0":
		return nil, DequeueStatusEmpty, nil
	case "2":
		return nil, DequeueStatusEnvLimited, nil
	case "3":
		return nil, DequeueStatusQueueLimited, nil
	case "4":
		return nil, DequeueStatusOrgOrProjectLimited, nil
	case "5":
		return nil, DequeueStatusTaskLimited, nil
	case "1":
	default:
		return nil, DequeueStatusEmpty, fmt.Errorf("unknown dequeue status %q", res[0])
	}

	if len(res) < 3 {
		return nil, DequeueStatusEmpty, fmt.Errorf("malformed dequeue response")
	}

	msg := Message{}
	if err := json.Unmarshal([]byte(res[2]), &msg); err != nil {
		return nil, DequeueStatusEmpty, fmt.Errorf("error decoding dequeued message %s: %w", res[1], err)
	}

	metrics.IncrMessagesDequeuedCounter(ctx, metrics.CounterOpt{
		PkgName: pkgName,
		Tags:    map[string]any{"env_type": msg.EnvironmentType.String()},
	})
	metrics.HistogramQueueItemLatency(ctx, now.UnixMilli()-msg.Timestamp, metrics.HistogramOpt{PkgName: pkgName})

	return &DequeuedMessage{
		MessageID: res[1],
		QueueKey:  queueKey,
		Message:   msg,
		Deadline:  deadline,
	}, DequeueStatusDequeued, nil
}

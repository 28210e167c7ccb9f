package start

import (
	"context"
	"fmt"
	"time"

	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/execution/batchqueue"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/inngest/runengine/pkg/execution/schedule"
	"github.com/oklog/ulid/v2"
)

// TaskQueueName is the run queue used for a task's runs.
func TaskQueueName(taskIdentifier string) string {
	return "task/" + taskIdentifier
}

// ScheduledPayload is the data of a run created by a schedule.
type ScheduledPayload struct {
	ScheduleID    string      `json:"scheduleId"`
	Timestamp     time.Time   `json:"timestamp"`
	LastTimestamp *time.Time  `json:"lastTimestamp,omitempty"`
	Timezone      string      `json:"timezone"`
	Upcoming      []time.Time `json:"upcoming"`
}

// runCreator turns fired schedules and batch items into run queue messages.
type runCreator struct {
	runs        schedule.RunEnqueuer
	envs        coredata.EntityReader
	masterQueue string
}

func (r runCreator) enqueue(ctx context.Context, env coredata.Environment, task string, data any, at time.Time) (string, error) {
	runID := ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String()
	ok, err := r.runs.EnqueueMessage(ctx, runqueue.EnqueueOpts{
		Env: env.QueueEnv(),
		Message: runqueue.InputMessage{
			RunID:          runID,
			TaskIdentifier: task,
			Queue:          TaskQueueName(task),
			Timestamp:      at,
			Data:           data,
		},
		MasterQueues: []string{r.masterQueue},
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("run for task %s was not accepted by the run queue", task)
	}
	return runID, nil
}

func (r runCreator) triggerScheduledTask(ctx context.Context, p schedule.TriggerParams) error {
	_, err := r.enqueue(ctx, p.Environment, p.TaskIdentifier, ScheduledPayload{
		ScheduleID:    p.ScheduleID,
		Timestamp:     p.Timestamp,
		LastTimestamp: p.LastTimestamp,
		Timezone:      p.Timezone,
		Upcoming:      p.Upcoming,
	}, time.Time{})
	return err
}

func (r runCreator) processBatchItem(ctx context.Context, item batchqueue.DRRResult) (string, error) {
	if item.Item.TaskIdentifier == "" {
		return "", batchqueue.ItemError{Code: "INVALID_ITEM", Err: fmt.Errorf("batch item has no task identifier")}
	}
	env, err := r.envs.GetEnvironment(ctx, item.EnvID)
	if err != nil {
		return "", batchqueue.ItemError{Code: "ENVIRONMENT_NOT_FOUND", Err: err}
	}
	var data any
	if len(item.Item.Payload) > 0 {
		data = item.Item.Payload
	}
	return r.enqueue(ctx, *env, item.Item.TaskIdentifier, data, time.Time{})
}

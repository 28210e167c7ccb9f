package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/inngest/runengine/pkg/execution/simplequeue"
)

const (
	KindTriggerScheduledTask = "schedule.triggerScheduledTask"
	KindEnqueueDelayedRun    = "schedule.enqueueDelayedRun"
)

var (
	ErrUnknownJobKind = fmt.Errorf("unknown schedule job kind")
)

// Job is a timer job handled by the engine's worker.  It is implemented only
// by TriggerScheduledTaskJob and EnqueueDelayedRunJob.
type Job interface {
	Kind() string
	JobID() string
	isJob()
}

// TriggerScheduledTaskJob fires a schedule instance for the occurrence at
// ExactScheduleTime.
type TriggerScheduledTaskJob struct {
	InstanceID        string    `json:"instanceId"`
	ExactScheduleTime time.Time `json:"exactScheduleTime"`
}

func (TriggerScheduledTaskJob) Kind() string {
	return KindTriggerScheduledTask
}

// JobID is unique per occurrence so that arming the next occurrence never
// replaces the timer being processed.
func (j TriggerScheduledTaskJob) JobID() string {
	return "scheduled-task:" + j.InstanceID + ":" + strconv.FormatInt(j.ExactScheduleTime.UnixMilli(), 10)
}

func (TriggerScheduledTaskJob) isJob() {}

// EnqueueDelayedRunJob moves a delayed run into the run queue once its delay
// has passed.
type EnqueueDelayedRunJob struct {
	RunID      string    `json:"runId"`
	DelayUntil time.Time `json:"delayUntil"`
}

func (EnqueueDelayedRunJob) Kind() string {
	return KindEnqueueDelayedRun
}

func (j EnqueueDelayedRunJob) JobID() string {
	return "delayed-run:" + j.RunID + ":" + strconv.FormatInt(j.DelayUntil.UnixMilli(), 10)
}

func (EnqueueDelayedRunJob) isJob() {}

// DecodeJob turns a simple queue item into its typed job.
func DecodeJob(item simplequeue.Item) (Job, error) {
	var (
		job Job
		err error
	)
	switch item.Kind {
	case KindTriggerScheduledTask:
		j := TriggerScheduledTaskJob{}
		err = json.Unmarshal(item.Payload, &j)
		job = j
	case KindEnqueueDelayedRun:
		j := EnqueueDelayedRunJob{}
		err = json.Unmarshal(item.Payload, &j)
		job = j
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, item.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("error decoding %s job: %w", item.Kind, err)
	}
	return job, nil
}

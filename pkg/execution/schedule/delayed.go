package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/execution/runqueue"
)

var (
	ErrNoRunEnqueuer = fmt.Errorf("schedule engine has no run enqueuer")
	ErrRunNotDelayed = fmt.Errorf("run is not delayed")
)

// DelayRun stores a delayed run and arms its timer.
func (e *Engine) DelayRun(ctx context.Context, run coredata.DelayedRun) error {
	run.Status = coredata.DelayedRunStatusDelayed
	run.EnqueuedAt = nil
	if err := e.store.UpsertDelayedRun(ctx, run); err != nil {
		return fmt.Errorf("error storing delayed run: %w", err)
	}
	return e.enqueueJob(ctx, EnqueueDelayedRunJob{RunID: run.RunID, DelayUntil: run.DelayUntil}, run.DelayUntil)
}

// RescheduleDelayedRun moves a delayed run's target time.  A timer that was
// already dispatched for the old time re-checks the stored target and does
// nothing.
func (e *Engine) RescheduleDelayedRun(ctx context.Context, runID string, delayUntil time.Time) error {
	run, err := e.store.GetDelayedRun(ctx, runID)
	if isNotFound(err) {
		return ErrRunNotDelayed
	}
	if err != nil {
		return fmt.Errorf("error loading delayed run: %w", err)
	}
	if run.Status != coredata.DelayedRunStatusDelayed {
		return ErrRunNotDelayed
	}

	if err := e.store.UpdateDelayUntil(ctx, runID, delayUntil); err != nil {
		if isNotFound(err) {
			return ErrRunNotDelayed
		}
		return fmt.Errorf("error updating delayed run: %w", err)
	}
	if err := e.enqueueJob(ctx, EnqueueDelayedRunJob{RunID: runID, DelayUntil: delayUntil}, delayUntil); err != nil {
		return err
	}
	if !run.DelayUntil.Equal(delayUntil) {
		e.removeJob(ctx, EnqueueDelayedRunJob{RunID: runID, DelayUntil: run.DelayUntil})
	}
	return nil
}

// EnqueueDelayedRun moves a delayed run into the run queue.  Runs that are no
// longer delayed, or whose stored target time is still in the future, are
// skipped.
func (e *Engine) EnqueueDelayedRun(ctx context.Context, job EnqueueDelayedRunJob) error {
	l := e.log.With("run_id", job.RunID)

	run, err := e.store.GetDelayedRun(ctx, job.RunID)
	if isNotFound(err) {
		l.Debug("delayed run not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("error loading delayed run: %w", err)
	}
	if run.Status != coredata.DelayedRunStatusDelayed {
		l.Debug("run is no longer delayed, skipping", "status", run.Status)
		return nil
	}

	now := e.clock.Now()
	if run.DelayUntil.After(now) {
		l.Debug("delayed run was rescheduled, skipping", "delay_until", run.DelayUntil)
		return nil
	}

	if e.runs == nil {
		return ErrNoRunEnqueuer
	}

	env, err := e.store.GetEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return fmt.Errorf("error loading delayed run environment: %w", err)
	}

	opts := runqueue.EnqueueOpts{
		Env: env.QueueEnv(),
		Message: runqueue.InputMessage{
			RunID:          run.RunID,
			TaskIdentifier: run.TaskIdentifier,
			Queue:          run.Queue,
			ConcurrencyKey: run.ConcurrencyKey,
			Timestamp:      now,
		},
	}
	if len(run.Payload) > 0 {
		opts.Message.Data = run.Payload
	}
	if run.MasterQueue != "" {
		opts.MasterQueues = []string{run.MasterQueue}
	}

	ok, err := e.runs.EnqueueMessage(ctx, opts)
	if err != nil {
		return fmt.Errorf("error enqueueing delayed run: %w", err)
	}
	if !ok {
		return fmt.Errorf("delayed run %s was not accepted by the run queue", run.RunID)
	}

	if err := e.store.MarkDelayedRunEnqueued(ctx, run.RunID, now); err != nil {
		return fmt.Errorf("error marking delayed run enqueued: %w", err)
	}
	l.Debug("enqueued delayed run", "queue", run.Queue)
	return nil
}

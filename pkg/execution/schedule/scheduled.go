package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/execution/queue"
	"github.com/inngest/runengine/pkg/execution/simplequeue"
	"github.com/inngest/runengine/pkg/telemetry/metrics"
	cron "github.com/robfig/cron/v3"
)

var (
	// parser accepts standard five field expressions and descriptors such as
	// @hourly.
	parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Next returns the first occurrence of expr after from, evaluated in the given
// IANA timezone.  An empty timezone means UTC.
func Next(expr, timezone string, from time.Time) (time.Time, error) {
	s, loc, err := parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from.In(loc)), nil
}

// Upcoming returns the n occurrences of expr following from.
func Upcoming(expr, timezone string, from time.Time, n int) ([]time.Time, error) {
	s, loc, err := parse(expr, timezone)
	if err != nil {
		return nil, err
	}
	res := make([]time.Time, 0, n)
	at := from.In(loc)
	for i := 0; i < n; i++ {
		at = s.Next(at)
		if at.IsZero() {
			break
		}
		res = append(res, at)
	}
	return res, nil
}

func parse(expr, timezone string) (cron.Schedule, *time.Location, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing cron expression: %w", err)
	}
	loc := time.UTC
	if timezone != "" {
		if loc, err = time.LoadLocation(timezone); err != nil {
			return nil, nil, fmt.Errorf("error loading schedule timezone: %w", err)
		}
	}
	return s, loc, nil
}

// RegisterNextTaskScheduleInstance computes the instance's next occurrence
// from its last fired time, or now, persists it and arms its timer.  A timer
// armed for a different occurrence is removed.
func (e *Engine) RegisterNextTaskScheduleInstance(ctx context.Context, instanceID string) error {
	sic, err := e.store.GetScheduleInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("error loading schedule instance: %w", err)
	}

	next, err := e.registerNext(ctx, sic, nil)
	if err != nil {
		return err
	}

	if prev := sic.Instance.NextScheduledTimestamp; prev != nil && !prev.Equal(next) {
		e.removeJob(ctx, TriggerScheduledTaskJob{InstanceID: instanceID, ExactScheduleTime: *prev})
	}
	return nil
}

// registerNext persists and arms the occurrence following last, or following
// the stored last occurrence when last is nil.
func (e *Engine) registerNext(ctx context.Context, sic *coredata.ScheduleInstanceContext, last *time.Time) (time.Time, error) {
	now := e.clock.Now()

	from := now
	switch {
	case last != nil:
		from = *last
	case sic.Instance.LastScheduledTimestamp != nil:
		from = *sic.Instance.LastScheduledTimestamp
	}

	next, err := Next(sic.Schedule.GeneratorExpression, sic.Schedule.Timezone, from)
	if err != nil {
		return time.Time{}, err
	}
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no future occurrence", sic.Schedule.GeneratorExpression)
	}
	// Occurrences missed while nothing was armed are skipped rather than
	// fired in a burst.
	if next.Before(now) {
		if next, err = Next(sic.Schedule.GeneratorExpression, sic.Schedule.Timezone, now); err != nil {
			return time.Time{}, err
		}
	}

	if err := e.store.UpdateScheduleInstanceTimestamps(ctx, sic.Instance.ID, last, next); err != nil {
		return time.Time{}, fmt.Errorf("error updating schedule instance timestamps: %w", err)
	}
	if err := e.EnqueueScheduledTask(ctx, sic.Instance.ID, next); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// EnqueueScheduledTask arms the timer for an occurrence, jittered within the
// distribution window.
func (e *Engine) EnqueueScheduledTask(ctx context.Context, instanceID string, exact time.Time) error {
	job := TriggerScheduledTaskJob{InstanceID: instanceID, ExactScheduleTime: exact}
	return e.enqueueJob(ctx, job, e.DistributedExecutionTime(exact))
}

// ensureArmed arms the timer for an occurrence unless it is already armed.
func (e *Engine) ensureArmed(ctx context.Context, instanceID string, exact time.Time) error {
	job := TriggerScheduledTaskJob{InstanceID: instanceID, ExactScheduleTime: exact}
	_, err := e.queue.EnqueueOnce(ctx, simplequeue.EnqueueOpts{
		ID:          job.JobID(),
		Kind:        job.Kind(),
		Payload:     job,
		AvailableAt: e.DistributedExecutionTime(exact),
	})
	if err != nil && !errors.Is(err, simplequeue.ErrItemExists) {
		return fmt.Errorf("error enqueueing %s job: %w", job.Kind(), err)
	}
	if err == nil {
		e.log.Warn("re-armed missing schedule timer", "instance_id", instanceID, "timestamp", exact)
	}
	return nil
}

// DeactivateInstance stops an instance from firing.  Its armed timer, if any,
// fires as a no-op.
func (e *Engine) DeactivateInstance(ctx context.Context, instanceID string) error {
	if err := e.store.SetScheduleInstanceActive(ctx, instanceID, false); err != nil {
		return fmt.Errorf("error deactivating schedule instance: %w", err)
	}
	return nil
}

// TriggerScheduledTask fires an occurrence of a schedule instance.
//
// Instances whose organization, project or environment is gone, or which are
// inactive or superseded, are skipped without error and not re-armed.  Dev
// environments without a connected session are not triggered but are
// re-armed.  Otherwise the trigger callback is invoked; its failure is logged
// and the next occurrence is registered regardless.  Only a failure to
// register the next occurrence is returned, and not on the final attempt.
func (e *Engine) TriggerScheduledTask(ctx context.Context, job TriggerScheduledTaskJob, finalAttempt bool) error {
	l := e.log.With("instance_id", job.InstanceID, "timestamp", job.ExactScheduleTime)

	sic, err := e.store.GetScheduleInstance(ctx, job.InstanceID)
	if isNotFound(err) {
		l.Debug("schedule instance not found, skipping")
		e.recordTrigger(ctx, "skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("error loading schedule instance: %w", err)
	}

	if reason := skipReason(sic); reason != "" {
		l.Debug("skipping scheduled task", "reason", reason)
		e.recordTrigger(ctx, "skipped")
		return nil
	}

	if next := sic.Instance.NextScheduledTimestamp; next != nil && !next.Equal(job.ExactScheduleTime) {
		l.Debug("skipping superseded scheduled task", "next", *next)
		e.recordTrigger(ctx, "skipped")
		// This occurrence already fired and persisted its successor, but a
		// failed enqueue may have left the successor without a timer.
		if last := sic.Instance.LastScheduledTimestamp; last != nil && last.Equal(job.ExactScheduleTime) {
			if err := e.ensureArmed(ctx, job.InstanceID, *next); err != nil {
				if finalAttempt {
					l.Error("error re-arming next scheduled task on final attempt", "error", err)
					return nil
				}
				return fmt.Errorf("error re-arming next scheduled task: %w", err)
			}
		}
		return nil
	}

	shouldTrigger := true
	if sic.Environment.Type == queue.EnvTypeDevelopment {
		if e.devConnected == nil || !e.devConnected(ctx, sic.Environment.ID) {
			l.Debug("development environment not connected, not triggering", "env_id", sic.Environment.ID)
			shouldTrigger = false
		}
	}

	if shouldTrigger {
		e.trigger(ctx, sic, job)
	} else {
		e.recordTrigger(ctx, "disconnected")
	}

	exact := job.ExactScheduleTime
	if _, err := e.registerNext(ctx, sic, &exact); err != nil {
		if finalAttempt {
			l.Error("error registering next scheduled task on final attempt", "error", err)
			return nil
		}
		return fmt.Errorf("error registering next scheduled task: %w", err)
	}
	return nil
}

func (e *Engine) trigger(ctx context.Context, sic *coredata.ScheduleInstanceContext, job TriggerScheduledTaskJob) {
	l := e.log.With("instance_id", job.InstanceID, "schedule_id", sic.Schedule.ID, "task", sic.Schedule.TaskIdentifier)

	upcoming, err := Upcoming(sic.Schedule.GeneratorExpression, sic.Schedule.Timezone, job.ExactScheduleTime, e.upcoming)
	if err != nil {
		l.Warn("error computing upcoming occurrences", "error", err)
	}

	if e.onTrigger == nil {
		l.Warn("no trigger handler configured, dropping scheduled task")
		e.recordTrigger(ctx, "failure")
		return
	}

	err = e.onTrigger(ctx, TriggerParams{
		InstanceID:     sic.Instance.ID,
		ScheduleID:     sic.Schedule.ID,
		TaskIdentifier: sic.Schedule.TaskIdentifier,
		Environment:    sic.Environment,
		Timestamp:      job.ExactScheduleTime,
		LastTimestamp:  sic.Instance.LastScheduledTimestamp,
		Timezone:       sic.Schedule.Timezone,
		Upcoming:       upcoming,
	})
	if err != nil {
		l.Error("error triggering scheduled task", "error", err)
		e.recordTrigger(ctx, "failure")
		return
	}

	if err := e.store.UpdateScheduleLastRunTriggeredAt(ctx, sic.Schedule.ID, e.clock.Now()); err != nil {
		l.Warn("error recording schedule last triggered time", "error", err)
	}
	e.recordTrigger(ctx, "success")
}

func skipReason(sic *coredata.ScheduleInstanceContext) string {
	switch {
	case sic.Organization.DeletedAt != nil:
		return "organization deleted"
	case sic.Project.DeletedAt != nil:
		return "project deleted"
	case sic.Environment.ArchivedAt != nil:
		return "environment archived"
	case !sic.Instance.Active:
		return "instance inactive"
	case !sic.Schedule.Active:
		return "schedule inactive"
	}
	return ""
}

func (e *Engine) recordTrigger(ctx context.Context, status string) {
	metrics.IncrScheduledTriggerCounter(ctx, metrics.CounterOpt{
		PkgName: pkgName,
		Tags:    map[string]any{"status": status},
	})
}

// Package coredata defines the durable metadata the engine reads validity and
// schedule state from.  Queue ordering and in-flight tracking never live
// here; they are Redis only.
package coredata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inngest/runengine/pkg/execution/queue"
)

var (
	ErrNotFound = fmt.Errorf("not found")
)

type Organization struct {
	ID        string
	Title     string
	DeletedAt *time.Time
}

type Project struct {
	ID             string
	OrganizationID string
	Name           string
	DeletedAt      *time.Time
}

type Environment struct {
	ID             string
	OrganizationID string
	ProjectID      string
	Type           queue.EnvType
	// MaximumConcurrencyLimit is the env's run queue limit.  Zero uses the
	// run queue default.
	MaximumConcurrencyLimit int
	ArchivedAt              *time.Time
}

// QueueEnv converts the environment into its run queue form.
func (e Environment) QueueEnv() queue.Env {
	return queue.Env{
		ID:                      e.ID,
		Type:                    e.Type,
		OrganizationID:          e.OrganizationID,
		ProjectID:               e.ProjectID,
		MaximumConcurrencyLimit: e.MaximumConcurrencyLimit,
	}
}

// TaskSchedule is a recurring cron schedule of a task.
type TaskSchedule struct {
	ID             string
	ProjectID      string
	TaskIdentifier string
	// GeneratorExpression is a standard five field cron expression.
	GeneratorExpression string
	// Timezone is an IANA zone name.  Empty means UTC.
	Timezone           string
	Active             bool
	LastRunTriggeredAt *time.Time
}

// ScheduleInstance is a TaskSchedule bound to one environment.
type ScheduleInstance struct {
	ID                     string
	ScheduleID             string
	EnvironmentID          string
	Active                 bool
	LastScheduledTimestamp *time.Time
	NextScheduledTimestamp *time.Time
}

// ScheduleInstanceContext is an instance with every entity its validity
// depends on.
type ScheduleInstanceContext struct {
	Instance     ScheduleInstance
	Schedule     TaskSchedule
	Environment  Environment
	Project      Project
	Organization Organization
}

type DelayedRunStatus string

const (
	DelayedRunStatusDelayed  DelayedRunStatus = "DELAYED"
	DelayedRunStatusEnqueued DelayedRunStatus = "ENQUEUED"
)

// DelayedRun is a run that is held until DelayUntil.
type DelayedRun struct {
	RunID          string
	EnvironmentID  string
	TaskIdentifier string
	Queue          string
	ConcurrencyKey string
	MasterQueue    string
	Payload        json.RawMessage
	DelayUntil     time.Time
	Status         DelayedRunStatus
	EnqueuedAt     *time.Time
}

// EntityReader loads tenant entities.
type EntityReader interface {
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
}

// EntityWriter creates or replaces tenant entities.
type EntityWriter interface {
	UpsertOrganization(ctx context.Context, o Organization) error
	UpsertProject(ctx context.Context, p Project) error
	UpsertEnvironment(ctx context.Context, e Environment) error
}

// ScheduleStore holds schedules, their instances and firing bookkeeping.
type ScheduleStore interface {
	UpsertTaskSchedule(ctx context.Context, s TaskSchedule) error
	UpsertScheduleInstance(ctx context.Context, i ScheduleInstance) error

	// GetScheduleInstance returns the instance with its schedule and tenant
	// entities, or ErrNotFound if any of them is missing.
	GetScheduleInstance(ctx context.Context, instanceID string) (*ScheduleInstanceContext, error)
	// UpdateScheduleInstanceTimestamps records the last fired and next
	// occurrence of an instance.  A nil last leaves it unchanged.
	UpdateScheduleInstanceTimestamps(ctx context.Context, instanceID string, last *time.Time, next time.Time) error
	SetScheduleInstanceActive(ctx context.Context, instanceID string, active bool) error
	UpdateScheduleLastRunTriggeredAt(ctx context.Context, scheduleID string, at time.Time) error
}

// DelayedRunStore holds delayed runs.
type DelayedRunStore interface {
	UpsertDelayedRun(ctx context.Context, r DelayedRun) error
	GetDelayedRun(ctx context.Context, runID string) (*DelayedRun, error)
	// UpdateDelayUntil changes a delayed run's target time.  It returns
	// ErrNotFound unless the run is still delayed.
	UpdateDelayUntil(ctx context.Context, runID string, at time.Time) error
	MarkDelayedRunEnqueued(ctx context.Context, runID string, at time.Time) error
}

// Store is the full metadata store.
type Store interface {
	EntityReader
	EntityWriter
	ScheduleStore
	DelayedRunStore
}

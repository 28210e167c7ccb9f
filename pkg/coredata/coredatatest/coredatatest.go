// Package coredatatest checks coredata.Store implementations against the same
// behaviour.
package coredatatest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/execution/queue"
	"github.com/stretchr/testify/require"
)

// Fixture is a schedule instance along with its tenant entities.
type Fixture struct {
	Org      coredata.Organization
	Project  coredata.Project
	Env      coredata.Environment
	Schedule coredata.TaskSchedule
	Instance coredata.ScheduleInstance
}

// Seed writes an active schedule instance in a development environment.
func Seed(t *testing.T, s coredata.Store) Fixture {
	t.Helper()
	ctx := context.Background()

	f := Fixture{
		Org: coredata.Organization{ID: uuid.NewString(), Title: "acme"},
	}
	f.Project = coredata.Project{ID: uuid.NewString(), OrganizationID: f.Org.ID, Name: "web"}
	f.Env = coredata.Environment{
		ID:                      uuid.NewString(),
		OrganizationID:          f.Org.ID,
		ProjectID:               f.Project.ID,
		Type:                    queue.EnvTypeDevelopment,
		MaximumConcurrencyLimit: 10,
	}
	f.Schedule = coredata.TaskSchedule{
		ID:                  uuid.NewString(),
		ProjectID:           f.Project.ID,
		TaskIdentifier:      "daily-report",
		GeneratorExpression: "0 * * * *",
		Timezone:            "Europe/London",
		Active:              true,
	}
	f.Instance = coredata.ScheduleInstance{
		ID:            uuid.NewString(),
		ScheduleID:    f.Schedule.ID,
		EnvironmentID: f.Env.ID,
		Active:        true,
	}

	require.NoError(t, s.UpsertOrganization(ctx, f.Org))
	require.NoError(t, s.UpsertProject(ctx, f.Project))
	require.NoError(t, s.UpsertEnvironment(ctx, f.Env))
	require.NoError(t, s.UpsertTaskSchedule(ctx, f.Schedule))
	require.NoError(t, s.UpsertScheduleInstance(ctx, f.Instance))
	return f
}

// Run runs the store suite against the store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) coredata.Store) {
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	t.Run("entities", func(t *testing.T) {
		s := newStore(t)
		f := Seed(t, s)

		env, err := s.GetEnvironment(ctx, f.Env.ID)
		require.NoError(t, err)
		require.Equal(t, queue.EnvTypeDevelopment, env.Type)
		require.Equal(t, 10, env.MaximumConcurrencyLimit)
		require.Nil(t, env.ArchivedAt)
		require.Equal(t, f.Env.ID, env.QueueEnv().ID)

		f.Env.ArchivedAt = &now
		f.Env.Type = queue.EnvTypeProduction
		require.NoError(t, s.UpsertEnvironment(ctx, f.Env))
		env, err = s.GetEnvironment(ctx, f.Env.ID)
		require.NoError(t, err)
		require.Equal(t, queue.EnvTypeProduction, env.Type)
		require.NotNil(t, env.ArchivedAt)
		require.Equal(t, now.UnixMilli(), env.ArchivedAt.UnixMilli())

		org, err := s.GetOrganization(ctx, f.Org.ID)
		require.NoError(t, err)
		require.Equal(t, "acme", org.Title)
		require.Nil(t, org.DeletedAt)

		proj, err := s.GetProject(ctx, f.Project.ID)
		require.NoError(t, err)
		require.Equal(t, f.Org.ID, proj.OrganizationID)

		_, err = s.GetEnvironment(ctx, "missing")
		require.ErrorIs(t, err, coredata.ErrNotFound)
	})

	t.Run("schedule instances", func(t *testing.T) {
		s := newStore(t)
		f := Seed(t, s)

		sic, err := s.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.True(t, sic.Instance.Active)
		require.True(t, sic.Schedule.Active)
		require.Equal(t, "0 * * * *", sic.Schedule.GeneratorExpression)
		require.Equal(t, "Europe/London", sic.Schedule.Timezone)
		require.Equal(t, f.Env.ID, sic.Environment.ID)
		require.Equal(t, f.Project.ID, sic.Project.ID)
		require.Equal(t, f.Org.ID, sic.Organization.ID)
		require.Nil(t, sic.Instance.NextScheduledTimestamp)

		next := now.Add(time.Hour)
		require.NoError(t, s.UpdateScheduleInstanceTimestamps(ctx, f.Instance.ID, nil, next))
		sic, err = s.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.Nil(t, sic.Instance.LastScheduledTimestamp)
		require.Equal(t, next.UnixMilli(), sic.Instance.NextScheduledTimestamp.UnixMilli())

		later := next.Add(time.Hour)
		require.NoError(t, s.UpdateScheduleInstanceTimestamps(ctx, f.Instance.ID, &next, later))
		sic, err = s.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.Equal(t, next.UnixMilli(), sic.Instance.LastScheduledTimestamp.UnixMilli())
		require.Equal(t, later.UnixMilli(), sic.Instance.NextScheduledTimestamp.UnixMilli())

		require.NoError(t, s.SetScheduleInstanceActive(ctx, f.Instance.ID, false))
		require.NoError(t, s.UpdateScheduleLastRunTriggeredAt(ctx, f.Schedule.ID, now))
		sic, err = s.GetScheduleInstance(ctx, f.Instance.ID)
		require.NoError(t, err)
		require.False(t, sic.Instance.Active)
		require.Equal(t, now.UnixMilli(), sic.Schedule.LastRunTriggeredAt.UnixMilli())

		_, err = s.GetScheduleInstance(ctx, "missing")
		require.ErrorIs(t, err, coredata.ErrNotFound)
		require.ErrorIs(t, s.SetScheduleInstanceActive(ctx, "missing", true), coredata.ErrNotFound)
	})

	t.Run("delayed runs", func(t *testing.T) {
		s := newStore(t)
		f := Seed(t, s)

		run := coredata.DelayedRun{
			RunID:          uuid.NewString(),
			EnvironmentID:  f.Env.ID,
			TaskIdentifier: "send-email",
			Queue:          "task/send-email",
			MasterQueue:    "main",
			Payload:        []byte(`{"to":"a@b.c"}`),
			DelayUntil:     now.Add(time.Minute),
		}
		require.NoError(t, s.UpsertDelayedRun(ctx, run))

		got, err := s.GetDelayedRun(ctx, run.RunID)
		require.NoError(t, err)
		require.Equal(t, coredata.DelayedRunStatusDelayed, got.Status)
		require.JSONEq(t, `{"to":"a@b.c"}`, string(got.Payload))
		require.Equal(t, run.DelayUntil.UnixMilli(), got.DelayUntil.UnixMilli())
		require.Nil(t, got.EnqueuedAt)

		require.NoError(t, s.UpdateDelayUntil(ctx, run.RunID, now.Add(2*time.Minute)))
		got, err = s.GetDelayedRun(ctx, run.RunID)
		require.NoError(t, err)
		require.Equal(t, now.Add(2*time.Minute).UnixMilli(), got.DelayUntil.UnixMilli())

		require.NoError(t, s.MarkDelayedRunEnqueued(ctx, run.RunID, now))
		got, err = s.GetDelayedRun(ctx, run.RunID)
		require.NoError(t, err)
		require.Equal(t, coredata.DelayedRunStatusEnqueued, got.Status)
		require.Equal(t, now.UnixMilli(), got.EnqueuedAt.UnixMilli())

		// Enqueued runs can no longer be rescheduled.
		require.ErrorIs(t, s.UpdateDelayUntil(ctx, run.RunID, now), coredata.ErrNotFound)
		_, err = s.GetDelayedRun(ctx, "missing")
		require.ErrorIs(t, err, coredata.ErrNotFound)
	})
}

// Package inmemory is a coredata.Store held in process memory, used by the
// dev server and tests.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/inngest/runengine/pkg/coredata"
)

type store struct {
	mu sync.RWMutex

	orgs      map[string]coredata.Organization
	projects  map[string]coredata.Project
	envs      map[string]coredata.Environment
	schedules map[string]coredata.TaskSchedule
	instances map[string]coredata.ScheduleInstance
	delayed   map[string]coredata.DelayedRun
}

func New() coredata.Store {
	return &store{
		orgs:      map[string]coredata.Organization{},
		projects:  map[string]coredata.Project{},
		envs:      map[string]coredata.Environment{},
		schedules: map[string]coredata.TaskSchedule{},
		instances: map[string]coredata.ScheduleInstance{},
		delayed:   map[string]coredata.DelayedRun{},
	}
}

func get[T any](mu *sync.RWMutex, m map[string]T, id string) (*T, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := m[id]
	if !ok {
		return nil, coredata.ErrNotFound
	}
	return &v, nil
}

func (s *store) GetOrganization(ctx context.Context, id string) (*coredata.Organization, error) {
	return get(&s.mu, s.orgs, id)
}

func (s *store) GetProject(ctx context.Context, id string) (*coredata.Project, error) {
	return get(&s.mu, s.projects, id)
}

func (s *store) GetEnvironment(ctx context.Context, id string) (*coredata.Environment, error) {
	return get(&s.mu, s.envs, id)
}

func (s *store) UpsertOrganization(ctx context.Context, o coredata.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = o
	return nil
}

func (s *store) UpsertProject(ctx context.Context, p coredata.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *store) UpsertEnvironment(ctx context.Context, e coredata.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[e.ID] = e
	return nil
}

func (s *store) UpsertTaskSchedule(ctx context.Context, sch coredata.TaskSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sch.ID] = sch
	return nil
}

func (s *store) UpsertScheduleInstance(ctx context.Context, i coredata.ScheduleInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[i.ID] = i
	return nil
}

func (s *store) GetScheduleInstance(ctx context.Context, instanceID string) (*coredata.ScheduleInstanceContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.instances[instanceID]
	if !ok {
		return nil, coredata.ErrNotFound
	}
	sch, ok := s.schedules[i.ScheduleID]
	if !ok {
		return nil, coredata.ErrNotFound
	}
	env, ok := s.envs[i.EnvironmentID]
	if !ok {
		return nil, coredata.ErrNotFound
	}
	proj, ok := s.projects[env.ProjectID]
	if !ok {
		return nil, coredata.ErrNotFound
	}
	org, ok := s.orgs[env.OrganizationID]
	if !ok {
		return nil, coredata.ErrNotFound
	}
	return &coredata.ScheduleInstanceContext{
		Instance:     i,
		Schedule:     sch,
		Environment:  env,
		Project:      proj,
		Organization: org,
	}, nil
}

func (s *store) UpdateScheduleInstanceTimestamps(ctx context.Context, instanceID string, last *time.Time, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instances[instanceID]
	if !ok {
		return coredata.ErrNotFound
	}
	if last != nil {
		l := *last
		i.LastScheduledTimestamp = &l
	}
	i.NextScheduledTimestamp = &next
	s.instances[instanceID] = i
	return nil
}

func (s *store) SetScheduleInstanceActive(ctx context.Context, instanceID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instances[instanceID]
	if !ok {
		return coredata.ErrNotFound
	}
	i.Active = active
	s.instances[instanceID] = i
	return nil
}

func (s *store) UpdateScheduleLastRunTriggeredAt(ctx context.Context, scheduleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return coredata.ErrNotFound
	}
	sch.LastRunTriggeredAt = &at
	s.schedules[scheduleID] = sch
	return nil
}

func (s *store) UpsertDelayedRun(ctx context.Context, r coredata.DelayedRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = coredata.DelayedRunStatusDelayed
	}
	s.delayed[r.RunID] = r
	return nil
}

func (s *store) GetDelayedRun(ctx context.Context, runID string) (*coredata.DelayedRun, error) {
	return get(&s.mu, s.delayed, runID)
}

func (s *store) UpdateDelayUntil(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.delayed[runID]
	if !ok || r.Status != coredata.DelayedRunStatusDelayed {
		return coredata.ErrNotFound
	}
	r.DelayUntil = at
	s.delayed[runID] = r
	return nil
}

func (s *store) MarkDelayedRunEnqueued(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.delayed[runID]
	if !ok {
		return coredata.ErrNotFound
	}
	r.Status = coredata.DelayedRunStatusEnqueued
	r.EnqueuedAt = &at
	s.delayed[runID] = r
	return nil
}

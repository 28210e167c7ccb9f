// Package sqlstore is a coredata.Store backed by SQLite or Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	sq "github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/execution/queue"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations/*/*.sql
var migrations embed.FS

type Options struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string
	// DSN is a postgres:// URI or a SQLite file DSN.
	DSN string
}

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and migrates it to the latest schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case DriverPostgres:
		if !strings.HasPrefix(opts.DSN, "postgres://") && !strings.HasPrefix(opts.DSN, "postgresql://") {
			return nil, fmt.Errorf("unsupported postgres URI")
		}
		db, err = sql.Open("pgx", opts.DSN)
	case DriverSQLite, "":
		opts.Driver = DriverSQLite
		db, err = sql.Open("sqlite", opts.DSN)
		if err == nil {
			// SQLite allows a single writer.
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	s := New(db, opts.Driver)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an already migrated database.
func New(db *sql.DB, driver string) *Store {
	// Prepared statements keep placeholders consistent across dialects.
	sq.SetDefaultPrepared(true)
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) dialect() sq.DialectWrapper {
	if s.driver == DriverPostgres {
		return sq.Dialect("postgres")
	}
	return sq.Dialect("sqlite3")
}

// Migrate applies every pending migration.
func (s *Store) Migrate() error {
	var (
		driver database.Driver
		err    error
	)
	src, err := iofs.New(migrations, path.Join("migrations", s.driver))
	if err != nil {
		return err
	}

	if s.driver == DriverPostgres {
		driver, err = postgres.WithInstance(s.db, &postgres.Config{MigrationsTable: "migrations"})
	} else {
		driver, err = sqlite.WithInstance(s.db, &sqlite.Config{MigrationsTable: "migrations", NoTxWrap: true})
	}
	if err != nil {
		return fmt.Errorf("error creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, driver)
	if err != nil {
		return fmt.Errorf("error creating migrator: %w", err)
	}

	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	if dirty {
		if err := m.Force(int(v)); err != nil {
			return fmt.Errorf("error resetting dirty migration %d: %w", v, err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error migrating: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args []any, err error) (sql.Result, error) {
	if err != nil {
		return nil, err
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) upsert(ctx context.Context, table, pk string, rec sq.Record) error {
	update := sq.Record{}
	for col := range rec {
		if col != pk {
			update[col] = sq.I("excluded." + col)
		}
	}
	query, args, err := s.dialect().
		Insert(table).
		Rows(rec).
		OnConflict(sq.DoUpdate(pk, update)).
		ToSQL()
	if _, err := s.exec(ctx, query, args, err); err != nil {
		return fmt.Errorf("error writing %s: %w", table, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, table string, rec sq.Record, where ...exp.Expression) error {
	query, args, err := s.dialect().Update(table).Set(rec).Where(where...).ToSQL()
	res, err := s.exec(ctx, query, args, err)
	if err != nil {
		return fmt.Errorf("error updating %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coredata.ErrNotFound
	}
	return nil
}

func (s *Store) queryRow(ctx context.Context, ds *sq.SelectDataset, dest ...any) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return coredata.ErrNotFound
	}
	return err
}

func ms(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func (s *Store) UpsertOrganization(ctx context.Context, o coredata.Organization) error {
	return s.upsert(ctx, "organizations", "id", sq.Record{
		"id":         o.ID,
		"title":      o.Title,
		"deleted_at": ms(o.DeletedAt),
	})
}

func (s *Store) UpsertProject(ctx context.Context, p coredata.Project) error {
	return s.upsert(ctx, "projects", "id", sq.Record{
		"id":              p.ID,
		"organization_id": p.OrganizationID,
		"name":            p.Name,
		"deleted_at":      ms(p.DeletedAt),
	})
}

func (s *Store) UpsertEnvironment(ctx context.Context, e coredata.Environment) error {
	return s.upsert(ctx, "environments", "id", sq.Record{
		"id":                        e.ID,
		"organization_id":           e.OrganizationID,
		"project_id":                e.ProjectID,
		"type":                      e.Type.String(),
		"maximum_concurrency_limit": e.MaximumConcurrencyLimit,
		"archived_at":               ms(e.ArchivedAt),
	})
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*coredata.Organization, error) {
	o := &coredata.Organization{}
	var deleted sql.NullInt64
	err := s.queryRow(ctx,
		s.dialect().From("organizations").Select("id", "title", "deleted_at").Where(sq.C("id").Eq(id)),
		&o.ID, &o.Title, &deleted,
	)
	if err != nil {
		return nil, err
	}
	o.DeletedAt = fromMS(deleted)
	return o, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*coredata.Project, error) {
	p := &coredata.Project{}
	var deleted sql.NullInt64
	err := s.queryRow(ctx,
		s.dialect().From("projects").Select("id", "organization_id", "name", "deleted_at").Where(sq.C("id").Eq(id)),
		&p.ID, &p.OrganizationID, &p.Name, &deleted,
	)
	if err != nil {
		return nil, err
	}
	p.DeletedAt = fromMS(deleted)
	return p, nil
}

func (s *Store) GetEnvironment(ctx context.Context, id string) (*coredata.Environment, error) {
	e := &coredata.Environment{}
	var (
		typ      string
		archived sql.NullInt64
	)
	err := s.queryRow(ctx,
		s.dialect().
			From("environments").
			Select("id", "organization_id", "project_id", "type", "maximum_concurrency_limit", "archived_at").
			Where(sq.C("id").Eq(id)),
		&e.ID, &e.OrganizationID, &e.ProjectID, &typ, &e.MaximumConcurrencyLimit, &archived,
	)
	if err != nil {
		return nil, err
	}
	if e.Type, err = queue.EnvTypeString(typ); err != nil {
		return nil, err
	}
	e.ArchivedAt = fromMS(archived)
	return e, nil
}

func (s *Store) UpsertTaskSchedule(ctx context.Context, t coredata.TaskSchedule) error {
	return s.upsert(ctx, "task_schedules", "id", sq.Record{
		"id":                    t.ID,
		"project_id":            t.ProjectID,
		"task_identifier":       t.TaskIdentifier,
		"generator_expression":  t.GeneratorExpression,
		"timezone":              t.Timezone,
		"active":                t.Active,
		"last_run_triggered_at": ms(t.LastRunTriggeredAt),
	})
}

func (s *Store) UpsertScheduleInstance(ctx context.Context, i coredata.ScheduleInstance) error {
	return s.upsert(ctx, "schedule_instances", "id", sq.Record{
		"id":                       i.ID,
		"schedule_id":              i.ScheduleID,
		"environment_id":           i.EnvironmentID,
		"active":                   i.Active,
		"last_scheduled_timestamp": ms(i.LastScheduledTimestamp),
		"next_scheduled_timestamp": ms(i.NextScheduledTimestamp),
	})
}

func (s *Store) GetScheduleInstance(ctx context.Context, instanceID string) (*coredata.ScheduleInstanceContext, error) {
	res := &coredata.ScheduleInstanceContext{}
	var (
		last, next, triggered sql.NullInt64
	)
	err := s.queryRow(ctx,
		s.dialect().
			From("schedule_instances").
			Select(
				"id",
				"schedule_id",
				"environment_id",
				"active",
				"last_scheduled_timestamp",
				"next_scheduled_timestamp",
			).
			Where(sq.C("id").Eq(instanceID)),
		&res.Instance.ID,
		&res.Instance.ScheduleID,
		&res.Instance.EnvironmentID,
		&res.Instance.Active,
		&last,
		&next,
	)
	if err != nil {
		return nil, err
	}
	res.Instance.LastScheduledTimestamp = fromMS(last)
	res.Instance.NextScheduledTimestamp = fromMS(next)

	err = s.queryRow(ctx,
		s.dialect().
			From("task_schedules").
			Select(
				"id",
				"project_id",
				"task_identifier",
				"generator_expression",
				"timezone",
				"active",
				"last_run_triggered_at",
			).
			Where(sq.C("id").Eq(res.Instance.ScheduleID)),
		&res.Schedule.ID,
		&res.Schedule.ProjectID,
		&res.Schedule.TaskIdentifier,
		&res.Schedule.GeneratorExpression,
		&res.Schedule.Timezone,
		&res.Schedule.Active,
		&triggered,
	)
	if err != nil {
		return nil, err
	}
	res.Schedule.LastRunTriggeredAt = fromMS(triggered)

	env, err := s.GetEnvironment(ctx, res.Instance.EnvironmentID)
	if err != nil {
		return nil, err
	}
	proj, err := s.GetProject(ctx, env.ProjectID)
	if err != nil {
		return nil, err
	}
	org, err := s.GetOrganization(ctx, env.OrganizationID)
	if err != nil {
		return nil, err
	}
	res.Environment, res.Project, res.Organization = *env, *proj, *org
	return res, nil
}

func (s *Store) UpdateScheduleInstanceTimestamps(ctx context.Context, instanceID string, last *time.Time, next time.Time) error {
	rec := sq.Record{"next_scheduled_timestamp": next.UnixMilli()}
	if last != nil {
		rec["last_scheduled_timestamp"] = last.UnixMilli()
	}
	return s.update(ctx, "schedule_instances", rec, sq.C("id").Eq(instanceID))
}

func (s *Store) SetScheduleInstanceActive(ctx context.Context, instanceID string, active bool) error {
	return s.update(ctx, "schedule_instances", sq.Record{"active": active}, sq.C("id").Eq(instanceID))
}

func (s *Store) UpdateScheduleLastRunTriggeredAt(ctx context.Context, scheduleID string, at time.Time) error {
	return s.update(ctx, "task_schedules", sq.Record{"last_run_triggered_at": at.UnixMilli()}, sq.C("id").Eq(scheduleID))
}

func (s *Store) UpsertDelayedRun(ctx context.Context, r coredata.DelayedRun) error {
	if r.Status == "" {
		r.Status = coredata.DelayedRunStatusDelayed
	}
	var payload any
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}
	return s.upsert(ctx, "delayed_runs", "run_id", sq.Record{
		"run_id":          r.RunID,
		"environment_id":  r.EnvironmentID,
		"task_identifier": r.TaskIdentifier,
		"queue":           r.Queue,
		"concurrency_key": r.ConcurrencyKey,
		"master_queue":    r.MasterQueue,
		"payload":         payload,
		"delay_until":     r.DelayUntil.UnixMilli(),
		"status":          string(r.Status),
		"enqueued_at":     ms(r.EnqueuedAt),
	})
}

func (s *Store) GetDelayedRun(ctx context.Context, runID string) (*coredata.DelayedRun, error) {
	r := &coredata.DelayedRun{}
	var (
		payload    sql.NullString
		delayUntil int64
		status     string
		enqueued   sql.NullInt64
	)
	err := s.queryRow(ctx,
		s.dialect().
			From("delayed_runs").
			Select(
				"run_id",
				"environment_id",
				"task_identifier",
				"queue",
				"concurrency_key",
				"master_queue",
				"payload",
				"delay_until",
				"status",
				"enqueued_at",
			).
			Where(sq.C("run_id").Eq(runID)),
		&r.RunID,
		&r.EnvironmentID,
		&r.TaskIdentifier,
		&r.Queue,
		&r.ConcurrencyKey,
		&r.MasterQueue,
		&payload,
		&delayUntil,
		&status,
		&enqueued,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		r.Payload = []byte(payload.String)
	}
	r.DelayUntil = time.UnixMilli(delayUntil)
	r.Status = coredata.DelayedRunStatus(status)
	r.EnqueuedAt = fromMS(enqueued)
	return r, nil
}

func (s *Store) UpdateDelayUntil(ctx context.Context, runID string, at time.Time) error {
	return s.update(ctx, "delayed_runs",
		sq.Record{"delay_until": at.UnixMilli()},
		sq.C("run_id").Eq(runID),
		sq.C("status").Eq(string(coredata.DelayedRunStatusDelayed)),
	)
}

func (s *Store) MarkDelayedRunEnqueued(ctx context.Context, runID string, at time.Time) error {
	return s.update(ctx, "delayed_runs",
		sq.Record{"status": string(coredata.DelayedRunStatusEnqueued), "enqueued_at": at.UnixMilli()},
		sq.C("run_id").Eq(runID),
	)
}

var _ coredata.Store = (*Store)(nil)

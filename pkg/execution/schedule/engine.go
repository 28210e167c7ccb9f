// Package schedule fires recurring task schedules and delayed runs at (or
// just after) their target wall-clock time, using a simple queue as the timer.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inngest/runengine/pkg/backoff"
	"github.com/inngest/runengine/pkg/consts"
	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/inngest/runengine/pkg/execution/simplequeue"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
	"lukechampine.com/frand"
)

const pkgName = "execution.schedule"

// TriggerParams is passed to the trigger callback when a schedule instance
// fires.
type TriggerParams struct {
	InstanceID     string
	ScheduleID     string
	TaskIdentifier string
	Environment    coredata.Environment
	// Timestamp is the exact occurrence being fired, before jitter.
	Timestamp time.Time
	// LastTimestamp is the previous occurrence, if any.
	LastTimestamp *time.Time
	Timezone      string
	// Upcoming are the occurrences following Timestamp.
	Upcoming []time.Time
}

// TriggerFunc creates the run for a fired schedule.
type TriggerFunc func(ctx context.Context, params TriggerParams) error

// DevConnectedFunc reports whether a development session is connected to the
// environment.
type DevConnectedFunc func(ctx context.Context, environmentID string) bool

// RunEnqueuer receives delayed runs once their delay passed.
type RunEnqueuer interface {
	EnqueueMessage(ctx context.Context, opts runqueue.EnqueueOpts) (bool, error)
}

type Opt func(e *Engine)

func WithClock(c clockwork.Clock) Opt {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithLogger(l logger.Logger) Opt {
	return func(e *Engine) {
		e.log = l
	}
}

// WithQueueName sets the simple queue used for timers.  Engines with different
// queue names are fully independent.
func WithQueueName(name string) Opt {
	return func(e *Engine) {
		e.queueName = name
	}
}

// WithDistributionWindow sets the jitter window added to scheduled firings.
// Zero disables jitter.
func WithDistributionWindow(d time.Duration) Opt {
	return func(e *Engine) {
		if d >= 0 {
			e.window = d
		}
	}
}

func WithUpcomingCount(n int) Opt {
	return func(e *Engine) {
		if n >= 0 {
			e.upcoming = n
		}
	}
}

func WithOnTrigger(f TriggerFunc) Opt {
	return func(e *Engine) {
		e.onTrigger = f
	}
}

func WithDevEnvironmentConnected(f DevConnectedFunc) Opt {
	return func(e *Engine) {
		e.devConnected = f
	}
}

func WithRunEnqueuer(q RunEnqueuer) Opt {
	return func(e *Engine) {
		e.runs = q
	}
}

func WithWorkerConcurrency(n int) Opt {
	return func(e *Engine) {
		e.concurrency = n
	}
}

func WithPollInterval(d time.Duration) Opt {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

func WithMaxAttempts(n int) Opt {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

func WithBackoff(f backoff.BackoffFunc) Opt {
	return func(e *Engine) {
		e.backoff = f
	}
}

// Engine arms and fires schedule and delayed run timers.  It holds no global
// state; Start and Stop control its worker.
type Engine struct {
	store  coredata.Store
	queue  *simplequeue.Queue
	worker *simplequeue.Worker[Job]

	clock        clockwork.Clock
	log          logger.Logger
	queueName    string
	window       time.Duration
	upcoming     int
	onTrigger    TriggerFunc
	devConnected DevConnectedFunc
	runs         RunEnqueuer

	concurrency  int
	pollInterval time.Duration
	maxAttempts  int
	backoff      backoff.BackoffFunc
}

func New(client rueidis.Client, store coredata.Store, opts ...Opt) (*Engine, error) {
	e := &Engine{
		store:        store,
		clock:        clockwork.NewRealClock(),
		log:          logger.VoidLogger(),
		queueName:    consts.ScheduleQueueName,
		window:       consts.DefaultScheduleDistributionWindow,
		upcoming:     consts.DefaultUpcomingOccurrences,
		concurrency:  consts.DefaultWorkerConcurrency,
		pollInterval: consts.DefaultWorkerPollInterval,
	}
	for _, o := range opts {
		o(e)
	}

	q, err := simplequeue.New(e.queueName, client,
		simplequeue.WithClock(e.clock),
		simplequeue.WithLogger(e.log),
	)
	if err != nil {
		return nil, err
	}
	e.queue = q

	e.worker, err = simplequeue.NewWorker(simplequeue.WorkerOpts[Job]{
		Queue:        q,
		Decode:       DecodeJob,
		Handle:       e.HandleJob,
		Concurrency:  e.concurrency,
		PollInterval: e.pollInterval,
		MaxAttempts:  e.maxAttempts,
		Backoff:      e.backoff,
		Clock:        e.clock,
		Logger:       e.log,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Queue returns the timer queue.
func (e *Engine) Queue() *simplequeue.Queue {
	return e.queue
}

func (e *Engine) Start(ctx context.Context) error {
	return e.worker.Start(ctx)
}

func (e *Engine) Stop() {
	e.worker.Stop()
}

// ProcessOnce handles every timer that is due, blocking until done.
func (e *Engine) ProcessOnce(ctx context.Context) (int, error) {
	return e.worker.ProcessOnce(ctx)
}

// HandleJob dispatches a timer job to its handler.
func (e *Engine) HandleJob(ctx context.Context, job Job, attempt simplequeue.Attempt) error {
	switch j := job.(type) {
	case TriggerScheduledTaskJob:
		return e.TriggerScheduledTask(ctx, j, attempt.Final)
	case EnqueueDelayedRunJob:
		return e.EnqueueDelayedRun(ctx, j)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownJobKind, job)
	}
}

func (e *Engine) enqueueJob(ctx context.Context, job Job, at time.Time) error {
	_, err := e.queue.Enqueue(ctx, simplequeue.EnqueueOpts{
		ID:          job.JobID(),
		Kind:        job.Kind(),
		Payload:     job,
		AvailableAt: at,
	})
	if err != nil {
		return fmt.Errorf("error enqueueing %s job: %w", job.Kind(), err)
	}
	return nil
}

// removeJob drops a superseded timer.  Missing timers are ignored.
func (e *Engine) removeJob(ctx context.Context, job Job) {
	if _, err := e.queue.Ack(ctx, job.JobID()); err != nil {
		e.log.Warn("error removing superseded schedule job", "job_id", job.JobID(), "error", err)
	}
}

// DistributedExecutionTime adds up to the distribution window of random
// jitter to an exact schedule time.  The result is never earlier than exact.
func (e *Engine) DistributedExecutionTime(exact time.Time) time.Time {
	ms := e.window.Milliseconds()
	if ms <= 0 {
		return exact
	}
	return exact.Add(time.Duration(frand.Uint64n(uint64(ms))) * time.Millisecond)
}

func isNotFound(err error) bool {
	return errors.Is(err, coredata.ErrNotFound)
}

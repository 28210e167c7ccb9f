package simplequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inngest/runengine/pkg/backoff"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/inngest/runengine/pkg/telemetry/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkerConcurrency = 10
	DefaultPollInterval      = time.Second
	DefaultMaxAttempts       = 5
)

var (
	ErrWorkerStarted = fmt.Errorf("worker already started")
	ErrNoHandler     = fmt.Errorf("worker requires a decoder and a handler")
)

// Attempt describes the delivery attempt of a job to its handler.
type Attempt struct {
	// Number is zero-based.
	Number int
	// Final is true when a failure will dead letter the job.
	Final bool
}

// Decoder turns a dequeued item into a typed job.
type Decoder[J any] func(item Item) (J, error)

// Handler processes a typed job.
type Handler[J any] func(ctx context.Context, job J, attempt Attempt) error

type WorkerOpts[J any] struct {
	Queue  *Queue
	Decode Decoder[J]
	Handle Handler[J]

	// Concurrency is the maximum number of jobs handled at once.
	Concurrency int
	// PollInterval is how long the worker waits after finding no jobs.
	PollInterval time.Duration
	// MaxAttempts is the number of attempts before a job is dead lettered.
	MaxAttempts int
	Backoff     backoff.BackoffFunc

	Clock  clockwork.Clock
	Logger logger.Logger
}

// Worker polls a Queue and hands decoded jobs to a handler.  Workers are
// explicit objects with a Start/Stop lifecycle; any number of them may run in
// one process against different queues.
type Worker[J any] struct {
	opts WorkerOpts[J]
	sem  *semaphore.Weighted

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     conc.WaitGroup
}

func NewWorker[J any](opts WorkerOpts[J]) (*Worker[J], error) {
	if opts.Queue == nil {
		return nil, ErrEmptyQueue
	}
	if opts.Decode == nil || opts.Handle == nil {
		return nil, ErrNoHandler
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultWorkerConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.DefaultBackoff
	}
	if opts.Clock == nil {
		opts.Clock = opts.Queue.clock
	}
	if opts.Logger == nil {
		opts.Logger = opts.Queue.log
	}
	return &Worker[J]{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
	}, nil
}

// Start begins polling in the background until Stop is called or ctx is
// cancelled.
func (w *Worker[J]) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrWorkerStarted
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	return nil
}

// Stop stops polling and waits for in-progress jobs to finish.
func (w *Worker[J]) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.wg.Wait()
}

func (w *Worker[J]) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	l := w.opts.Logger.With("queue", w.opts.Queue.Name())

	for {
		n, err := w.poll(ctx, false)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("error polling simple queue", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.opts.Clock.After(w.opts.PollInterval):
		}
	}
}

// ProcessOnce dequeues up to the worker's free capacity and handles the jobs,
// blocking until they are done.  It returns the number of jobs handled.
func (w *Worker[J]) ProcessOnce(ctx context.Context) (int, error) {
	return w.poll(ctx, true)
}

func (w *Worker[J]) poll(ctx context.Context, wait bool) (int, error) {
	// Acquire a single slot blocking, then any further free slots.
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	slots := 1
	for slots < w.opts.Concurrency && w.sem.TryAcquire(1) {
		slots++
	}

	items, err := w.opts.Queue.Dequeue(ctx, slots)
	if unused := slots - len(items); unused > 0 {
		w.sem.Release(int64(unused))
	}
	if err != nil {
		return 0, err
	}

	var local conc.WaitGroup
	for _, item := range items {
		f := func() {
			defer w.sem.Release(1)
			w.process(ctx, item)
		}
		if wait {
			local.Go(f)
		} else {
			w.wg.Go(f)
		}
	}
	local.Wait()
	return len(items), nil
}

func (w *Worker[J]) process(ctx context.Context, item Item) {
	q := w.opts.Queue
	l := w.opts.Logger.With("queue", q.Name(), "id", item.ID, "kind", item.Kind, "attempt", item.Attempt)
	start := w.opts.Clock.Now()
	// Settling a handled job must survive Stop cancelling the poll context.
	sctx := context.WithoutCancel(ctx)

	job, err := w.opts.Decode(item)
	if err != nil {
		l.Error("error decoding job", "error", err)
		item.LastError = err.Error()
		if err := q.MoveToDeadLetterQueue(sctx, item); err != nil && !isNotFound(err) {
			l.Error("error dead lettering undecodable job", "error", err)
		}
		w.record(ctx, item, "invalid")
		return
	}

	attempt := Attempt{
		Number: item.Attempt,
		Final:  item.Attempt+1 >= w.opts.MaxAttempts,
	}
	err = w.opts.Handle(ctx, job, attempt)

	metrics.HistogramProcessingDuration(ctx, w.opts.Clock.Since(start).Milliseconds(), metrics.HistogramOpt{
		PkgName: pkgName,
		Tags:    map[string]any{"queue": q.Name(), "kind": item.Kind},
	})

	if err == nil {
		if _, err := q.Ack(sctx, item.ID); err != nil {
			l.Error("error acking job", "error", err)
		}
		w.record(ctx, item, "success")
		return
	}

	item.LastError = err.Error()
	if attempt.Final {
		l.Warn("job failed on final attempt, dead lettering", "error", err)
		if err := q.MoveToDeadLetterQueue(sctx, item); err != nil && !isNotFound(err) {
			l.Error("error dead lettering job", "error", err)
		}
		w.record(ctx, item, "dead_lettered")
		return
	}

	l.Warn("job failed, retrying", "error", err)
	delay := w.opts.Backoff(item.Attempt)
	item.Attempt++
	if err := q.Reschedule(sctx, item, w.opts.Clock.Now().Add(delay)); err != nil && !isNotFound(err) {
		l.Error("error rescheduling job", "error", err)
	}
	w.record(ctx, item, "retry")
}

func (w *Worker[J]) record(ctx context.Context, item Item, status string) {
	metrics.IncrJobProcessedCounter(ctx, metrics.CounterOpt{
		PkgName: pkgName,
		Tags: map[string]any{
			"queue":  w.opts.Queue.Name(),
			"kind":   item.Kind,
			"status": status,
		},
	})
}

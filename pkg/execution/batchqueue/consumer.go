package batchqueue

import (
	"context"
	"errors"

	"github.com/inngest/runengine/pkg/telemetry/metrics"
	"github.com/sourcegraph/conc/pool"
)

// ProcessItemFunc handles a dequeued item and returns the ID of the run it
// created.
type ProcessItemFunc func(ctx context.Context, item DRRResult) (runID string, err error)

// CompletionFunc receives a batch's results once every item was processed.
type CompletionFunc func(ctx context.Context, result CompletionResult) error

// ItemError carries an error code for a failed item.
type ItemError struct {
	Code string
	Err  error
}

func (e ItemError) Error() string {
	return e.Err.Error()
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// Run performs DRR iterations until ctx is cancelled, sleeping for the poll
// interval whenever an iteration dequeues nothing.
func (b *BatchQueue) Run(ctx context.Context, f ProcessItemFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := b.ProcessIteration(ctx, f)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error("error processing batch iteration", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-b.clock.After(b.pollInterval):
		}
	}
}

// ProcessIteration runs a single DRR iteration, processes the dequeued items
// concurrently and completes every batch that was drained.  It returns the
// number of items processed.
func (b *BatchQueue) ProcessIteration(ctx context.Context, f ProcessItemFunc) (int, error) {
	results, err := b.PerformDRRIteration(ctx)

	p := pool.New().WithMaxGoroutines(b.concurrency)
	for _, r := range results {
		p.Go(func() {
			b.processItem(ctx, r, f)
		})
	}
	p.Wait()

	for _, r := range results {
		if !r.IsBatchComplete {
			continue
		}
		if cerr := b.completeBatch(ctx, r.BatchID); cerr != nil {
			b.log.Error("error completing batch", "batch_id", r.BatchID, "error", cerr)
		}
	}
	return len(results), err
}

func (b *BatchQueue) processItem(ctx context.Context, r DRRResult, f ProcessItemFunc) {
	l := b.log.With("batch_id", r.BatchID, "env_id", r.EnvID, "index", r.Index)

	runID, err := f(ctx, r)
	if err == nil {
		metrics.IncrBatchItemsProcessedCounter(ctx, metrics.CounterOpt{
			PkgName: pkgName,
			Tags:    map[string]any{"status": "success"},
		})
		if err := b.RecordSuccess(ctx, r.BatchID, runID); err != nil {
			l.Error("error recording batch item success", "error", err)
		}
		return
	}

	metrics.IncrBatchItemsProcessedCounter(ctx, metrics.CounterOpt{
		PkgName: pkgName,
		Tags:    map[string]any{"status": "failure"},
	})
	failure := Failure{
		Index:          r.Index,
		TaskIdentifier: r.Item.TaskIdentifier,
		Payload:        r.Item.Payload,
		Error:          err.Error(),
	}
	var ie ItemError
	if errors.As(err, &ie) {
		failure.ErrorCode = ie.Code
	}
	l.Warn("batch item failed", "error", err, "code", failure.ErrorCode)
	if err := b.RecordFailure(ctx, r.BatchID, failure); err != nil {
		l.Error("error recording batch item failure", "error", err)
	}
}

func (b *BatchQueue) completeBatch(ctx context.Context, batchID string) error {
	result, err := b.GetCompletionResult(ctx, batchID)
	if err != nil {
		return err
	}
	if b.onComplete != nil {
		if err := b.onComplete(ctx, *result); err != nil {
			// Results are kept so the batch can be inspected.
			return err
		}
	}
	metrics.IncrBatchCompletedCounter(ctx, metrics.CounterOpt{PkgName: pkgName})
	_, err = b.CleanupBatch(ctx, batchID)
	return err
}

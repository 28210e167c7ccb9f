package metrics

import "context"

func IncrMessagesEnqueuedCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "messages_enqueued_total",
		Description: "Total number of messages enqueued",
		Tags:        opts.Tags,
	})
}

func IncrMessagesDequeuedCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "messages_dequeued_total",
		Description: "Total number of messages dequeued",
		Tags:        opts.Tags,
	})
}

func IncrMessagesAckedCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "messages_acked_total",
		Description: "Total number of messages acknowledged",
		Tags:        opts.Tags,
	})
}

func IncrMessagesNackedCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "messages_nacked_total",
		Description: "Total number of messages returned to their queue",
		Tags:        opts.Tags,
	})
}

func IncrMessagesReclaimedCounter(ctx context.Context, count int64, opts CounterOpt) {
	RecordCounterMetric(ctx, count, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "messages_reclaimed_total",
		Description: "Total number of timed out messages reclaimed",
		Tags:        opts.Tags,
	})
}

func IncrClaimErrorCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "claim_errors_total",
		Description: "Total number of messages purged while claiming",
		Tags:        opts.Tags,
	})
}

func IncrDequeueConcurrencyLimitedCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "dequeue_concurrency_limited_total",
		Description: "Total number of dequeue attempts rejected by a concurrency limit",
		Tags:        opts.Tags,
	})
}

func IncrBatchItemsProcessedCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "batch_items_processed_total",
		Description: "Total number of batch items processed",
		Tags:        opts.Tags,
	})
}

func IncrBatchCompletedCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "batches_completed_total",
		Description: "Total number of batches completed",
		Tags:        opts.Tags,
	})
}

func IncrScheduledTriggerCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "scheduled_triggers_total",
		Description: "Total number of scheduled task firings, by outcome",
		Tags:        opts.Tags,
	})
}

func IncrJobProcessedCounter(ctx context.Context, opts CounterOpt) {
	RecordCounterMetric(ctx, 1, CounterOpt{
		PkgName:     opts.PkgName,
		MetricName:  "jobs_processed_total",
		Description: "Total number of simple queue jobs processed, by outcome",
		Tags:        opts.Tags,
	})
}

package metrics

import "context"

func GaugeQueueLength(ctx context.Context, value int64, opts GaugeOpt) {
	RecordGaugeMetric(ctx, value, GaugeOpt{
		PkgName:     opts.PkgName,
		MetricName:  "queue_length",
		Description: "Number of items in a queue",
		Tags:        opts.Tags,
	})
}

func GaugeActiveBatches(ctx context.Context, value int64, opts GaugeOpt) {
	RecordGaugeMetric(ctx, value, GaugeOpt{
		PkgName:     opts.PkgName,
		MetricName:  "active_batches",
		Description: "Number of batches with remaining items",
		Tags:        opts.Tags,
	})
}

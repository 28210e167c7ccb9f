package metrics

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const prefix = "runengine"

type CounterOpt struct {
	PkgName     string
	MetricName  string
	Description string
	Tags        map[string]any
	Unit        string
}

type HistogramOpt struct {
	PkgName     string
	MetricName  string
	Description string
	Tags        map[string]any
	Unit        string
	Boundaries  []float64
}

type GaugeOpt struct {
	PkgName     string
	MetricName  string
	Description string
	Tags        map[string]any
	Unit        string
}

var (
	counters   sync.Map
	histograms sync.Map
	gauges     sync.Map
)

func name(metric string) string {
	return fmt.Sprintf("%s_%s", prefix, metric)
}

func attrs(tags map[string]any) otelmetric.MeasurementOption {
	kv := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		switch val := v.(type) {
		case string:
			kv = append(kv, attribute.String(k, val))
		case int:
			kv = append(kv, attribute.Int(k, val))
		case int64:
			kv = append(kv, attribute.Int64(k, val))
		case bool:
			kv = append(kv, attribute.Bool(k, val))
		case float64:
			kv = append(kv, attribute.Float64(k, val))
		default:
			kv = append(kv, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return otelmetric.WithAttributes(kv...)
}

// RecordCounterMetric increments a monotonic counter.  Instruments are created
// lazily against the global meter provider.
func RecordCounterMetric(ctx context.Context, incr int64, opts CounterOpt) {
	c, ok := counters.Load(opts.MetricName)
	if !ok {
		created, err := otel.Meter(opts.PkgName).Int64Counter(
			name(opts.MetricName),
			otelmetric.WithDescription(opts.Description),
			otelmetric.WithUnit(opts.Unit),
		)
		if err != nil {
			return
		}
		c, _ = counters.LoadOrStore(opts.MetricName, created)
	}
	c.(otelmetric.Int64Counter).Add(ctx, incr, attrs(opts.Tags))
}

func RecordIntHistogramMetric(ctx context.Context, value int64, opts HistogramOpt) {
	h, ok := histograms.Load(opts.MetricName)
	if !ok {
		created, err := otel.Meter(opts.PkgName).Int64Histogram(
			name(opts.MetricName),
			otelmetric.WithDescription(opts.Description),
			otelmetric.WithUnit(opts.Unit),
			otelmetric.WithExplicitBucketBoundaries(opts.Boundaries...),
		)
		if err != nil {
			return
		}
		h, _ = histograms.LoadOrStore(opts.MetricName, created)
	}
	h.(otelmetric.Int64Histogram).Record(ctx, value, attrs(opts.Tags))
}

func RecordGaugeMetric(ctx context.Context, value int64, opts GaugeOpt) {
	g, ok := gauges.Load(opts.MetricName)
	if !ok {
		created, err := otel.Meter(opts.PkgName).Int64Gauge(
			name(opts.MetricName),
			otelmetric.WithDescription(opts.Description),
			otelmetric.WithUnit(opts.Unit),
		)
		if err != nil {
			return
		}
		g, _ = gauges.LoadOrStore(opts.MetricName, created)
	}
	g.(otelmetric.Int64Gauge).Record(ctx, value, attrs(opts.Tags))
}

package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecordCounterMetric(t *testing.T) {
	ctx := context.Background()
	reader := metric.NewManualReader()
	otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(reader)))

	IncrMessagesEnqueuedCounter(ctx, CounterOpt{PkgName: "test", Tags: map[string]any{"queue": "q1"}})
	IncrMessagesEnqueuedCounter(ctx, CounterOpt{PkgName: "test", Tags: map[string]any{"queue": "q1"}})

	rm := metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(ctx, &rm))

	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "runengine_messages_enqueued_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			require.EqualValues(t, 2, sum.DataPoints[0].Value)
			found = true
		}
	}
	require.True(t, found)
}

func TestParseMeterType(t *testing.T) {
	mt, err := ParseMeterType("prometheus")
	require.NoError(t, err)
	require.Equal(t, MeterTypePrometheus, mt)

	mt, err = ParseMeterType("")
	require.NoError(t, err)
	require.Equal(t, MeterTypeIO, mt)

	_, err = ParseMeterType("statsd")
	require.Error(t, err)
}

func TestNewMeterProvider(t *testing.T) {
	mp, err := NewMeterProvider(context.Background(), "test", MeterTypePrometheus)
	require.NoError(t, err)
	require.NotNil(t, mp.Provider)
	mp.Shutdown()
}

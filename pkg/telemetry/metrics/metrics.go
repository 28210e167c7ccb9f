package metrics

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

type MeterType int8

const (
	MeterTypeIO MeterType = iota
	MeterTypeOTLP
	MeterTypePrometheus
)

// ParseMeterType maps a configured exporter name to a MeterType.
func ParseMeterType(s string) (MeterType, error) {
	switch s {
	case "", "stdout", "io":
		return MeterTypeIO, nil
	case "otlp":
		return MeterTypeOTLP, nil
	case "prometheus":
		return MeterTypePrometheus, nil
	}
	return MeterTypeIO, fmt.Errorf("unknown metrics exporter %q", s)
}

// MeterSetup installs a global meter provider and returns its shutdown func.
func MeterSetup(svc string, mtype MeterType) (func(), error) {
	ctx := context.Background()

	mp, err := NewMeterProvider(ctx, svc, mtype)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp.Provider)
	return mp.Shutdown, nil
}

type meter struct {
	Provider *metric.MeterProvider
	Shutdown func()
}

// NewMeterProvider builds a provider exporting to mtype.  The prometheus
// exporter registers with the default registry, so promhttp.Handler serves
// it.
func NewMeterProvider(ctx context.Context, svc string, mtype MeterType) (*meter, error) {
	var (
		reader  metric.Reader
		closers []func() error
	)

	switch mtype {
	case MeterTypePrometheus:
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("error setting up prometheus exporter: %w", err)
		}
		reader = exp
	case MeterTypeOTLP:
		endpoint := os.Getenv("OTEL_METRICS_COLLECTOR_ENDPOINT")
		if endpoint == "" {
			endpoint = "otel-collector:4317"
		}
		// NOTE: the collector is expected on the same private network.
		conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("error connecting to otel collector %s: %w", endpoint, err)
		}
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("error setting up otlp metric exporter: %w", err)
		}
		reader = metric.NewPeriodicReader(exp)
		closers = append(closers, conn.Close)
	default:
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("error setting up stdout metric exporter: %w", err)
		}
		reader = metric.NewPeriodicReader(exp)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(svc),
		)),
	)
	return &meter{
		Provider: mp,
		Shutdown: func() {
			_ = mp.Shutdown(ctx)
			for _, c := range closers {
				_ = c()
			}
		},
	}, nil
}

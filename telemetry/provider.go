package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

func NewTracerProvider(ctx context.Context, res *resource.Resource, exporter, endpoint string) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{trace.WithResource(res)}

	switch exporter {
	case "":
	case "stdout":
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(1*time.Second)))
	case "otlp":
		var eopts []otlptracegrpc.Option
		if endpoint != "" {
			eopts = append(eopts, otlptracegrpc.WithEndpoint(endpoint))
		}
		exp, err := otlptracegrpc.New(ctx, eopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(1*time.Second)))
	default:
		return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", exporter)
	}

	return trace.NewTracerProvider(opts...), nil
}

func NewMeterProvider(ctx context.Context, res *resource.Resource, exporter, endpoint string) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(res)}

	var exp metric.Exporter
	var err error
	switch exporter {
	case "":
	case "stdout":
		exp, err = stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
	case "otlp":
		var eopts []otlpmetricgrpc.Option
		if endpoint != "" {
			eopts = append(eopts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		exp, err = otlpmetricgrpc.New(ctx, eopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", exporter)
	}
	if exp != nil {
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second))))
	}

	return metric.NewMeterProvider(opts...), nil
}

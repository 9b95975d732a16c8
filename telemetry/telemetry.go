package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter otelmetric.Meter

	serviceName string
}

// New installs global trace and meter providers that export to exporter
// ("stdout" or "otlp"). With no exporter nothing is exported, but the
// instruments still work.
func New(ctx context.Context, serviceName, serviceVersion, exporter, endpoint string) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	tp, err := NewTracerProvider(ctx, res, exporter, endpoint)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, res, exporter, endpoint)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		tp: tp,
		mp: mp,

		meter: mp.Meter(serviceName),

		serviceName: serviceName,
	}, nil
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

// Shutdown flushes whatever has not been exported yet.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}

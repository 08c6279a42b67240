package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Options configures [Setup].
type Options struct {
	ServiceName    string
	ServiceVersion string

	// SpanExporter receives finished spans. Nil records spans without
	// exporting them, which still gives logs a trace_id.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the SDK providers and the Prometheus registry that backs
// /metrics.
type Telemetry struct {
	Metrics *Metrics

	registry *prometheus.Registry
	closers  []func(context.Context) error
}

// Setup builds the meter and tracer providers and installs them as the OTel
// globals. Metrics land in a private registry alongside the Go runtime and
// process collectors; serve them with [Telemetry.Handler].
func Setup(ctx context.Context, opts Options) (*Telemetry, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "thakkir"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))
	m, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return &Telemetry{
		Metrics:  m,
		registry: reg,
		// Spans flush before the meter provider goes away.
		closers: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range t.closers {
		errs = append(errs, c(ctx))
	}
	return errors.Join(errs...)
}

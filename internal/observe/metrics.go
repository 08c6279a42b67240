// Package observe provides application-wide observability primitives for
// Thakkir: OpenTelemetry metrics, tracing, structured logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [Setup] so they can be scraped from
// /metrics. [DefaultMetrics] returns a package-level instance; tests should
// use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Thakkir metrics.
const meterName = "github.com/MrWong99/thakkir"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Detection ---

	// Detections counts accepted detections. Attributes: phrase, method.
	Detections metric.Int64Counter

	// DetectionsDropped counts finals that did not produce a count.
	// Attribute: reason ("no-match", "below-threshold", "no-session").
	DetectionsDropped metric.Int64Counter

	// STTDuration tracks the audio length of final utterances.
	STTDuration metric.Float64Histogram

	// --- Counting ---

	// Increments counts accepted increments. Attribute: method.
	Increments metric.Int64Counter

	SessionsStarted   metric.Int64Counter
	SessionsCompleted metric.Int64Counter

	// ActiveSessions is 1 while a counting session is active.
	ActiveSessions metric.Int64UpDownCounter

	// PersistErrors counts failed or rejected durable writes. Attribute: op.
	PersistErrors metric.Int64Counter

	// --- Recognition ---

	RecognitionRestarts metric.Int64Counter

	// RecognitionErrors counts terminal recognition errors. Attribute: code.
	RecognitionErrors metric.Int64Counter

	// --- Maintenance ---

	// CleanupRemoved counts sessions removed by cleanup. Attribute: kind.
	CleanupRemoved metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// utteranceBuckets are histogram boundaries (seconds) for spoken phrases.
var utteranceBuckets = []float64{
	0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 8, 13,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Detections, err = m.Int64Counter("thakkir.detections",
		metric.WithDescription("Accepted phrase detections by phrase and method."),
	); err != nil {
		return nil, err
	}
	if met.DetectionsDropped, err = m.Int64Counter("thakkir.detections.dropped",
		metric.WithDescription("Final utterances that did not produce a count, by reason."),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("thakkir.stt.duration",
		metric.WithDescription("Audio length of final utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Increments, err = m.Int64Counter("thakkir.increments",
		metric.WithDescription("Counter increments by method."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("thakkir.sessions.started",
		metric.WithDescription("Counting sessions started."),
	); err != nil {
		return nil, err
	}
	if met.SessionsCompleted, err = m.Int64Counter("thakkir.sessions.completed",
		metric.WithDescription("Counting sessions completed."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("thakkir.active_sessions",
		metric.WithDescription("Number of active counting sessions."),
	); err != nil {
		return nil, err
	}
	if met.PersistErrors, err = m.Int64Counter("thakkir.persist.errors",
		metric.WithDescription("Durable writes that failed or were rejected, by operation."),
	); err != nil {
		return nil, err
	}

	if met.RecognitionRestarts, err = m.Int64Counter("thakkir.recognition.restarts",
		metric.WithDescription("Automatic recognition restarts."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("thakkir.recognition.errors",
		metric.WithDescription("Terminal recognition errors by code."),
	); err != nil {
		return nil, err
	}

	if met.CleanupRemoved, err = m.Int64Counter("thakkir.cleanup.removed",
		metric.WithDescription("Sessions removed by integrity cleanup, by kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("thakkir.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDetection counts an accepted detection.
func (m *Metrics) RecordDetection(ctx context.Context, phraseID, method string) {
	m.Detections.Add(ctx, 1, metric.WithAttributes(Attr("phrase", phraseID), Attr("method", method)))
}

// RecordDropped counts a final that did not produce a count.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.DetectionsDropped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordIncrement counts one increment.
func (m *Metrics) RecordIncrement(ctx context.Context, method string) {
	m.Increments.Add(ctx, 1, metric.WithAttributes(Attr("method", method)))
}

// RecordPersistError counts a failed durable write.
func (m *Metrics) RecordPersistError(ctx context.Context, op string) {
	m.PersistErrors.Add(ctx, 1, metric.WithAttributes(Attr("op", op)))
}

// RecordRecognitionError counts a terminal recognition error.
func (m *Metrics) RecordRecognitionError(ctx context.Context, code string) {
	m.RecognitionErrors.Add(ctx, 1, metric.WithAttributes(Attr("code", code)))
}

// RecordCleanupRemoved adds n removed sessions of kind.
func (m *Metrics) RecordCleanupRemoved(ctx context.Context, kind string, n int) {
	if n <= 0 {
		return
	}
	m.CleanupRemoved.Add(ctx, int64(n), metric.WithAttributes(Attr("kind", kind)))
}

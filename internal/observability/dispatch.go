package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatchMetrics records dispatch pipeline metrics (claims, inference calls, failures, forwards).
// Methods accept ctx for future exemplar support.
type DispatchMetrics interface {
	RecordChunksClaimed(ctx context.Context, count int)
	RecordDispatch(ctx context.Context, outcome string, duration time.Duration)
	RecordChunksFailed(ctx context.Context, reason string, count int)
	RecordResultsForwarded(ctx context.Context, outcome string, count int)
	SetInFlightBatches(n int)
}

type dispatchMetrics struct {
	chunksClaimed    metric.Int64Counter
	dispatches       metric.Int64Counter
	chunksFailed     metric.Int64Counter
	resultsForwarded metric.Int64Counter
	duration         metric.Float64Histogram
	inFlight         atomic.Int64
	inFlightGauge    metric.Float64ObservableGauge
}

// NewDispatchMetrics creates DispatchMetrics and registers the in-flight gauge.
// Returns (nil, nil) when meter is nil (metrics disabled).
func NewDispatchMetrics(meter metric.Meter) (DispatchMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	chunksClaimed, err := meter.Int64Counter(
		MetricNameChunksClaimed,
		metric.WithDescription("Total chunks claimed from the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("create chunks claimed counter: %w", err)
	}

	dispatches, err := meter.Int64Counter(
		MetricNameDispatches,
		metric.WithDescription("Total inference requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch counter: %w", err)
	}

	chunksFailed, err := meter.Int64Counter(
		MetricNameChunksFailed,
		metric.WithDescription("Total chunks marked failed by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("create chunks failed counter: %w", err)
	}

	resultsForwarded, err := meter.Int64Counter(
		MetricNameResultsForwarded,
		metric.WithDescription("Total result units sent to the receiver by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create results forwarded counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameDispatchDuration,
		metric.WithDescription("Inference request duration (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch duration histogram: %w", err)
	}

	m := &dispatchMetrics{
		chunksClaimed:    chunksClaimed,
		dispatches:       dispatches,
		chunksFailed:     chunksFailed,
		resultsForwarded: resultsForwarded,
		duration:         duration,
	}

	inFlightGauge, err := meter.Float64ObservableGauge(
		MetricNameInFlightBatches,
		metric.WithDescription("Current number of batches awaiting an inference response"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(float64(m.inFlight.Load()))

			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create in-flight gauge: %w", err)
	}

	m.inFlightGauge = inFlightGauge

	return m, nil
}

func (m *dispatchMetrics) RecordChunksClaimed(ctx context.Context, count int) {
	m.chunksClaimed.Add(ctx, int64(count))
}

func (m *dispatchMetrics) RecordDispatch(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String(AttrOutcome, NormalizeReason(outcome, AllowedDispatchOutcomes)))
	m.dispatches.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}

func (m *dispatchMetrics) RecordChunksFailed(ctx context.Context, reason string, count int) {
	reason = NormalizeReason(reason, AllowedFailureReasons)
	m.chunksFailed.Add(ctx, int64(count), metric.WithAttributes(attribute.String(AttrReason, reason)))
}

func (m *dispatchMetrics) RecordResultsForwarded(ctx context.Context, outcome string, count int) {
	outcome = NormalizeReason(outcome, AllowedForwardOutcomes)
	m.resultsForwarded.Add(ctx, int64(count), metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

func (m *dispatchMetrics) SetInFlightBatches(n int) {
	m.inFlight.Store(int64(n))
}

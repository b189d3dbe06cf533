package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	meterScope         = "github.com/formbricks/embed-sender/internal/observability"
	defaultServiceName = "embed-sender"
	cardinalityLimit   = 2000
)

// dispatchHistogramBoundaries are buckets (seconds) for inference request duration.
// GPU batches take far longer than typical HTTP requests.
var dispatchHistogramBoundaries = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// MeterProviderShutdown is the subset of the SDK MeterProvider needed for shutdown.
type MeterProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// MeterProviderConfig holds configuration for creating the MeterProvider and metrics.
type MeterProviderConfig struct {
	// ServiceName is used in the resource (default: embed-sender).
	ServiceName string
}

// NewMeterProvider creates a MeterProvider with Prometheus exporter and returns the provider,
// an HTTP handler for /metrics, and DispatchMetrics that use the provider's Meter.
// Caller must call provider.Shutdown on exit. When metrics are disabled, pass nil for metrics at call sites.
func NewMeterProvider(_ context.Context, cfg MeterProviderConfig) (
	provider MeterProviderShutdown, metricsHandler http.Handler, metrics DispatchMetrics, err error,
) {
	serviceNameVal := cfg.ServiceName
	if serviceNameVal == "" {
		serviceNameVal = defaultServiceName
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceNameVal),
	)

	reg := prometheus.NewRegistry()

	exporter, err := prometheusexporter.New(
		prometheusexporter.WithRegisterer(reg),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithCardinalityLimit(cardinalityLimit),
		sdkmetric.WithView(
			sdkmetric.NewView(
				sdkmetric.Instrument{Name: MetricNameDispatchDuration},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: dispatchHistogramBoundaries}},
			),
		),
	)

	metrics, err = NewDispatchMetrics(mp.Meter(meterScope))
	if err != nil {
		_ = mp.Shutdown(context.Background())

		return nil, nil, nil, fmt.Errorf("create metrics instruments: %w", err)
	}

	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics, nil
}

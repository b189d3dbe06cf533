// Package observability provides OpenTelemetry metrics (Prometheus exporter) and log context wiring.
package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameChunksClaimed    = "embed_chunks_claimed_total"
	MetricNameDispatches       = "embed_dispatch_total"
	MetricNameChunksFailed     = "embed_chunks_failed_total"
	MetricNameResultsForwarded = "embed_results_forwarded_total"
	MetricNameDispatchDuration = "embed_dispatch_duration_seconds"
	MetricNameInFlightBatches  = "embed_inflight_batches"
)

// Attribute keys.
const (
	AttrOutcome = "outcome"
	AttrReason  = "reason"
)

// AllowedDispatchOutcomes for embed_dispatch_total and embed_dispatch_duration_seconds.
var AllowedDispatchOutcomes = map[string]bool{
	"success":           true,
	"overloaded":        true,
	"permanent_failure": true,
}

// AllowedFailureReasons for embed_chunks_failed_total.
var AllowedFailureReasons = map[string]bool{
	"overloaded_singleton": true,
	"dispatch_failed":      true,
	"no_text":              true,
}

// AllowedForwardOutcomes for embed_results_forwarded_total.
var AllowedForwardOutcomes = map[string]bool{
	"success":  true,
	"failed":   true,
	"enqueued": true,
	"retried":  true,
	"dropped":  true,
}

// NormalizeReason returns reason if in allowed, otherwise "other".
func NormalizeReason(reason string, allowed map[string]bool) string {
	if allowed[reason] {
		return reason
	}

	return "other"
}

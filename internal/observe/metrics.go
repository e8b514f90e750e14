// Package observe provides observability primitives for the voice agent:
// OpenTelemetry metrics, tracing helpers, and the HTTP server exposing the
// Prometheus scrape endpoint and health check.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed via [InitProvider] so that metrics are
// scrapeable at /metrics under their conventional ai_agent_* names. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all agent metrics.
const meterName = "github.com/seven1193/Asterisk-AI-Voice-Agent"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Streaming playback ---

	// StreamingActive tracks the number of active outbound streams.
	StreamingActive metric.Int64UpDownCounter

	// StreamingBytes counts provider audio bytes accepted into jitter
	// buffers. The stream counters below all take
	// attribute.String("call_id", ...).
	StreamingBytes metric.Int64Counter

	// StreamTxBytes counts bytes actually sent on the wire by the pacer.
	StreamTxBytes metric.Int64Counter

	// StreamFramesSent counts paced frames sent.
	StreamFramesSent metric.Int64Counter

	// StreamUnderflowEvents counts pacing ticks served by a synthesized
	// filler frame.
	StreamUnderflowEvents metric.Int64Counter

	// StreamFillerBytes counts synthesized filler bytes sent.
	StreamFillerBytes metric.Int64Counter

	// StreamingFallbacks counts transitions to file-based playback. Use with
	// attribute.String("call_id", ...).
	StreamingFallbacks metric.Int64Counter

	// KeepaliveTimeouts counts chunk-liveness expirations. Use with
	// attribute.String("call_id", ...).
	KeepaliveTimeouts metric.Int64Counter

	// EndianCorrections counts PCM16 egress byte-swap activations. Use with
	// attribute.String("call_id", ...) and attribute.String("mode", ...).
	EndianCorrections metric.Int64Counter

	// FirstFrameLatency tracks warm-up duration from stream start to the
	// first frame on the wire. Histograms take call_id and playback_type
	// attributes.
	FirstFrameLatency metric.Float64Histogram

	// SegmentDuration tracks wall-clock duration of completed segments.
	SegmentDuration metric.Float64Histogram

	// --- Calls and providers ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time on the
	// metrics/health server.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// telephony warm-up and segment durations.
var latencyBuckets = []float64{
	0.05, 0.1, 0.2, 0.4, 0.8, 1.5, 3, 6, 12, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StreamingActive, err = m.Int64UpDownCounter("ai_agent_streaming_active",
		metric.WithDescription("Number of active outbound audio streams."),
	); err != nil {
		return nil, err
	}
	if met.StreamingBytes, err = m.Int64Counter("ai_agent_streaming_bytes",
		metric.WithDescription("Provider audio bytes accepted into jitter buffers."),
	); err != nil {
		return nil, err
	}
	if met.StreamTxBytes, err = m.Int64Counter("ai_agent_stream_tx_bytes",
		metric.WithDescription("Audio bytes sent on the wire by the pacer."),
	); err != nil {
		return nil, err
	}
	if met.StreamFramesSent, err = m.Int64Counter("ai_agent_stream_frames_sent",
		metric.WithDescription("Paced audio frames sent."),
	); err != nil {
		return nil, err
	}
	if met.StreamUnderflowEvents, err = m.Int64Counter("ai_agent_stream_underflow_events",
		metric.WithDescription("Pacing ticks served by a synthesized filler frame."),
	); err != nil {
		return nil, err
	}
	if met.StreamFillerBytes, err = m.Int64Counter("ai_agent_stream_filler_bytes",
		metric.WithDescription("Synthesized filler bytes sent."),
	); err != nil {
		return nil, err
	}
	if met.StreamingFallbacks, err = m.Int64Counter("ai_agent_streaming_fallbacks",
		metric.WithDescription("Transitions from streaming to file-based playback by call."),
	); err != nil {
		return nil, err
	}
	if met.KeepaliveTimeouts, err = m.Int64Counter("ai_agent_streaming_keepalive_timeouts",
		metric.WithDescription("Chunk-liveness expirations by call."),
	); err != nil {
		return nil, err
	}
	if met.EndianCorrections, err = m.Int64Counter("ai_agent_stream_endian_corrections",
		metric.WithDescription("PCM16 egress byte-swap activations."),
	); err != nil {
		return nil, err
	}
	if met.FirstFrameLatency, err = m.Float64Histogram("ai_agent_stream_first_frame",
		metric.WithDescription("Warm-up duration from stream start to first frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("ai_agent_stream_segment_duration",
		metric.WithDescription("Wall-clock duration of completed stream segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("ai_agent_active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("ai_agent_provider_errors",
		metric.WithDescription("Provider failures by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("ai_agent_tool_calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("ai_agent_tool_execution_duration",
		metric.WithDescription("Tool execution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("ai_agent_http_request_duration",
		metric.WithDescription("HTTP request latency on the metrics/health server."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFallback records a streaming-to-file fallback for the call.
func (m *Metrics) RecordFallback(ctx context.Context, callID, reason string) {
	m.StreamingFallbacks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("call_id", callID),
			attribute.String("reason", reason),
		),
	)
}

// RecordKeepaliveTimeout records a chunk-liveness expiration for the call.
func (m *Metrics) RecordKeepaliveTimeout(ctx context.Context, callID string) {
	m.KeepaliveTimeouts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("call_id", callID)),
	)
}

// RecordToolCall records a tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider failure with the standard attribute
// set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

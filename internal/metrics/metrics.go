// Package metrics provides Prometheus metrics for the tax assistant API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taxgpt"

var (
	// RequestsTotal counts total requests by method, path, and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration measures request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)

	// ActiveStreams tracks relays currently writing to a client.
	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Current number of open chat streams.",
		},
		[]string{"transport"}, // "sse" or "ws"
	)

	// ActiveTurns tracks model-backed requests holding a concurrency slot.
	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Current number of chat turns holding a concurrency slot.",
		},
	)

	// StreamFrames counts frames written to clients by frame type.
	StreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Total stream frames written to clients.",
		},
		[]string{"type"},
	)

	// StreamsEnded counts relays by how they ended: done, error or disconnect.
	StreamsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_ended_total",
			Help:      "Total chat streams by outcome.",
		},
		[]string{"outcome"},
	)

	// UpstreamRequestsTotal counts language model calls.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of language model requests.",
		},
		[]string{"mode", "status"}, // mode: "generate" or "stream"
	)

	// UpstreamDuration measures language model latency.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Language model request duration in seconds.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	// TokensProcessed counts prompt tokens sent and history tokens clipped.
	TokensProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_processed_total",
			Help:      "Total number of tokens processed.",
		},
		[]string{"direction"}, // "prompt" or "clipped"
	)

	// CacheHits counts cache hits and misses.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total cache operations.",
		},
		[]string{"cache", "result"}, // cache: "form", result: "hit" or "miss"
	)

	// ToolCalls counts tool invocations.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total tool calls.",
		},
		[]string{"tool", "status"},
	)

	// ErrorsTotal counts errors by type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by type.",
		},
		[]string{"type"},
	)

	// UploadBytes observes the size of accepted uploads.
	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of accepted PDF uploads.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 6),
		},
	)

	// ModelUp is 1 while the last reachability probe of the model endpoint succeeded.
	ModelUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_up",
			Help:      "Whether the language model endpoint answered the last probe.",
		},
	)

	// GeneratedFilesRemoved counts generated PDFs deleted by the retention sweep.
	GeneratedFilesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_files_removed_total",
			Help:      "Total generated PDFs removed after their retention period.",
		},
	)
)

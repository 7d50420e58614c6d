package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestsub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestsub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestsub_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestsub_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Dispatch metrics
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestsub_dispatch_total",
			Help: "Total number of dispatched messages",
		},
		[]string{"state", "result"}, // result: ok, malformed, unexpected_state, record_failed
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nestsub_dispatch_duration_seconds",
			Help:    "Time taken to dispatch one message, clip download included",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	MessagesAckedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestsub_messages_acked_total",
			Help: "Total number of messages acknowledged to the transport",
		},
	)

	// Storage metrics
	RecordsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestsub_records_written_total",
			Help: "Total number of JSON records written",
		},
	)

	RecordBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestsub_record_bytes_total",
			Help: "Total bytes of JSON records written",
		},
	)

	// Clip metrics
	ClipFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestsub_clip_fetch_total",
			Help: "Clip preview fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	ClipBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestsub_clip_bytes_total",
			Help: "Total clip bytes written",
		},
	)

	ClipFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nestsub_clip_fetch_duration_seconds",
			Help:    "Time taken to download a clip preview",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Auth metrics
	TokenRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestsub_token_requests_total",
			Help: "Access token refreshes by result",
		},
		[]string{"result"}, // result: ok, failed, breaker_open
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestsub_worker_queue_size",
			Help: "Current size of the worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestsub_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestsub_worker_processed_total",
			Help: "Total number of deliveries processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestsub_worker_failed_total",
			Help: "Total number of deliveries failed in workers",
		},
	)

	// Transport metrics
	TransportReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestsub_transport_received_total",
			Help: "Total number of messages received per transport",
		},
		[]string{"transport"},
	)

	TransportNackedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestsub_transport_nacked_total",
			Help: "Total number of messages released back to the transport",
		},
		[]string{"transport"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestsub_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)

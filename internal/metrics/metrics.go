// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package metrics holds the Prometheus collectors for Herald.
//
// Collectors are registered on the default registry through promauto and
// exposed at /metrics. Per-destination series are labelled "destination".
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion Metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_received_total",
			Help: "Library events accepted for processing",
		},
		[]string{"source", "kind"}, // source: webhook, websocket, sync, api
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_rejected_total",
			Help: "Inbound events rejected before reaching the pipeline",
		},
		[]string{"reason"}, // malformed, validation, signature, duplicate, ignored, rate_limited
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_processed_total",
			Help: "Library events processed by the pipeline",
		},
		[]string{"result"}, // ok, error, retry
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_event_processing_duration_seconds",
			Help:    "Time from bus delivery to pipeline completion",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_pipeline_drops_total",
			Help: "Library events dropped by the pipeline without a decision",
		},
		[]string{"reason"}, // not_found, catalog_error, unrouted
	)

	// Change Detector Metrics
	DetectorOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_detector_outcomes_total",
			Help: "Change detector classifications",
		},
		[]string{"outcome", "reason"}, // outcome: new, upgraded, unchanged, ignored
	)

	DetectorChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_detector_changes_total",
			Help: "Upgrade-worthy changes by kind",
		},
		[]string{"kind"},
	)

	// Store Metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_store_operation_duration_seconds",
			Help:    "Item store operation duration",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_store_errors_total",
			Help: "Item store operation failures",
		},
		[]string{"operation"},
	)

	// Disambiguator Metrics
	PendingDeletions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_pending_deletions",
			Help: "Deletions waiting for the grace window to elapse",
		},
	)

	DeletionResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deletion_resolutions_total",
			Help: "Resolved pending deletions",
		},
		[]string{"resolution"}, // upgrade, true_delete, replaced
	)

	// Routing Metrics
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_routing_decisions_total",
			Help: "Notifications routed by category and destination",
		},
		[]string{"category", "destination", "path"}, // path: mapped, fallback, any
	)

	RoutingDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_routing_dropped_total",
			Help: "Notifications dropped because no enabled destination was reachable",
		},
		[]string{"category"},
	)

	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_batch_flushes_total",
			Help: "Group batch flushes",
		},
		[]string{"destination", "trigger"}, // trigger: delay, max_items
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_batch_size",
			Help:    "Notifications per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50},
		},
	)

	// Delivery Queue Metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_queue_depth",
			Help: "Tasks currently queued per destination",
		},
		[]string{"destination"},
	)

	TasksQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_tasks_queued_total",
			Help: "Tasks accepted into a destination queue",
		},
		[]string{"destination"},
	)

	TasksSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_tasks_sent_total",
			Help: "Tasks delivered successfully",
		},
		[]string{"destination"},
	)

	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_tasks_failed_total",
			Help: "Tasks that reached failed-terminal",
		},
		[]string{"destination", "reason"}, // reason: attempts, template, cancelled
	)

	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_tasks_retried_total",
			Help: "Task attempts requeued after a failure",
		},
		[]string{"destination"},
	)

	TasksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_tasks_dropped_total",
			Help: "Tasks rejected because the destination queue was full",
		},
		[]string{"destination"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_hits_total",
			Help: "429 responses received from a destination",
		},
		[]string{"destination"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_duration_seconds",
			Help:    "Outbound webhook request duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"destination"},
	)

	// Template Metrics
	TemplateReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_template_reloads_total",
			Help: "Payload template reloads",
		},
		[]string{"result"}, // ok, error
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_config_reloads_total",
			Help: "Configuration file reloads",
		},
		[]string{"result"}, // ok, error
	)

	// Dead Letter Metrics
	DeadLetterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_deadletter_entries",
			Help: "Entries currently held in the dead-letter archive",
		},
	)

	DeadLetterAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_deadletter_added_total",
			Help: "Tasks archived after failing terminally",
		},
	)

	DeadLetterReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deadletter_replays_total",
			Help: "Dead-letter replay attempts",
		},
		[]string{"result"},
	)

	// Library Sync Metrics
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_sync_duration_seconds",
			Help:    "Reconciliation sweep duration",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	SyncItemsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_sync_items_processed_total",
			Help: "Catalog items fed through the detector by sweeps",
		},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_sync_errors_total",
			Help: "Reconciliation sweep failures",
		},
		[]string{"stage"}, // list, item
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_sync_last_success_timestamp",
			Help: "Unix time of the last completed sweep",
		},
	)

	// Catalog Metrics
	CatalogRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_catalog_requests_total",
			Help: "Requests made to the media server API",
		},
		[]string{"operation", "result"},
	)

	WSConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_catalog_websocket_connected",
			Help: "1 when the media server websocket is connected",
		},
	)

	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_stream_clients",
			Help: "Clients connected to the live notification stream",
		},
	)

	StreamDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_stream_dropped_total",
			Help: "Stream messages dropped because a buffer was full",
		},
		[]string{"where"}, // hub, client
	)

	EnrichmentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_enrichment_lookups_total",
			Help: "Rating lookups by result",
		},
		[]string{"result"}, // hit, miss, error, skipped
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker",
		},
		[]string{"name", "result"}, // result: success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_circuit_breaker_state_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// HTTP Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)
)

// RecordStoreOp records an item store operation.
func RecordStoreOp(operation string, duration time.Duration, err error) {
	StoreOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		StoreErrors.WithLabelValues(operation).Inc()
	}
}

// RecordSync records the outcome of one reconciliation sweep.
func RecordSync(duration time.Duration, items int, err error) {
	SyncDuration.Observe(duration.Seconds())
	SyncItemsProcessed.Add(float64(items))
	if err != nil {
		SyncErrors.WithLabelValues("list").Inc()
		return
	}
	SyncLastSuccess.Set(float64(time.Now().Unix()))
}

// RecordAPIRequest records an HTTP request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCatalogRequest counts a media server API call.
func RecordCatalogRequest(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CatalogRequests.WithLabelValues(operation, result).Inc()
}

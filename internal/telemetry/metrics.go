// Package telemetry holds the Prometheus collectors shared by the ingestion,
// sync and aggregation components.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attribution_webhook_requests_total",
			Help: "Inbound CRM webhook requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	WebhookRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attribution_webhook_records_total",
			Help: "CRM status records by endpoint and outcome (saved, skipped, failed)",
		},
		[]string{"endpoint", "outcome"},
	)

	AttributionResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attribution_resolver_results_total",
			Help: "Attribution results by the tier that matched",
		},
		[]string{"matched_via"},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attribution_spend_sync_runs_total",
			Help: "Ad spend sync runs per outcome",
		},
		[]string{"outcome"},
	)

	SyncRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attribution_spend_sync_rows_total",
			Help: "Daily spend rows upserted by the sync engine",
		},
	)

	SyncAccountFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attribution_spend_sync_account_failures_total",
			Help: "Ad account fetches that failed and were skipped",
		},
	)

	AggregationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attribution_aggregation_runs_total",
			Help: "Aggregation runs per outcome",
		},
		[]string{"outcome"},
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attribution_aggregation_duration_seconds",
			Help:    "Duration of full aggregation runs",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Package metrics exposes Prometheus collectors for puppet runs, the video
// store and the metadata fetcher.
//
// Usage:
//
//	metrics.RecordWatch("drifting", "ok")
//	metrics.RecordBlacklisted(3)
//	metrics.RecordKeyRotation()
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Puppet Metrics

	// WatchesTotal counts watch attempts by puppet state and outcome (ok, unavailable).
	WatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubbledrift_watches_total",
			Help: "Total number of watch attempts",
		},
		[]string{"state", "outcome"},
	)

	// PuppetRunsTotal counts finished puppet runs by outcome (ok, failed).
	PuppetRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubbledrift_puppet_runs_total",
			Help: "Total number of puppet runs",
		},
		[]string{"outcome"},
	)

	// DriftEarlyStopsTotal counts drifts ended by a recommendation list with no known slant.
	DriftEarlyStopsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bubbledrift_drift_early_stops_total",
			Help: "Total number of drifts ended early for lack of a viable next video",
		},
	)

	// PuppetSlant tracks each puppet's current slant.
	PuppetSlant = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bubbledrift_puppet_slant",
			Help: "Current slant of each puppet",
		},
		[]string{"puppet"},
	)

	// Store Metrics

	// StoreQueryDuration tracks video store operation latency.
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bubbledrift_store_query_duration_seconds",
			Help:    "Duration of video store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"op"},
	)

	// BlacklistedTotal counts ids marked blacklisted.
	BlacklistedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bubbledrift_blacklisted_total",
			Help: "Total number of ids submitted for blacklisting",
		},
	)

	// Metadata Metrics

	// MetadataRequestsTotal counts API requests by outcome
	// (ok, quota, bad_request, transient, error).
	MetadataRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubbledrift_metadata_requests_total",
			Help: "Total number of metadata API requests",
		},
		[]string{"outcome"},
	)

	// MetadataKeyRotationsTotal counts API key rotations on quota errors.
	MetadataKeyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bubbledrift_metadata_key_rotations_total",
			Help: "Total number of API key rotations",
		},
	)
)

// RecordWatch records a watch attempt.
func RecordWatch(state, outcome string) {
	WatchesTotal.WithLabelValues(state, outcome).Inc()
}

// RecordPuppetRun records a finished puppet run.
func RecordPuppetRun(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	PuppetRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordDriftEarlyStop records a drift ended for lack of a viable next video.
func RecordDriftEarlyStop() {
	DriftEarlyStopsTotal.Inc()
}

// SetPuppetSlant publishes a puppet's current slant.
func SetPuppetSlant(puppet string, slant float64) {
	PuppetSlant.WithLabelValues(puppet).Set(slant)
}

// ObserveStore records the latency of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordBlacklisted adds n blacklisted ids.
func RecordBlacklisted(n int) {
	BlacklistedTotal.Add(float64(n))
}

// RecordMetadataRequest records an API request outcome.
func RecordMetadataRequest(outcome string) {
	MetadataRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordKeyRotation records an API key rotation.
func RecordKeyRotation() {
	MetadataKeyRotationsTotal.Inc()
}

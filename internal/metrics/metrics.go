// Package metrics exposes Prometheus counters for the offline cache
// lifecycle (install, activate, refresh) and for intercepted requests.
// All metric names carry the precache_ prefix.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precache_requests_total",
			Help: "Intercepted requests by response source (cache, fallback, network, passthrough, error)",
		},
		[]string{"site", "source"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "precache_request_duration_seconds",
			Help:    "Time to produce the response for an intercepted request",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"site", "source"},
	)

	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precache_refresh_total",
			Help: "Background refresh outcomes (stored, skipped, failed)",
		},
		[]string{"site", "result"},
	)

	InstallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precache_install_total",
			Help: "Worker version install attempts by result (ok, failed, aborted)",
		},
		[]string{"site", "result"},
	)

	BucketDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precache_bucket_deletes_total",
			Help: "Stale bucket deletions during activation by result (ok, failed)",
		},
		[]string{"site", "result"},
	)

	ActiveVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "precache_active_version_info",
			Help: "Set to 1 for the version tag currently controlling a site",
		},
		[]string{"site", "version"},
	)
)

// Recorder feeds worker and proxy events into the package-level collectors.
// The zero value is ready to use.
type Recorder struct{}

// RequestServed counts one intercepted request and its latency.
func (Recorder) RequestServed(site, source string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(site, source).Inc()
	RequestDuration.WithLabelValues(site, source).Observe(elapsed.Seconds())
}

// RefreshSettled counts one finished background refresh.
func (Recorder) RefreshSettled(site, result string) {
	RefreshTotal.WithLabelValues(site, result).Inc()
}

// InstallFinished counts one install attempt.
func (Recorder) InstallFinished(site, result string) {
	InstallTotal.WithLabelValues(site, result).Inc()
}

// BucketDeleted counts one stale bucket deletion attempt.
func (Recorder) BucketDeleted(site, result string) {
	BucketDeletesTotal.WithLabelValues(site, result).Inc()
}

// VersionActivated moves the active-version gauge from previous to version.
func (Recorder) VersionActivated(site, previous, version string) {
	if previous != "" && previous != version {
		ActiveVersion.DeleteLabelValues(site, previous)
	}
	ActiveVersion.WithLabelValues(site, version).Set(1)
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics registers the Prometheus collectors of the availability
// index and exposes them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taxiavail_reports_total",
		Help: "Position reports applied, by reported status",
	}, []string{"status"})
	ReportFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taxiavail_report_failures_total",
		Help: "Position reports rejected or not applied, by reason",
	}, []string{"reason"})
	NearbyQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxiavail_nearby_queries_total",
		Help: "Total nearby-available queries",
	})
	NearbyDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxiavail_nearby_duration_ms",
		Help:    "Nearby-available query duration in milliseconds",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
	})
	NearbyDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxiavail_nearby_degraded_total",
		Help: "Nearby queries answered without availability data",
	})
	ReconcileRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taxiavail_reconcile_runs_total",
		Help: "Reconciliation passes, by outcome",
	}, []string{"outcome"})
	ReconcileAddedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxiavail_reconcile_added_total",
		Help: "Keys marked unavailable by reconciliation",
	})
	ReconcileRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxiavail_reconcile_removed_total",
		Help: "Stale unavailable markers removed by reconciliation",
	})
	ReconcileRebuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxiavail_reconcile_rebuilds_total",
		Help: "Availability sets dropped and rebuilt after a structure mismatch",
	})
	ReconcileDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxiavail_reconcile_duration_ms",
		Help:    "Reconciliation pass duration in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
)

func init() {
	prometheus.MustRegister(ReportsTotal)
	prometheus.MustRegister(ReportFailuresTotal)
	prometheus.MustRegister(NearbyQueriesTotal)
	prometheus.MustRegister(NearbyDurationMs)
	prometheus.MustRegister(NearbyDegradedTotal)
	prometheus.MustRegister(ReconcileRunsTotal)
	prometheus.MustRegister(ReconcileAddedTotal)
	prometheus.MustRegister(ReconcileRemovedTotal)
	prometheus.MustRegister(ReconcileRebuildsTotal)
	prometheus.MustRegister(ReconcileDurationMs)
}

// Handler serves the default registry on /metrics.
func Handler() http.Handler { return promhttp.Handler() }

// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal      *prometheus.CounterVec
	productsCommittedTotal *prometheus.CounterVec
	productsSkippedTotal   *prometheus.CounterVec
	egressQuarantinedTotal prometheus.Counter
	sheetAppendRetryTotal  prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkharvest_pages_fetched_total",
				Help: "Total pages fetched, labeled by engine and outcome.",
			},
			[]string{"engine", "outcome"},
		)

		productsCommittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkharvest_products_committed_total",
				Help: "Total products appended to the sheet, labeled by site.",
			},
			[]string{"site"},
		)

		productsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkharvest_products_skipped_total",
				Help: "Total products skipped after unrecoverable errors, labeled by site.",
			},
			[]string{"site"},
		)

		egressQuarantinedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "linkharvest_egress_quarantined_total",
				Help: "Total egresses quarantined after repeated 403 responses.",
			},
		)

		sheetAppendRetryTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "linkharvest_sheet_append_retries_total",
				Help: "Total sheet append attempts beyond the first.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePageFetch counts one page fetch.
func ObservePageFetch(engine, outcome string) {
	if pagesFetchedTotal != nil {
		pagesFetchedTotal.WithLabelValues(engine, outcome).Inc()
	}
}

// ObserveProductCommitted counts one committed product.
func ObserveProductCommitted(site string) {
	if productsCommittedTotal != nil {
		productsCommittedTotal.WithLabelValues(site).Inc()
	}
}

// ObserveProductSkipped counts one skipped product.
func ObserveProductSkipped(site string) {
	if productsSkippedTotal != nil {
		productsSkippedTotal.WithLabelValues(site).Inc()
	}
}

// ObserveEgressQuarantined counts one quarantined egress.
func ObserveEgressQuarantined() {
	if egressQuarantinedTotal != nil {
		egressQuarantinedTotal.Inc()
	}
}

// ObserveSheetAppendRetry counts one sheet append retry.
func ObserveSheetAppendRetry() {
	if sheetAppendRetryTotal != nil {
		sheetAppendRetryTotal.Inc()
	}
}

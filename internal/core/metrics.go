package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pendampingan",
		Name:      "runs_active",
		Help:      "Current number of runs holding a limiter slot.",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pendampingan",
		Name:      "runs_total",
		Help:      "Total number of finished runs by kind and phase.",
	}, []string{"kind", "phase"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pendampingan",
		Name:      "records_total",
		Help:      "Total number of processed source records by outcome.",
	}, []string{"outcome"})

	referencesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pendampingan",
		Name:      "references_created_total",
		Help:      "Total number of reference rows created by committed import windows.",
	}, []string{"entity"})

	ambiguousMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pendampingan",
		Name:      "ambiguous_matches_total",
		Help:      "Total number of lookups that returned more than one row.",
	}, []string{"entity"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pendampingan",
		Name:      "run_duration_seconds",
		Help:      "Duration of import and validation runs.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900, 1800},
	}, []string{"kind"})

	applyRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pendampingan",
		Name:      "apply_rows_total",
		Help:      "Total number of reconciliation apply row operations by action and result.",
	}, []string{"action", "result"})
)

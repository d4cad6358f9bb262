// Package metrics holds the Prometheus collectors shared by the build services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fwforge"

var (
	BuildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "builds_started_total",
		Help:      "Builds handed to a toolchain runner.",
	})

	BuildsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "builds_finished_total",
		Help:      "Builds that reached a terminal status.",
	}, []string{"status"})

	BuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "build_duration_seconds",
		Help:      "Wall time of a toolchain runner invocation.",
		Buckets:   []float64{5, 15, 30, 60, 120, 240, 480, 900},
	}, []string{"status"})

	BuildStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "build_stage_total",
		Help:      "Build status transitions by stage.",
	}, []string{"stage"})

	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_hits_total",
		Help:      "Build requests answered from an existing build row.",
	}, []string{"status"})

	CatalogSources = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_sources",
		Help:      "Buildable sources in the current catalog snapshot.",
	})

	CatalogRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "catalog_refresh_total",
		Help:      "Catalog refresh attempts by result.",
	}, []string{"result"})

	HousekeeperRetired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "housekeeper_retired_total",
		Help:      "Build rows removed by the housekeeper.",
	})
)

package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regwatch_cycles_total",
		Help: "Fetch cycles per source and outcome.",
	}, []string{"source", "status"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "regwatch_cycle_duration_seconds",
		Help:    "Wall time of one fetch cycle.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"source"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regwatch_decisions_total",
		Help: "Diff decisions per source.",
	}, []string{"source", "decision"})

	documentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regwatch_document_failures_total",
		Help: "Per-document fetch and extraction failures.",
	}, []string{"source", "kind"})
)

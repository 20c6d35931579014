package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedpoller",
			Name:      "fetch_total",
			Help:      "Feed fetch ticks by outcome",
		},
		[]string{"outcome"},
	)

	entriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedpoller",
			Name:      "entries_total",
			Help:      "Reconciled entries by action",
		},
		[]string{"action"},
	)

	archivedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedpoller",
			Name:      "archived_entries_total",
			Help:      "Entries archived by the archival sweeper",
		},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedpoller",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one feed tick from fetch to commit",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

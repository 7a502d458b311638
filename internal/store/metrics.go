package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidyscan_store_load_total",
		Help: "Store loads by result",
	}, []string{"result"}) // ok, missing, recovered, unstable, corrupt, error

	saveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tidyscan_store_save_duration_seconds",
		Help:    "Time to atomically write the store file",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status"})

	appendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidyscan_store_append_total",
		Help: "Records appended by assigned processing status",
	}, []string{"status"})

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tidyscan_store_lock_wait_seconds",
		Help:    "Time spent waiting for the store lock",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})

	backupsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidyscan_store_backups_pruned_total",
		Help: "Backups removed by the retention policy",
	})
)

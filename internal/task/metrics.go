package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidyscan_task_files_total",
		Help: "Files handled by scan tasks, by outcome",
	}, []string{"status"})

	tasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tidyscan_tasks_running",
		Help: "Number of scan tasks currently running",
	})

	tasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidyscan_tasks_finished_total",
		Help: "Scan tasks that reached a final state",
	}, []string{"state"})

	summarizeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tidyscan_summarize_duration_seconds",
		Help:    "Duration of summarizer calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

var (
	// TasksSubmitted counts task submissions. Labels: task
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "submitted_total",
		Help:      "Total tasks submitted",
	}, []string{"task"})

	// TasksProcessed counts task executions by outcome.
	// Labels: task, status (SUCCESS, RETRY, FAILURE)
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "processed_total",
		Help:      "Total task executions by outcome",
	}, []string{"task", "status"})

	// TaskDuration measures a single execution attempt. Labels: task
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "task_duration_seconds",
		Help:      "Task execution time in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"task"})

	// WorkerQueueDepth is the number of jobs buffered in the worker pool.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "worker_buffer_depth",
		Help:      "Jobs waiting in the worker pool buffer",
	})

	// Classifications counts classifier calls. Labels: label (normal, anomalous, error)
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "classifications_total",
		Help:      "Total classifications by label",
	}, []string{"label"})

	// ClassificationDuration measures classifier latency.
	ClassificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "duration_seconds",
		Help:      "Classifier latency in seconds",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// AnomaliesCreated counts anomaly reports. Labels: source (task, stream)
	AnomaliesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "anomalies_created_total",
		Help:      "Total anomaly reports created",
	}, []string{"source"})

	// AlertsSent counts delivered notifications. Labels: kind (pattern, critical)
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "alerts_sent_total",
		Help:      "Total alerts sent",
	}, []string{"kind"})

	// LogsIngested counts ingestion attempts.
	// Labels: outcome (accepted, invalid, forbidden, error)
	LogsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "logs_total",
		Help:      "Total log submissions by outcome",
	}, []string{"outcome"})

	// ReportsDeleted counts reports removed by retention.
	ReportsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "reports_deleted_total",
		Help:      "Total anomaly reports removed by retention",
	})
)

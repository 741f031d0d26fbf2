// Package metrics defines the Prometheus collectors of the watcher and worker microservices, served via promhttp
// when the "-m" flag is set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Watcher
	WatcherPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorwatch",
		Subsystem: "watcher",
		Name:      "polls_total",
		Help:      "Total Horizon payment polls",
	}, []string{"account"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorwatch",
		Subsystem: "watcher",
		Name:      "events_published_total",
		Help:      "Total ledger events published to the broker",
	}, []string{"account"})

	EventsBuffered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "anchorwatch",
		Subsystem: "watcher",
		Name:      "events_buffered",
		Help:      "Ledger events held in the bounded buffer while the broker is unreachable",
	}, []string{"account"})

	MalformedSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorwatch",
		Subsystem: "watcher",
		Name:      "malformed_skipped_total",
		Help:      "Total malformed ledger operations skipped",
	}, []string{"account"})

	// Worker
	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorwatch",
		Subsystem: "worker",
		Name:      "tasks_executed_total",
		Help:      "Total task executions by kind and outcome",
	}, []string{"kind", "outcome"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorwatch",
		Subsystem: "worker",
		Name:      "task_retries_total",
		Help:      "Total task retries",
	}, []string{"kind"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorwatch",
		Subsystem: "worker",
		Name:      "dead_letters_total",
		Help:      "Total tasks routed to the dead-letter store",
	}, []string{"kind"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "anchorwatch",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Task execution duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})

	// Scheduler
	SchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorwatch",
		Subsystem: "beat",
		Name:      "schedules_fired_total",
		Help:      "Total recurring schedule firings",
	}, []string{"name"})
)

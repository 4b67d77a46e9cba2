package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway-wide collectors, registered on the default registry and exposed
// through the ops /metrics endpoint.
var (
	MessagesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "azgw_messages_dispatched_total",
		Help: "Messages handed to a worker by the manager.",
	})

	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "azgw_messages_processed_total",
		Help: "Messages whose lease completed successfully.",
	})

	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "azgw_messages_failed_total",
		Help: "Messages whose lease ended in failure.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "azgw_queue_depth",
		Help: "Total queued messages across all phone numbers.",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "azgw_active_workers",
		Help: "Workers currently managed.",
	})

	LLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "azgw_llm_call_seconds",
		Help:    "Latency of LLM calls including internal retries.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	LLMRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "azgw_llm_rate_limited_total",
		Help: "Jobs terminated by the rate-limit recovery protocol.",
	})

	PersistenceDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "azgw_persistence_dropped_total",
		Help: "Async persistence tasks dropped after exhausting retries.",
	})
)

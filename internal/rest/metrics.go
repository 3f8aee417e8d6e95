package rest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var counterOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "datarest",
		Name:      "operations_total",
		Help:      "Line operations applied, by action and final status.",
	},
	[]string{"action", "status"},
)

var counterBulkBatches = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "datarest",
		Name:      "bulk_batches_total",
		Help:      "Batches flushed by bulk ingestion.",
	},
)

var counterLostUpdates = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "datarest",
		Name:      "sync_lost_updates_total",
		Help:      "Indexed rows left flagged because the line changed meanwhile.",
	},
)

func init() {
	prometheus.MustRegister(counterOperations)
	prometheus.MustRegister(counterBulkBatches)
	prometheus.MustRegister(counterLostUpdates)
}

func countOperations(ops []Operation) {
	for i := range ops {
		counterOperations.WithLabelValues(string(ops[i].Action), strconv.Itoa(ops[i].Status)).Inc()
	}
}

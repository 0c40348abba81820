package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spsync",
		Subsystem: "local_store",
		Name:      "operations_total",
		Help:      "Local Store operations, labeled by backend and operation.",
	}, []string{"backend", "operation"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spsync",
		Subsystem: "local_store",
		Name:      "operation_duration_seconds",
		Help:      "Local Store operation wall-clock duration, labeled by backend and operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spsync",
		Subsystem: "local_store",
		Name:      "errors_total",
		Help:      "Local Store operation errors, labeled by backend, operation, and classified error type.",
	}, []string{"backend", "operation", "error_type"})
)

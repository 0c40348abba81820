package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pullItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spsync",
		Subsystem: "sync_engine",
		Name:      "pull_items_total",
		Help:      "Total mirror rows upserted by SyncDown, labeled by entity.",
	}, []string{"entity"})

	pullDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spsync",
		Subsystem: "sync_engine",
		Name:      "pull_duration_seconds",
		Help:      "SyncDown wall-clock duration per entity.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"entity"})

	pushAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spsync",
		Subsystem: "sync_engine",
		Name:      "push_applied_total",
		Help:      "Outbox rows successfully applied, labeled by entity.",
	}, []string{"entity"})

	pushConflictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spsync",
		Subsystem: "sync_engine",
		Name:      "push_conflict_total",
		Help:      "Outbox rows resolved as a conflict, labeled by entity and policy.",
	}, []string{"entity", "policy"})

	pushFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spsync",
		Subsystem: "sync_engine",
		Name:      "push_failed_total",
		Help:      "Outbox rows that failed transiently and remain Pending, labeled by entity.",
	}, []string{"entity"})

	pushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spsync",
		Subsystem: "sync_engine",
		Name:      "push_duration_seconds",
		Help:      "SyncUp wall-clock duration per entity.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"entity"})

	outboxDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spsync",
		Subsystem: "sync_engine",
		Name:      "outbox_depth",
		Help:      "Outbox rows by status, sampled before/after each drain.",
	}, []string{"status"})
)

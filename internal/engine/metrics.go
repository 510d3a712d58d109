package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var MergeCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketsync",
	Subsystem: "engine",
	Name:      "merges",
}, []string{"collection", "kind", "result"})

var MergeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "marketsync",
	Subsystem: "engine",
	Name:      "merge_duration_seconds",
	Buckets:   prometheus.DefBuckets,
}, []string{"collection", "kind"})

var MergedEntities = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketsync",
	Subsystem: "engine",
	Name:      "merged_entities",
}, []string{"collection", "outcome"})

var MutationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketsync",
	Subsystem: "engine",
	Name:      "mutations",
}, []string{"collection", "op", "result"})

var RollbackCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketsync",
	Subsystem: "engine",
	Name:      "rollbacks",
}, []string{"collection", "op"})

var HydrationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketsync",
	Subsystem: "engine",
	Name:      "hydrations",
}, []string{"collection", "result"})

var SnapshotCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketsync",
	Subsystem: "engine",
	Name:      "snapshots",
}, []string{"collection", "op", "result"})

var CachedEntities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "marketsync",
	Subsystem: "engine",
	Name:      "cached_entities",
}, []string{"collection"})

// Collectors returns every engine metric.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		MergeCount,
		MergeDuration,
		MergedEntities,
		MutationCount,
		RollbackCount,
		HydrationCount,
		SnapshotCount,
		CachedEntities,
	}
}

// RegisterMetrics registers the engine metrics with reg. Registering twice
// with the same registry is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

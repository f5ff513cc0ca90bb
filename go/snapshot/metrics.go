package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "switchboard_snapshot_builds_total",
	Help: "Total number of snapshot builds, by serving tier.",
}, []string{"tier"})

var rebuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "switchboard_snapshot_rebuild_seconds",
	Help:    "Wall-clock duration of full snapshot rebuilds.",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
})

var fallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "switchboard_snapshot_template_fallbacks_total",
	Help: "Total number of builds served by the built-in template after a config fetch failure.",
})

var discardedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "switchboard_snapshot_discarded_total",
	Help: "Total number of persisted snapshots discarded by verification.",
})

var gcDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "switchboard_bundle_gc_deleted_total",
	Help: "Total number of orphaned bundles deleted by gc sweeps.",
})

package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "switchboard_sandbox_runs_total",
	Help: "Total number of sandbox runs, by outcome.",
}, []string{"outcome"})

var runSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "switchboard_sandbox_run_seconds",
	Help:    "Wall-clock duration of sandbox runs.",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

func observeRun(out Result) {
	var outcome = "ok"
	if !out.OK {
		outcome = "error"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	runSeconds.Observe(out.Elapsed.Seconds())
}

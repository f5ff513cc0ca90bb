package approval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "switchboard_approvals_enqueued_total",
	Help: "Total number of writes enqueued for approval.",
})

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "switchboard_approval_decisions_total",
	Help: "Total number of approval decisions, by resulting status.",
}, []string{"status"})

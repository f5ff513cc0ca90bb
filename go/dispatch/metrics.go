package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "switchboard_dispatches_total",
	Help: "Dispatched events by event type and outcome.",
}, []string{"type", "outcome"})

var directivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "switchboard_state_directives_total",
	Help: "State directives applied from service responses, by operation.",
}, []string{"op"})

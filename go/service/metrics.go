package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "switchboard_admin_sessions",
	Help: "Connected admin notification websocket sessions.",
})

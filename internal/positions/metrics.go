package positions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breachesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "positions",
		Name:      "risk_breaches_total",
		Help:      "Count of position risk-limit breaches by kind.",
	}, []string{"kind"})

	netExposureGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "positions",
		Name:      "net_exposure",
		Help:      "Net exposure across all held positions, as a float64 approximation.",
	})
)

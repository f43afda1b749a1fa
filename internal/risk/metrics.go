package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ruleTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "risk",
		Name:      "rule_triggers_total",
		Help:      "Count of risk rule triggers by rule id and level.",
	}, []string{"rule_id", "level"})

	orderRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "risk",
		Name:      "order_rejections_total",
		Help:      "Count of orders rejected by the risk manager, by rule id.",
	}, []string{"rule_id"})

	emergencyLatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "risk",
		Name:      "emergency_latch_total",
		Help:      "Count of times the risk manager entered emergency state.",
	})
)

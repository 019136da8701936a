package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klinelake",
		Subsystem: "fetch",
		Name:      "batches_total",
		Help:      "Fetch batches dispatched.",
	})
	metricAdmissionSleeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klinelake",
		Subsystem: "fetch",
		Name:      "admission_sleeps_total",
		Help:      "Batches delayed to the next minute by the weight budget.",
	})
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klinelake",
		Subsystem: "fetch",
		Name:      "calls_total",
		Help:      "Fetch calls by operation and outcome.",
	}, []string{"op", "kind"})
	metricUsedWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "klinelake",
		Subsystem: "fetch",
		Name:      "used_weight",
		Help:      "Weight used in the current minute as reported by the source.",
	}, []string{"trade_type"})
)

package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klinelake",
		Subsystem: "stream",
		Name:      "dials_total",
		Help:      "Websocket handshakes attempted.",
	})
	metricConnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klinelake",
		Subsystem: "stream",
		Name:      "connects_total",
		Help:      "Websocket handshakes that succeeded.",
	})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klinelake",
		Subsystem: "stream",
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect attempts after a failed handshake or a disconnect.",
	})
	metricFatal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klinelake",
		Subsystem: "stream",
		Name:      "fatal_total",
		Help:      "Clients that gave up, by reason.",
	}, []string{"reason"})
	metricCandles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klinelake",
		Subsystem: "stream",
		Name:      "candles_total",
		Help:      "Closed candles enqueued.",
	})
	metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "klinelake",
		Subsystem: "stream",
		Name:      "state",
		Help:      "Client state per shard (0 initializing, 1 streaming, 2 reconnecting, 3 exiting).",
	}, []string{"shard"})
)

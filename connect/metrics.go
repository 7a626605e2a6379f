package connect

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/getsidetrack/pioneer/protocol"
)

var (
	registerOnce sync.Once

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pioneer",
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Connections registered with the probe.",
		},
	)
	operationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pioneer",
			Subsystem: "websocket",
			Name:      "operations_active",
			Help:      "Operations currently running across all connections.",
		},
	)
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pioneer",
			Subsystem: "websocket",
			Name:      "operations_total",
			Help:      "Operations started, by kind.",
		},
		[]string{"kind"},
	)
	intentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pioneer",
			Subsystem: "websocket",
			Name:      "intents_total",
			Help:      "Inbound messages, by protocol and classified intent.",
		},
		[]string{"protocol", "intent"},
	)
	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pioneer",
			Subsystem: "websocket",
			Name:      "closes_total",
			Help:      "Connections closed by the server, by close code.",
		},
		[]string{"code"},
	)
)

// RegisterMetrics registers the collectors with the default prometheus registry. Safe to call many times.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectionsActive, operationsActive, operationsTotal, intentsTotal, closesTotal)
	})
}

func recordIntent(subProtocol *protocol.SubProtocol, intentType protocol.IntentType) {
	intentsTotal.WithLabelValues(subProtocol.Name, intentType.String()).Inc()
}

func recordClose(code int) {
	closesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

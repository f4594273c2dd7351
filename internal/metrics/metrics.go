// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat"

var (
	StoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Store writes by backend and kind.",
	}, []string{"backend", "op"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Failed store writes by backend and kind.",
	}, []string{"backend", "op"})

	StoreSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "subscriptions_active",
		Help:      "Live subtree subscriptions.",
	}, []string{"backend"})

	StoreDisconnectOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "disconnect_ops_total",
		Help:      "Disconnect-triggered writes fired, by who fired them.",
	}, []string{"backend", "source"})

	GatewayClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "clients",
		Help:      "Connected websocket clients.",
	})

	GatewayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "frames_total",
		Help:      "Websocket frames by direction and type.",
	}, []string{"direction", "type"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "created_total",
		Help:      "Notifications written, by type.",
	}, []string{"type"})
)

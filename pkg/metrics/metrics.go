package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReconnectAttempts counts transport reconnect attempts by result
var ReconnectAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesync_reconnect_attempts_total",
		Help: "Total reconnect attempts made by the transport",
	},
	[]string{"result"},
)

// MessagesReceived counts inbound wire messages by type
var MessagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesync_messages_received_total",
		Help: "Total inbound messages decoded by the transport",
	},
	[]string{"type"},
)

// MessagesDropped counts inbound messages dropped at the boundary
var MessagesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesync_messages_dropped_total",
		Help: "Total inbound messages rejected as unknown or malformed",
	},
	[]string{"reason"},
)

// OutboundQueueDepth tracks messages waiting for a live connection
var OutboundQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tradesync_outbound_queue_depth",
		Help: "Messages queued while the transport is not connected",
	},
)

// SettlementsProcessed counts settled trades by kind and outcome
var SettlementsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesync_settlements_total",
		Help: "Total trades settled by the engine",
	},
	[]string{"kind", "outcome"},
)

// LedgerMutations counts ledger mutations by bucket and result
var LedgerMutations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesync_ledger_mutations_total",
		Help: "Total ledger mutations by bucket and result",
	},
	[]string{"bucket", "result"},
)

// AdminOverrides counts admin override attempts by result
var AdminOverrides = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesync_admin_overrides_total",
		Help: "Total admin override attempts",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(ReconnectAttempts, MessagesReceived, MessagesDropped, OutboundQueueDepth)
	prometheus.MustRegister(SettlementsProcessed, LedgerMutations, AdminOverrides)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MatchCycles counts coordinator ticks by outcome (matched, empty, lock_skipped, error)
var MatchCycles = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "veloxdex_match_cycles_total",
		Help: "Total number of matching cycles run by the coordinator",
	},
	[]string{"outcome"},
)

// MatchGroups counts produced match groups by trigger (cycle, event)
var MatchGroups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "veloxdex_match_groups_total",
		Help: "Total number of match groups handed to settlement",
	},
	[]string{"trigger"},
)

// MatchLatency records latency distribution for one contract's matching pass
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "veloxdex_match_pass_latency_seconds",
		Help:    "Latency in seconds of a single contract matching pass",
		Buckets: prometheus.DefBuckets,
	},
)

// SettlementFailures counts failed settlement submissions
var SettlementFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "veloxdex_settlement_failures_total",
		Help: "Total number of failed settlement submissions",
	},
)

// Broadcast delivery metrics
var (
	BroadcastsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veloxdex_broadcasts_sent_total",
			Help: "Total number of broadcast envelopes delivered to rooms",
		},
		[]string{"event"},
	)

	BroadcastsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veloxdex_broadcasts_dropped_total",
			Help: "Total number of broadcast envelopes dropped by the rate limiter",
		},
		[]string{"event"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veloxdex_ws_connections",
			Help: "Number of currently connected WebSocket clients",
		},
	)
)

// ReconcilerRetries counts reconciler receipt lookups that had to be rescheduled
var ReconcilerRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "veloxdex_reconciler_retries_total",
		Help: "Total number of reconciler retries by reason (pending, missing_log)",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(MatchCycles, MatchGroups, MatchLatency, SettlementFailures)
	prometheus.MustRegister(BroadcastsSent, BroadcastsDropped, WSConnections)
	prometheus.MustRegister(ReconcilerRetries)
}

// Package metrics exposes the executor's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_entries_opened_total",
			Help: "Positions opened, by strategy.",
		},
		[]string{"strategy"},
	)

	EntriesBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_entries_blocked_total",
			Help: "Entry candidates blocked before reaching the broker, by gate.",
		},
		[]string{"strategy", "gate"},
	)

	ExitsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_exits_total",
			Help: "Full and partial closes, by strategy and reason.",
		},
		[]string{"strategy", "reason"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_open_positions",
			Help: "Open positions across all runtimes.",
		},
	)

	ActiveRuntimes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_active_runtimes",
			Help: "Strategy runtimes in the running or paused state.",
		},
	)

	EquityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_equity",
			Help: "Current account equity.",
		},
	)

	BrokerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_broker_calls_total",
			Help: "Broker calls, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	BrokerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "executor_broker_call_seconds",
			Help:    "Broker call latency, by operation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"op"},
	)

	PlatformEventsBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_platform_events_buffered",
			Help: "Trade events waiting in the outbound retry buffer.",
		},
	)

	CommandsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_commands_total",
			Help: "Platform commands processed, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		EntriesOpened,
		EntriesBlocked,
		ExitsClosed,
		OpenPositions,
		ActiveRuntimes,
		EquityGauge,
		BrokerCalls,
		BrokerCallDuration,
		PlatformEventsBuffered,
		CommandsHandled,
	)
}

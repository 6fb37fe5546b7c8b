package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LicensesByStatus tracks the number of licence records in each status.
	LicensesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "appgrant",
		Subsystem: "license",
		Name:      "records_by_status",
		Help:      "Number of licence records by status.",
	}, []string{"status"})

	// TransitionsTotal counts committed licence state transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appgrant",
		Subsystem: "license",
		Name:      "transitions_total",
		Help:      "Total licence state transitions by source and target status.",
	}, []string{"from", "to"})

	// InvalidCycleTotal counts purchases whose billing cycle was replaced by the default.
	InvalidCycleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "appgrant",
		Subsystem: "license",
		Name:      "invalid_cycle_total",
		Help:      "Total purchases recorded with the default cycle after an invalid one was supplied.",
	})

	// RevokeCallsTotal counts outbound revocation calls by outcome.
	RevokeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appgrant",
		Subsystem: "revoke",
		Name:      "calls_total",
		Help:      "Total outbound revocation calls by outcome.",
	}, []string{"outcome"})

	// SweepDuration tracks how long one expiry sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "appgrant",
		Subsystem: "sweep",
		Name:      "duration_seconds",
		Help:      "Expiry sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// SweepRecordErrors counts records skipped by a sweep because of an error.
	SweepRecordErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appgrant",
		Subsystem: "sweep",
		Name:      "record_errors_total",
		Help:      "Records skipped during a sweep by error type.",
	}, []string{"type"})

	// WhitelistDecisions counts entitlement checks answered by the whitelist.
	WhitelistDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appgrant",
		Subsystem: "whitelist",
		Name:      "decisions_total",
		Help:      "Whitelist entitlement decisions by matching tier (none when denied).",
	}, []string{"tier"})

	// OrdersProcessed counts completed-order webhooks by outcome.
	OrdersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appgrant",
		Subsystem: "orders",
		Name:      "processed_total",
		Help:      "Completed orders handled by outcome.",
	}, []string{"outcome"})

	// NoticesSent counts customer notices by kind and result.
	NoticesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appgrant",
		Subsystem: "notify",
		Name:      "notices_total",
		Help:      "Customer notices by kind and result.",
	}, []string{"kind", "result"})
)

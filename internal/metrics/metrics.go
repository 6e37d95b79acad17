package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Trigger outcomes.
const (
	OutcomeHandled = "handled"
	OutcomeNoop    = "noop"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
	OutcomeRetried = "retried"
)

// Suppression reasons.
const (
	ReasonRecentAlert = "recent_alert"
	ReasonClaimHeld   = "claim_held"
)

var (
	TriggerInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busalert_trigger_invocations_total",
		Help: "Location change deliveries by trigger source and outcome",
	}, []string{"source", "outcome"})

	RuleViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busalert_rule_violations_total",
		Help: "Rule evaluations that detected a violation",
	}, []string{"alert_type"})

	AlertsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busalert_alerts_written_total",
		Help: "Alert records persisted",
	}, []string{"alert_type"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busalert_alerts_suppressed_total",
		Help: "Violations not written because an alert already covers them",
	}, []string{"alert_type", "reason"})

	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busalert_notify_failures_total",
		Help: "Alert publications that failed, by sink",
	}, []string{"sink"})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "busalert_store_operation_seconds",
		Help:    "Alert store operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation"})
)

// ObserveStore records the latency of a store call started at start.
func ObserveStore(backend, operation string, start time.Time) {
	StoreLatency.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}

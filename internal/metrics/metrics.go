// Package metrics exposes Prometheus collectors for session actions and
// email delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

var (
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseid_actions_total",
			Help: "Session actions by outcome",
		},
		[]string{"action", "outcome"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulseid_action_duration_seconds",
			Help:    "Session action duration in seconds, including agent calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"action"},
	)

	EmailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulseid_emails_sent_total",
		Help: "Emails accepted by the SMTP relay",
	})

	SentLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulseid_sent_log_failures_total",
		Help: "Sent emails that could not be written to the sent log",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulseid_sessions_active",
		Help: "Live sessions held in memory",
	})
)

// ObserveAction records one finished action.
func ObserveAction(action, outcome string, d time.Duration) {
	ActionsTotal.WithLabelValues(action, outcome).Inc()
	ActionDuration.WithLabelValues(action).Observe(d.Seconds())
}

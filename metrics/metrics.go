// Package metrics exposes Prometheus instruments for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildhall_ledger_operations_total",
		Help: "Total number of ledger operations by entry type and outcome",
	}, []string{"type", "status"})

	invariantViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildhall_invariant_violations_total",
		Help: "Internal invariant violations by component",
	}, []string{"component"})

	disputeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildhall_dispute_transitions_total",
		Help: "Dispute state transitions by target status",
	}, []string{"status"})

	tribunalVotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildhall_tribunal_votes_total",
		Help: "Tribunal votes cast by ruling",
	}, []string{"vote"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildhall_settlements_total",
		Help: "Dispute settlements by ruling and outcome",
	}, []string{"ruling", "status"})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guildhall_settlement_duration_seconds",
		Help:    "Duration of settlement transactions",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	trustRecomputationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildhall_trust_recomputations_total",
		Help: "Trust recomputations by rank transition",
	}, []string{"transition"})

	decaySweepAccounts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guildhall_decay_accounts_total",
		Help: "Accounts whose trust decayed during sweeps",
	})

	decaySweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guildhall_decay_sweep_duration_seconds",
		Help:    "Duration of trust decay sweeps",
		Buckets: prometheus.DefBuckets,
	})

	notificationsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guildhall_notifications_purged_total",
		Help: "Expired notifications removed",
	})

	advisorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildhall_advisor_requests_total",
		Help: "AI advisory requests by outcome",
	}, []string{"status"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildhall_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guildhall_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "rejected"
}

// RecordLedgerOperation counts a ledger operation.
func RecordLedgerOperation(entryType string, ok bool) {
	ledgerOperationsTotal.WithLabelValues(entryType, status(ok)).Inc()
}

// RecordInvariantViolation counts an internal bug surfaced by component.
func RecordInvariantViolation(component string) {
	invariantViolationsTotal.WithLabelValues(component).Inc()
}

// RecordDisputeTransition counts a dispute entering status.
func RecordDisputeTransition(status string) {
	disputeTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordVote counts a tribunal vote.
func RecordVote(vote string) {
	tribunalVotesTotal.WithLabelValues(vote).Inc()
}

// RecordSettlement counts a settlement attempt and observes its duration.
func RecordSettlement(ruling string, ok bool, seconds float64) {
	settlementsTotal.WithLabelValues(ruling, status(ok)).Inc()
	settlementDuration.Observe(seconds)
}

// RecordTrustRecompute counts a recomputation by its rank transition.
func RecordTrustRecompute(transition string) {
	trustRecomputationsTotal.WithLabelValues(transition).Inc()
}

// RecordDecaySweep observes a completed decay sweep.
func RecordDecaySweep(decayed int, seconds float64) {
	decaySweepAccounts.Add(float64(decayed))
	decaySweepDuration.Observe(seconds)
}

// RecordNotificationsPurged counts expired notifications removed.
func RecordNotificationsPurged(n int64) {
	notificationsPurged.Add(float64(n))
}

// RecordAdvisorRequest counts a call to the AI advisor.
func RecordAdvisorRequest(ok bool) {
	advisorRequestsTotal.WithLabelValues(status(ok)).Inc()
}

// RecordHTTPRequest counts and times an HTTP request.
func RecordHTTPRequest(method, route, code string, seconds float64) {
	httpRequestsTotal.WithLabelValues(method, route, code).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

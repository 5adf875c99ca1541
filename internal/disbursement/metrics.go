package disbursement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/rewards/internal/domain"
)

var (
	outcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "disbursement",
		Name:      "outcomes_total",
		Help:      "Submissions resolved, labeled by outcome kind.",
	}, []string{"kind"})

	submitErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "disbursement",
		Name:      "submit_errors_total",
		Help:      "Submissions rejected with an error, labeled by reason.",
	}, []string{"reason"})

	transferCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "disbursement",
		Name:      "transfer_attempts_total",
		Help:      "Token transfer attempts, labeled by result.",
	}, []string{"result"})

	submitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rewards",
		Subsystem: "disbursement",
		Name:      "submit_duration_seconds",
		Help:      "Time from submission to a definitive outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	reconcileCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "reconciler",
		Name:      "entries_total",
		Help:      "Pending entries re-driven by the reconciler, labeled by outcome kind.",
	}, []string{"kind"})

	repairDriftCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "reconciler",
		Name:      "repair_drift_total",
		Help:      "User balances that differed from their ledger history during repair.",
	})
)

func init() {
	prometheus.MustRegister(outcomeCounter, submitErrorCounter, transferCounter, submitDuration, reconcileCounter, repairDriftCounter)
}

func recordSubmit(outcome domain.Outcome, err error, elapsed time.Duration) {
	submitDuration.Observe(elapsed.Seconds())
	if err != nil {
		submitErrorCounter.WithLabelValues(errorReason(err)).Inc()
		return
	}
	outcomeCounter.WithLabelValues(string(outcome.Kind)).Inc()
}

func recordTransfer(err error) {
	switch {
	case err == nil:
		transferCounter.WithLabelValues("success").Inc()
	case domain.IsRejected(err):
		transferCounter.WithLabelValues("rejected").Inc()
	default:
		transferCounter.WithLabelValues("ambiguous").Inc()
	}
}

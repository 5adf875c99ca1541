package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DLQ actions recorded by the manager.
const (
	dlqRequeued       = "requeued"
	dlqRetryScheduled = "retry_scheduled"
	dlqQuarantined    = "quarantined"
)

var (
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Reward events leaving the outbox, by topic and result (delivered or dead_lettered).",
	}, []string{"topic", "result"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rewards",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, publishing and finishing an outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqActionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "dlq",
		Name:      "actions_total",
		Help:      "DLQ manager decisions per entry, by event type and action.",
	}, []string{"event_type", "action"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rewards",
		Subsystem: "dlq",
		Name:      "backlog",
		Help:      "Entries waiting in the DLQ, excluding quarantined ones.",
	})
)

func init() {
	prometheus.MustRegister(eventsCounter, batchDuration, dlqActionCounter, dlqBacklogGauge)
}

func recordDelivered(topic string, n int) {
	eventsCounter.WithLabelValues(topic, "delivered").Add(float64(n))
}

func recordDeadLettered(topic string) {
	eventsCounter.WithLabelValues(topic, "dead_lettered").Inc()
}

func recordDLQAction(entry dlqEntry, action string) {
	dlqActionCounter.WithLabelValues(entry.EventType, action).Inc()
}

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklogGauge.Set(float64(count))
}

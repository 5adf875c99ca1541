// Package observability exposes service-wide watermark gauges.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	entryReservedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rewards",
		Subsystem: "ledger",
		Name:      "last_entry_reserved_timestamp_seconds",
		Help:      "Unix timestamp of the most recent ledger entry reserved.",
	})
	entrySettledGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rewards",
		Subsystem: "ledger",
		Name:      "last_entry_settled_timestamp_seconds",
		Help:      "Unix timestamp of the most recent ledger entry settled.",
	})
	oldestPendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rewards",
		Subsystem: "ledger",
		Name:      "oldest_pending_age_seconds",
		Help:      "Age of the oldest pending entry seen by the last reconciliation pass.",
	})
)

func init() {
	prometheus.MustRegister(entryReservedGauge, entrySettledGauge, oldestPendingGauge)
}

// RecordEntryReserved updates the reservation watermark.
func RecordEntryReserved(ts time.Time) {
	if ts.IsZero() {
		return
	}
	entryReservedGauge.Set(float64(ts.Unix()))
}

// RecordEntrySettled updates the settlement watermark.
func RecordEntrySettled(ts time.Time) {
	if ts.IsZero() {
		return
	}
	entrySettledGauge.Set(float64(ts.Unix()))
}

// RecordOldestPending reports the age of the oldest pending entry, or zero.
func RecordOldestPending(age time.Duration) {
	if age < 0 {
		age = 0
	}
	oldestPendingGauge.Set(age.Seconds())
}

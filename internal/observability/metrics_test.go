package observability

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestWatermarksIgnoreZeroTime(t *testing.T) {
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	RecordEntrySettled(ts)
	RecordEntrySettled(time.Time{})
	require.Equal(t, float64(ts.Unix()), gaugeValue(t, entrySettledGauge))

	RecordEntryReserved(ts)
	require.Equal(t, float64(ts.Unix()), gaugeValue(t, entryReservedGauge))
}

func TestOldestPendingClampsNegative(t *testing.T) {
	RecordOldestPending(-time.Second)
	require.Zero(t, gaugeValue(t, oldestPendingGauge))

	RecordOldestPending(90 * time.Second)
	require.Equal(t, 90.0, gaugeValue(t, oldestPendingGauge))
}

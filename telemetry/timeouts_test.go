package telemetry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTimeoutMetricsRecord(t *testing.T) {
	meterA := uuid.New()
	meterB := uuid.New()
	metrics := NewTimeoutMetrics()

	first := time.Now().Add(-time.Minute)
	second := time.Now()

	metrics.Record(TimeoutEvent{MeterID: meterA, Time: first, RecoveryTime: 100 * time.Millisecond})
	metrics.Record(TimeoutEvent{MeterID: meterA, Time: second, RecoveryTime: 300 * time.Millisecond})
	metrics.Record(TimeoutEvent{MeterID: meterB, Time: first, RecoveryTime: 200 * time.Millisecond})

	assert.Equal(t, 3, metrics.TotalTimeouts)
	assert.Equal(t, 2, metrics.TimeoutsByMeter[meterA])
	assert.Equal(t, 1, metrics.TimeoutsByMeter[meterB])
	assert.Equal(t, 200*time.Millisecond, metrics.AverageRecoveryTime)
	assert.Equal(t, second, metrics.LastTimeout, "last timeout is the newest event time, not the last recorded")
	assert.Len(t, metrics.Events, 3)
}

func TestTimeoutMetricsMerge(t *testing.T) {
	meterA := uuid.New()

	cumulative := NewTimeoutMetrics()
	cumulative.Record(TimeoutEvent{MeterID: meterA, Time: time.Now().Add(-time.Hour), RecoveryTime: 100 * time.Millisecond})

	cycle := NewTimeoutMetrics()
	cycle.Record(TimeoutEvent{MeterID: meterA, Time: time.Now(), RecoveryTime: 400 * time.Millisecond})
	cycle.Record(TimeoutEvent{MeterID: meterA, Time: time.Now(), RecoveryTime: 400 * time.Millisecond})

	cumulative.Merge(cycle)

	assert.Equal(t, 3, cumulative.TotalTimeouts)
	assert.Equal(t, 3, cumulative.TimeoutsByMeter[meterA])
	assert.Equal(t, 300*time.Millisecond, cumulative.AverageRecoveryTime, "average is weighted by event count")
	assert.Len(t, cumulative.Events, 3)
}

func TestTimeoutMetricsMergeEmptyIsNoOp(t *testing.T) {
	meterA := uuid.New()
	cumulative := NewTimeoutMetrics()
	cumulative.Record(TimeoutEvent{MeterID: meterA, Time: time.Now(), RecoveryTime: 100 * time.Millisecond})

	cumulative.Merge(NewTimeoutMetrics())

	assert.Equal(t, 1, cumulative.TotalTimeouts)
	assert.Equal(t, 100*time.Millisecond, cumulative.AverageRecoveryTime)
}

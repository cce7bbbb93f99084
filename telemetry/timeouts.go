package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// RecoveryMethod names the path taken after a device read timed out.
type RecoveryMethod string

const (
	RecoveryReducedBatch RecoveryMethod = "reduced_batch" // retried with a smaller batch size
	RecoverySequential   RecoveryMethod = "sequential"    // fell back to one-register-at-a-time reads
	RecoveryOffline      RecoveryMethod = "offline"       // device treated as unreachable, no reads attempted
)

// TimeoutEvent records a single timeout incident on a meter. One event is
// emitted per incident and accumulated into TimeoutMetrics.
type TimeoutEvent struct {
	MeterID       uuid.UUID
	Time          time.Time
	RegisterCount int            // how many registers the failed request asked for
	BatchSize     int            // the adaptive batch size at the time of the timeout
	Timeout       time.Duration  // the deadline that expired
	Recovery      RecoveryMethod // how the cycle recovered (or didn't)
	RecoveryTime  time.Duration  // how long the recovery path took
	Succeeded     bool           // whether the recovery path produced readings
}

// TimeoutMetrics aggregates timeout events. The cycle manager builds one per
// cycle; the agent folds cycle metrics into a cumulative instance that is
// never reset.
type TimeoutMetrics struct {
	TotalTimeouts       int
	TimeoutsByMeter     map[uuid.UUID]int
	AverageRecoveryTime time.Duration
	LastTimeout         time.Time
	Events              []TimeoutEvent
}

// NewTimeoutMetrics returns an empty, ready-to-use metrics accumulator.
func NewTimeoutMetrics() TimeoutMetrics {
	return TimeoutMetrics{
		TimeoutsByMeter: make(map[uuid.UUID]int),
	}
}

// Record folds a single timeout event into the metrics.
func (m *TimeoutMetrics) Record(event TimeoutEvent) {
	if m.TimeoutsByMeter == nil {
		m.TimeoutsByMeter = make(map[uuid.UUID]int)
	}

	// running average over all events seen so far
	total := m.AverageRecoveryTime*time.Duration(m.TotalTimeouts) + event.RecoveryTime
	m.TotalTimeouts++
	m.AverageRecoveryTime = total / time.Duration(m.TotalTimeouts)

	m.TimeoutsByMeter[event.MeterID]++
	if event.Time.After(m.LastTimeout) {
		m.LastTimeout = event.Time
	}
	m.Events = append(m.Events, event)
}

// Merge folds the `other` metrics into this one, weighting the average
// recovery time by the number of events on each side.
func (m *TimeoutMetrics) Merge(other TimeoutMetrics) {
	if other.TotalTimeouts == 0 {
		return
	}
	if m.TimeoutsByMeter == nil {
		m.TimeoutsByMeter = make(map[uuid.UUID]int)
	}

	total := m.AverageRecoveryTime*time.Duration(m.TotalTimeouts) +
		other.AverageRecoveryTime*time.Duration(other.TotalTimeouts)
	m.TotalTimeouts += other.TotalTimeouts
	m.AverageRecoveryTime = total / time.Duration(m.TotalTimeouts)

	for meterID, count := range other.TimeoutsByMeter {
		m.TimeoutsByMeter[meterID] += count
	}
	if other.LastTimeout.After(m.LastTimeout) {
		m.LastTimeout = other.LastTimeout
	}
	m.Events = append(m.Events, other.Events...)
}

// OfflineMeterStatus tracks a meter that is believed to be offline. It is a
// transient view owned by the agent: created on the first connectivity
// failure, incremented on repeats, and removed as soon as the meter is seen
// healthy again.
type OfflineMeterStatus struct {
	MeterID             uuid.UUID
	FirstOffline        time.Time
	LastChecked         time.Time
	ConsecutiveFailures int
}

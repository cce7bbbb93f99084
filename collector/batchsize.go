package collector

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// BatchSizeConfig tunes the adaptive batch sizing.
type BatchSizeConfig struct {
	// InitialSize is the batch size a meter starts with. Zero means "all of
	// the device's registers in one request".
	InitialSize int

	// MinSize is the floor the batch size is clamped to. At the floor the
	// cycle falls back to sequential reads. Defaults to 1.
	MinSize int

	// ReductionFactor is applied to the batch size on every timeout.
	// Defaults to 0.5.
	ReductionFactor float64
}

func (c BatchSizeConfig) withDefaults() BatchSizeConfig {
	if c.MinSize < 1 {
		c.MinSize = 1
	}
	if c.ReductionFactor <= 0 || c.ReductionFactor >= 1 {
		c.ReductionFactor = 0.5
	}
	return c
}

// MeterBatchState is the adaptive read state for one meter. It lives for the
// lifetime of the process and is never persisted.
type MeterBatchState struct {
	MeterID              uuid.UUID
	CurrentSize          int
	LastSuccessfulSize   int
	ConsecutiveTimeouts  int
	ConsecutiveSuccesses int
	LastUpdated          time.Time
}

// BatchSizeManager maintains, per meter, the largest batch size that has not
// recently timed out. Sizes only ever shrink: growing the batch back up after
// sustained success is an explicit extension point, with the last successful
// size remembered for it.
//
// The manager is not safe for concurrent use; the agent guarantees that only
// the single running cycle touches it.
type BatchSizeManager struct {
	config BatchSizeConfig
	states map[uuid.UUID]*MeterBatchState
}

func NewBatchSizeManager(config BatchSizeConfig) *BatchSizeManager {
	return &BatchSizeManager{
		config: config.withDefaults(),
		states: make(map[uuid.UUID]*MeterBatchState),
	}
}

// GetBatchSize returns the batch size to use for the meter's next read,
// lazily initialising state for meters seen for the first time.
func (m *BatchSizeManager) GetBatchSize(meterID uuid.UUID, totalRegisters int) int {
	state, ok := m.states[meterID]
	if !ok {
		size := m.config.InitialSize
		if size <= 0 {
			size = totalRegisters
		}
		state = &MeterBatchState{
			MeterID:     meterID,
			CurrentSize: m.clamp(size),
			LastUpdated: time.Now(),
		}
		m.states[meterID] = state
	}

	size := state.CurrentSize
	if totalRegisters > 0 && size > totalRegisters {
		size = totalRegisters
	}
	return size
}

// RecordTimeout shrinks the meter's batch size by the reduction factor,
// floored and clamped to the minimum.
func (m *BatchSizeManager) RecordTimeout(meterID uuid.UUID) {
	state, ok := m.states[meterID]
	if !ok {
		return
	}
	state.CurrentSize = m.clamp(int(math.Floor(float64(state.CurrentSize) * m.config.ReductionFactor)))
	state.ConsecutiveTimeouts++
	state.ConsecutiveSuccesses = 0
	state.LastUpdated = time.Now()
}

// RecordSuccess remembers the current size as the last known-good one.
func (m *BatchSizeManager) RecordSuccess(meterID uuid.UUID) {
	state, ok := m.states[meterID]
	if !ok {
		return
	}
	state.LastSuccessfulSize = state.CurrentSize
	state.ConsecutiveSuccesses++
	state.ConsecutiveTimeouts = 0
	state.LastUpdated = time.Now()
}

// State returns a copy of the meter's adaptive state, if any.
func (m *BatchSizeManager) State(meterID uuid.UUID) (MeterBatchState, bool) {
	state, ok := m.states[meterID]
	if !ok {
		return MeterBatchState{}, false
	}
	return *state, true
}

// MinSize exposes the configured floor; the cycle manager uses it to decide
// when further shrinking is pointless.
func (m *BatchSizeManager) MinSize() int {
	return m.config.MinSize
}

func (m *BatchSizeManager) clamp(size int) int {
	if size < m.config.MinSize {
		return m.config.MinSize
	}
	return size
}

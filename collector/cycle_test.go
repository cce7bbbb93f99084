package collector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cepro/meteragent/cache"
	"github.com/cepro/meteragent/meter"
	"github.com/cepro/meteragent/telemetry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMeterLoader struct {
	meters []meter.Meter
	err    error
}

func (l *stubMeterLoader) Meters(activeOnly bool) ([]meter.Meter, error) {
	return l.meters, l.err
}

type stubRegisterLoader struct {
	registers map[uint32][]meter.Register
	err       error
}

func (l *stubRegisterLoader) DeviceRegisters(device uint32) ([]meter.Register, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.registers[device], nil
}

// scriptedReader is a meter.Reader whose batch reads can be made to time out
// or fail a scripted number of times. It records every call so tests can
// assert exactly which reads were issued.
type scriptedReader struct {
	online        bool
	value         float64
	batchTimeouts int   // ReadRegisters calls that time out before succeeding
	batchErr      error // non-timeout failure returned by every ReadRegisters call
	panicOnBatch  bool

	batchCalls  []int // register count of each ReadRegisters call
	singleCalls int
	closed      bool
}

func (r *scriptedReader) ReadRegister(ctx context.Context, reg meter.Register, timeout time.Duration) meter.ReadResult {
	r.singleCalls++
	return meter.ReadResult{Value: r.value}
}

func (r *scriptedReader) ReadRegisters(ctx context.Context, regs []meter.Register, timeout time.Duration) []meter.ReadResult {
	if r.panicOnBatch {
		panic("scripted panic")
	}
	r.batchCalls = append(r.batchCalls, len(regs))

	results := make([]meter.ReadResult, len(regs))
	if r.batchTimeouts > 0 {
		r.batchTimeouts--
		for i := range results {
			results[i] = meter.ReadResult{Err: fmt.Errorf("batch of %d: %w", len(regs), meter.ErrReadTimeout)}
		}
		return results
	}
	if r.batchErr != nil {
		for i := range results {
			results[i] = meter.ReadResult{Err: r.batchErr}
		}
		return results
	}
	for i := range results {
		results[i] = meter.ReadResult{Value: r.value}
	}
	return results
}

func (r *scriptedReader) CheckConnectivity(ctx context.Context) bool { return r.online }

func (r *scriptedReader) Close() { r.closed = true }

func testRegisters(n int) []meter.Register {
	registers := make([]meter.Register, n)
	for i := range registers {
		registers[i] = meter.Register{
			Device:         1001,
			Field:          fmt.Sprintf("field_%d", i),
			Unit:           "kW",
			ObjectType:     "analog-input",
			ObjectInstance: uint32(i),
		}
	}
	return registers
}

func newTestCycleManager(t *testing.T, meters []meter.Meter, registers []meter.Register, readers map[uuid.UUID]*scriptedReader, store ReadingStore) *CycleManager {
	t.Helper()

	regsByDevice := map[uint32][]meter.Register{}
	for _, mtr := range meters {
		regsByDevice[mtr.Device] = registers
	}

	openReader := func(mtr meter.Meter) (meter.Reader, error) {
		reader, ok := readers[mtr.ID]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return reader, nil
	}

	return NewCycleManager(
		CycleConfig{MaxBatchRetries: 3},
		cache.NewMeterCache(&stubMeterLoader{meters: meters}),
		cache.NewRegisterCache(&stubRegisterLoader{registers: regsByDevice}),
		NewBatchSizeManager(BatchSizeConfig{}),
		store,
		openReader,
	)
}

func TestCycleHappyPath(t *testing.T) {
	mtr := meter.Meter{ID: uuid.New(), Name: "acme-house-1", Device: 1001, Active: true}
	reader := &scriptedReader{online: true, value: 42.5}
	store := &recordingStore{}

	manager := newTestCycleManager(t, []meter.Meter{mtr}, testRegisters(4), map[uuid.UUID]*scriptedReader{mtr.ID: reader}, store)
	result := manager.RunCycle(context.Background())

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.MetersProcessed)
	assert.Equal(t, 4, result.ReadingsCollected)
	assert.Empty(t, result.Errors)
	assert.Zero(t, result.TimeoutMetrics.TotalTimeouts)
	assert.True(t, reader.closed, "reader is closed when the meter is done")

	require.Len(t, result.Meters, 1)
	assert.True(t, result.Meters[0].Online)
	assert.Equal(t, 4, result.Meters[0].Readings)

	require.Len(t, store.saved, 1)
	assert.Len(t, store.saved[0], 4)
}

func TestCycleConnectivityGateSkipsAllReads(t *testing.T) {
	mtr := meter.Meter{ID: uuid.New(), Name: "acme-house-2", Device: 1001, Active: true}
	reader := &scriptedReader{online: false}
	store := &recordingStore{}

	manager := newTestCycleManager(t, []meter.Meter{mtr}, testRegisters(4), map[uuid.UUID]*scriptedReader{mtr.ID: reader}, store)
	result := manager.RunCycle(context.Background())

	assert.Empty(t, reader.batchCalls, "no batch reads issued to an unreachable meter")
	assert.Zero(t, reader.singleCalls, "no sequential reads issued to an unreachable meter")

	require.Len(t, result.Errors, 1)
	assert.Equal(t, telemetry.ErrorKindConnectivity, result.Errors[0].Kind)
	assert.Equal(t, mtr.ID, result.Errors[0].MeterID)

	require.Len(t, result.Meters, 1)
	assert.False(t, result.Meters[0].Online)

	require.Equal(t, 1, result.TimeoutMetrics.TotalTimeouts)
	assert.Equal(t, telemetry.RecoveryOffline, result.TimeoutMetrics.Events[0].Recovery)

	// the cycle as a whole still counts as a success
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.MetersProcessed)
}

func TestCycleShrinksBatchOnTimeout(t *testing.T) {
	mtr := meter.Meter{ID: uuid.New(), Name: "acme-house-3", Device: 1001, Active: true}
	// first attempt (one batch of 4) times out, the halved retry succeeds
	reader := &scriptedReader{online: true, value: 7.0, batchTimeouts: 1}
	store := &recordingStore{}

	manager := newTestCycleManager(t, []meter.Meter{mtr}, testRegisters(4), map[uuid.UUID]*scriptedReader{mtr.ID: reader}, store)
	result := manager.RunCycle(context.Background())

	assert.Equal(t, []int{4, 2, 2}, reader.batchCalls, "retry re-reads all registers in halved chunks")
	assert.Zero(t, reader.singleCalls)
	assert.Equal(t, 4, result.ReadingsCollected)

	require.Equal(t, 1, result.TimeoutMetrics.TotalTimeouts)
	event := result.TimeoutMetrics.Events[0]
	assert.Equal(t, telemetry.RecoveryReducedBatch, event.Recovery)
	assert.Equal(t, 4, event.BatchSize)
	assert.True(t, event.Succeeded)

	state, ok := manager.batchSizes.State(mtr.ID)
	require.True(t, ok)
	assert.Equal(t, 2, state.CurrentSize)
	assert.Equal(t, 2, state.LastSuccessfulSize)
}

func TestCycleFallsBackToSequentialAtFloor(t *testing.T) {
	mtr := meter.Meter{ID: uuid.New(), Name: "acme-house-4", Device: 1001, Active: true}
	// every batch attempt times out: 4 -> 2 -> 1, then the sequential fallback
	reader := &scriptedReader{online: true, value: 7.0, batchTimeouts: 100}
	store := &recordingStore{}

	manager := newTestCycleManager(t, []meter.Meter{mtr}, testRegisters(4), map[uuid.UUID]*scriptedReader{mtr.ID: reader}, store)
	result := manager.RunCycle(context.Background())

	assert.Equal(t, 4, reader.singleCalls, "every register is read individually in the fallback")
	assert.Equal(t, 4, result.ReadingsCollected)

	require.GreaterOrEqual(t, result.TimeoutMetrics.TotalTimeouts, 2)
	last := result.TimeoutMetrics.Events[len(result.TimeoutMetrics.Events)-1]
	assert.Equal(t, telemetry.RecoverySequential, last.Recovery)
	assert.True(t, last.Succeeded, "sequential fallback produced readings")
}

func TestCycleFallsBackToSequentialOnTransportError(t *testing.T) {
	mtr := meter.Meter{ID: uuid.New(), Name: "acme-house-5", Device: 1001, Active: true}
	reader := &scriptedReader{online: true, value: 7.0, batchErr: errors.New("segmentation not supported")}
	store := &recordingStore{}

	manager := newTestCycleManager(t, []meter.Meter{mtr}, testRegisters(4), map[uuid.UUID]*scriptedReader{mtr.ID: reader}, store)
	result := manager.RunCycle(context.Background())

	assert.Len(t, reader.batchCalls, 1, "a non-timeout batch failure is not retried")
	assert.Equal(t, 4, reader.singleCalls)
	assert.Equal(t, 4, result.ReadingsCollected)
	assert.Zero(t, result.TimeoutMetrics.TotalTimeouts, "transport errors are not timeouts")
}

func TestCycleIsolatesMeterFailures(t *testing.T) {
	healthy := meter.Meter{ID: uuid.New(), Name: "healthy", Device: 1001, Active: true}
	offline := meter.Meter{ID: uuid.New(), Name: "offline", Device: 1001, Active: true}
	unopenable := meter.Meter{ID: uuid.New(), Name: "unopenable", Device: 1001, Active: true}

	readers := map[uuid.UUID]*scriptedReader{
		healthy.ID: {online: true, value: 1.5},
		offline.ID: {online: false},
		// no reader for `unopenable`: the factory returns an error
	}
	store := &recordingStore{}

	manager := newTestCycleManager(t, []meter.Meter{healthy, offline, unopenable}, testRegisters(2), readers, store)
	result := manager.RunCycle(context.Background())

	assert.Equal(t, 3, result.MetersProcessed, "every meter is attempted despite earlier failures")
	assert.Equal(t, 2, result.ReadingsCollected, "only the healthy meter contributes readings")
	assert.True(t, result.Success)

	require.Len(t, result.Meters, 3)
	byName := map[string]MeterOutcome{}
	for _, outcome := range result.Meters {
		byName[outcome.Name] = outcome
	}
	assert.True(t, byName["healthy"].Online)
	assert.False(t, byName["offline"].Online)
	assert.False(t, byName["unopenable"].Online)

	kinds := map[telemetry.ErrorKind]int{}
	for _, collErr := range result.Errors {
		kinds[collErr.Kind]++
	}
	assert.Equal(t, 1, kinds[telemetry.ErrorKindConnectivity])
	assert.Equal(t, 1, kinds[telemetry.ErrorKindConnect])
}

func TestCycleRecoversFromMeterPanic(t *testing.T) {
	panicking := meter.Meter{ID: uuid.New(), Name: "panicking", Device: 1001, Active: true}
	healthy := meter.Meter{ID: uuid.New(), Name: "healthy", Device: 1001, Active: true}

	readers := map[uuid.UUID]*scriptedReader{
		panicking.ID: {online: true, panicOnBatch: true},
		healthy.ID:   {online: true, value: 9.0},
	}
	store := &recordingStore{}

	manager := newTestCycleManager(t, []meter.Meter{panicking, healthy}, testRegisters(2), readers, store)
	result := manager.RunCycle(context.Background())

	assert.Equal(t, 2, result.MetersProcessed)
	assert.Equal(t, 2, result.ReadingsCollected, "the meter after the panic is still collected")
	assert.False(t, result.Success, "a panic marks the cycle as failed")

	require.NotEmpty(t, result.Errors)
	assert.Equal(t, telemetry.ErrorKindRead, result.Errors[0].Kind)
	assert.Contains(t, result.Errors[0].Message, "panic")
}

func TestCycleFailsWhenMeterConfigurationUnavailable(t *testing.T) {
	manager := NewCycleManager(
		CycleConfig{},
		cache.NewMeterCache(&stubMeterLoader{err: errors.New("database is locked")}),
		cache.NewRegisterCache(&stubRegisterLoader{}),
		NewBatchSizeManager(BatchSizeConfig{}),
		&recordingStore{},
		func(meter.Meter) (meter.Reader, error) { return nil, errors.New("unused") },
	)

	result := manager.RunCycle(context.Background())

	assert.False(t, result.Success)
	assert.Zero(t, result.MetersProcessed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, telemetry.ErrorKindConnect, result.Errors[0].Kind)
}

func TestCycleStopsOnCancelledContext(t *testing.T) {
	first := meter.Meter{ID: uuid.New(), Name: "first", Device: 1001, Active: true}
	second := meter.Meter{ID: uuid.New(), Name: "second", Device: 1001, Active: true}
	readers := map[uuid.UUID]*scriptedReader{
		first.ID:  {online: true, value: 1},
		second.ID: {online: true, value: 1},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	manager := newTestCycleManager(t, []meter.Meter{first, second}, testRegisters(2), readers, &recordingStore{})
	result := manager.RunCycle(ctx)

	assert.False(t, result.Success)
	assert.Zero(t, result.MetersProcessed)
}

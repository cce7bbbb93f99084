package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/meteragent/cache"
	"github.com/cepro/meteragent/meter"
	"github.com/cepro/meteragent/telemetry"
	"github.com/google/uuid"
)

// CycleConfig tunes one collection sweep.
type CycleConfig struct {
	// BatchReadTimeout bounds one batch (read-property-multiple) request.
	BatchReadTimeout time.Duration

	// SequentialReadTimeout bounds one single-register read during the
	// sequential fallback.
	SequentialReadTimeout time.Duration

	// MaxBatchRetries caps how many times a timed-out batch is retried at a
	// reduced size before falling back to sequential reads.
	MaxBatchRetries int
}

func (c CycleConfig) withDefaults() CycleConfig {
	if c.BatchReadTimeout <= 0 {
		c.BatchReadTimeout = 5 * time.Second
	}
	if c.SequentialReadTimeout <= 0 {
		c.SequentialReadTimeout = 3 * time.Second
	}
	if c.MaxBatchRetries <= 0 {
		c.MaxBatchRetries = 3
	}
	return c
}

// MeterOutcome summarises how one meter fared in a cycle.
type MeterOutcome struct {
	MeterID  uuid.UUID
	Name     string
	Online   bool // false when the connectivity gate failed
	Readings int  // readings persisted for this meter
	Errors   int  // errors recorded for this meter
}

// CycleResult is the output of one full collection sweep.
type CycleResult struct {
	CycleID           uuid.UUID
	StartTime         time.Time
	EndTime           time.Time
	MetersProcessed   int
	ReadingsCollected int
	Errors            []telemetry.CollectionError
	Success           bool
	TimeoutMetrics    telemetry.TimeoutMetrics
	Meters            []MeterOutcome
}

// CycleManager orchestrates one bounded, fault-isolated sweep across all
// cached meters. A single meter failing at any step never aborts the cycle;
// only a failure to load the meter cache before any meter is attempted marks
// the cycle as failed outright.
type CycleManager struct {
	config     CycleConfig
	meters     *cache.MeterCache
	registers  *cache.RegisterCache
	batchSizes *BatchSizeManager
	store      ReadingStore
	openReader meter.ReaderFactory
	logger     *slog.Logger
}

func NewCycleManager(config CycleConfig, meters *cache.MeterCache, registers *cache.RegisterCache, batchSizes *BatchSizeManager, store ReadingStore, openReader meter.ReaderFactory) *CycleManager {
	return &CycleManager{
		config:     config.withDefaults(),
		meters:     meters,
		registers:  registers,
		batchSizes: batchSizes,
		store:      store,
		openReader: openReader,
		logger:     slog.Default(),
	}
}

// RunCycle sweeps every cached meter once: connectivity gate, batch read with
// shrink-and-retry, sequential fallback, then one atomic flush per meter. The
// meter cache is cleared unconditionally at the end so configuration changes
// are picked up next cycle.
func (m *CycleManager) RunCycle(ctx context.Context) CycleResult {
	result := CycleResult{
		CycleID:        uuid.New(),
		StartTime:      time.Now(),
		Success:        true,
		TimeoutMetrics: telemetry.NewTimeoutMetrics(),
	}
	logger := m.logger.With("cycle_id", result.CycleID)

	defer func() {
		m.meters.Clear()
		result.EndTime = time.Now()
		logger.Info("Collection cycle finished",
			"meters_processed", result.MetersProcessed,
			"readings_collected", result.ReadingsCollected,
			"errors", len(result.Errors),
			"success", result.Success,
			"duration", result.EndTime.Sub(result.StartTime))
	}()

	meters, err := m.meters.Get()
	if err != nil {
		result.Errors = append(result.Errors, telemetry.NewCollectionError(uuid.Nil, "", telemetry.ErrorKindConnect, err.Error()))
		result.Success = false
		return result
	}

	logger.Info("Starting collection cycle", "meters", len(meters))

	for _, mtr := range meters {
		if ctx.Err() != nil {
			logger.Warn("Collection cycle cancelled", "error", ctx.Err())
			result.Success = false
			break
		}
		m.processMeter(ctx, mtr, &result)
		result.MetersProcessed++
	}

	return result
}

// processMeter runs the per-meter state machine. A panic in any step is
// captured as an error on the result so the loop always proceeds to the next
// meter.
func (m *CycleManager) processMeter(ctx context.Context, mtr meter.Meter, result *CycleResult) {
	outcome := MeterOutcome{MeterID: mtr.ID, Name: mtr.Name, Online: true}
	errsBefore := len(result.Errors)

	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, telemetry.NewCollectionError(mtr.ID, "", telemetry.ErrorKindRead, fmt.Sprintf("panic: %v", r)))
			result.Success = false
		}
		outcome.Errors = len(result.Errors) - errsBefore
		result.Meters = append(result.Meters, outcome)
	}()

	logger := m.logger.With("meter", mtr.Name, "meter_id", mtr.ID)

	registers, err := m.registers.Get(mtr.Device)
	if err != nil {
		result.Errors = append(result.Errors, telemetry.NewCollectionError(mtr.ID, "", telemetry.ErrorKindConnect, err.Error()))
		return
	}
	if len(registers) == 0 {
		logger.Debug("Meter has no registers configured, skipping")
		return
	}

	reader, err := m.openReader(mtr)
	if err != nil {
		result.Errors = append(result.Errors, telemetry.NewCollectionError(mtr.ID, "", telemetry.ErrorKindConnect, fmt.Sprintf("open reader: %v", err)))
		outcome.Online = false
		return
	}
	defer reader.Close()

	// Connectivity gate: an unreachable meter is skipped entirely, no
	// partial reads are attempted.
	if !reader.CheckConnectivity(ctx) {
		result.Errors = append(result.Errors, telemetry.NewCollectionError(mtr.ID, "", telemetry.ErrorKindConnectivity, "device unreachable"))
		result.TimeoutMetrics.Record(telemetry.TimeoutEvent{
			MeterID:       mtr.ID,
			Time:          time.Now(),
			RegisterCount: len(registers),
			BatchSize:     m.batchSizes.GetBatchSize(mtr.ID, len(registers)),
			Recovery:      telemetry.RecoveryOffline,
			Succeeded:     false,
		})
		outcome.Online = false
		logger.Warn("Meter unreachable, skipping reads")
		return
	}

	readings := m.readMeterRegisters(ctx, reader, mtr, registers, result)

	// Persistence: everything successfully read for this meter is flushed as
	// one transaction before the next meter starts.
	batcher := NewReadingBatcher()
	for _, reading := range readings {
		batcher.AddReading(reading)
	}
	flushed, validation, err := batcher.Flush(m.store)
	for _, invalid := range validation.Invalid {
		logger.Warn("Dropping invalid reading", "detail", invalid.String())
	}
	if err != nil {
		result.Errors = append(result.Errors, telemetry.NewCollectionError(mtr.ID, "", telemetry.ErrorKindWrite, err.Error()))
		return
	}

	outcome.Readings = flushed
	result.ReadingsCollected += flushed
	logger.Debug("Meter processed", "readings", flushed)
}

// readMeterRegisters reads all of the meter's registers: batch attempts with
// shrink-and-retry first, then the sequential fallback once the batch size
// hits the floor, the retry budget runs out, or the batch fails outright.
func (m *CycleManager) readMeterRegisters(ctx context.Context, reader meter.Reader, mtr meter.Meter, registers []meter.Register, result *CycleResult) []telemetry.MeterReading {
	logger := m.logger.With("meter", mtr.Name)

	for attempt := 0; attempt < m.config.MaxBatchRetries; attempt++ {
		size := m.batchSizes.GetBatchSize(mtr.ID, len(registers))

		readings, timedOut, err := m.readInBatches(ctx, reader, mtr, registers, size)
		if err == nil && !timedOut {
			m.batchSizes.RecordSuccess(mtr.ID)
			return readings
		}

		if timedOut {
			timeoutAt := time.Now()
			m.batchSizes.RecordTimeout(mtr.ID)
			newSize := m.batchSizes.GetBatchSize(mtr.ID, len(registers))

			atFloor := newSize <= m.batchSizes.MinSize()
			lastAttempt := attempt == m.config.MaxBatchRetries-1
			recovery := telemetry.RecoveryReducedBatch
			if atFloor || lastAttempt {
				recovery = telemetry.RecoverySequential
			}

			event := telemetry.TimeoutEvent{
				MeterID:       mtr.ID,
				Time:          timeoutAt,
				RegisterCount: len(registers),
				BatchSize:     size,
				Timeout:       m.config.BatchReadTimeout,
				Recovery:      recovery,
				Succeeded:     true, // a recovery path is always attempted; sequential partial failures are recorded separately
			}

			if recovery == telemetry.RecoveryReducedBatch {
				logger.Warn("Batch read timed out, retrying with reduced batch size", "old_size", size, "new_size", newSize)
				event.RecoveryTime = time.Since(timeoutAt)
				result.TimeoutMetrics.Record(event)
				continue
			}

			logger.Warn("Batch read timed out at minimum batch size, falling back to sequential reads", "size", size)
			readings := m.readSequentially(ctx, reader, mtr, registers, result)
			event.RecoveryTime = time.Since(timeoutAt)
			event.Succeeded = len(readings) > 0
			result.TimeoutMetrics.Record(event)
			return readings
		}

		// The batch call failed without a timeout (transport-level error):
		// go straight to sequential reads, keeping whatever succeeds.
		logger.Warn("Batch read failed, falling back to sequential reads", "error", err)
		return m.readSequentially(ctx, reader, mtr, registers, result)
	}

	// retry budget exhausted without a successful batch
	return m.readSequentially(ctx, reader, mtr, registers, result)
}

// readInBatches reads the registers in chunks of `size` using batch requests.
// Any timeout aborts the whole attempt (timedOut=true); any other request
// failure is returned as an error. Only a fully successful attempt returns
// readings.
func (m *CycleManager) readInBatches(ctx context.Context, reader meter.Reader, mtr meter.Meter, registers []meter.Register, size int) ([]telemetry.MeterReading, bool, error) {
	var readings []telemetry.MeterReading

	for start := 0; start < len(registers); start += size {
		end := start + size
		if end > len(registers) {
			end = len(registers)
		}
		chunk := registers[start:end]

		results := reader.ReadRegisters(ctx, chunk, m.config.BatchReadTimeout)
		for i, res := range results {
			if res.Err != nil {
				if errors.Is(res.Err, meter.ErrReadTimeout) {
					return nil, true, nil
				}
				return nil, false, fmt.Errorf("batch read %q: %w", chunk[i].Field, res.Err)
			}
			readings = append(readings, telemetry.NewMeterReading(mtr.ID, time.Now(), chunk[i].Field, res.Value, chunk[i].Unit))
		}
	}

	return readings, false, nil
}

// readSequentially reads each register individually with its own timeout.
// Partial success is kept: a register that fails records its own read error
// and is omitted, it does not abort the meter.
func (m *CycleManager) readSequentially(ctx context.Context, reader meter.Reader, mtr meter.Meter, registers []meter.Register, result *CycleResult) []telemetry.MeterReading {
	var readings []telemetry.MeterReading

	for _, reg := range registers {
		if ctx.Err() != nil {
			break
		}
		res := reader.ReadRegister(ctx, reg, m.config.SequentialReadTimeout)
		if res.Err != nil {
			result.Errors = append(result.Errors, telemetry.NewCollectionError(mtr.ID, reg.Field, telemetry.ErrorKindRead, res.Err.Error()))
			continue
		}
		readings = append(readings, telemetry.NewMeterReading(mtr.ID, time.Now(), reg.Field, res.Value, reg.Unit))
	}

	return readings
}

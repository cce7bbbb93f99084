package collector

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cepro/meteragent/telemetry"
	"github.com/google/uuid"
)

// flushAttempts is how many times a failed persistence transaction is retried
// before the error is surfaced to the cycle manager.
const flushAttempts = 3

// ReadingStore persists a set of readings atomically: either every reading
// becomes an unsynced row or none do.
type ReadingStore interface {
	SaveReadings(readings []telemetry.MeterReading) error
}

// InvalidReading describes one reading that failed validation, with the
// reasons it was rejected.
type InvalidReading struct {
	Reading telemetry.MeterReading
	Reasons []string
}

func (i InvalidReading) String() string {
	return fmt.Sprintf("reading %s/%s: %s", i.Reading.MeterID, i.Reading.Field, strings.Join(i.Reasons, "; "))
}

// ValidationResult partitions a batch into valid and invalid readings.
// len(Valid) + len(Invalid) always equals the number of pending readings.
type ValidationResult struct {
	Valid   []telemetry.MeterReading
	Invalid []InvalidReading
}

// ReadingBatcher accumulates one meter's readings for one cycle and flushes
// them as a single atomic write. Invalid readings are skipped (and reported),
// never written.
type ReadingBatcher struct {
	pending []telemetry.MeterReading
}

func NewReadingBatcher() *ReadingBatcher {
	return &ReadingBatcher{}
}

// AddReading appends a reading to the pending list. No I/O happens until
// Flush.
func (b *ReadingBatcher) AddReading(reading telemetry.MeterReading) {
	b.pending = append(b.pending, reading)
}

// Len returns the number of pending readings.
func (b *ReadingBatcher) Len() int {
	return len(b.pending)
}

// Validate partitions the pending readings. A reading is invalid if its meter
// id is missing, its timestamp is zero or in the future, its field name is
// empty, or its value is not a finite number.
func (b *ReadingBatcher) Validate() ValidationResult {
	result := ValidationResult{}
	now := time.Now()

	for _, reading := range b.pending {
		var reasons []string
		if reading.MeterID == uuid.Nil {
			reasons = append(reasons, "missing meter id")
		}
		if reading.Time.IsZero() {
			reasons = append(reasons, "timestamp is zero")
		} else if reading.Time.After(now) {
			reasons = append(reasons, "timestamp is in the future")
		}
		if reading.Field == "" {
			reasons = append(reasons, "empty field name")
		}
		if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
			reasons = append(reasons, "value is not finite")
		}

		if len(reasons) > 0 {
			result.Invalid = append(result.Invalid, InvalidReading{Reading: reading, Reasons: reasons})
			continue
		}
		result.Valid = append(result.Valid, reading)
	}

	return result
}

// Flush validates the pending readings and writes the valid ones in one
// transaction, retrying a bounded number of times. The pending list is left
// intact between attempts; only a successful write clears it, so the caller
// still owns the readings if the flush ultimately fails.
//
// Returns the number of readings written and the validation outcome.
func (b *ReadingBatcher) Flush(store ReadingStore) (int, ValidationResult, error) {
	validation := b.Validate()
	if len(validation.Valid) == 0 {
		// invalid readings are skipped, not failed
		b.pending = nil
		return 0, validation, nil
	}

	var err error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		err = store.SaveReadings(validation.Valid)
		if err == nil {
			b.pending = nil
			return len(validation.Valid), validation, nil
		}
	}

	return 0, validation, fmt.Errorf("flush %d readings after %d attempts: %w", len(validation.Valid), flushAttempts, err)
}

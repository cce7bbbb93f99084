package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// MeterReading holds one data point pulled from a meter register.
// Readings are created by the collection cycle, buffered in SQLite and
// deleted once the remote platform has confirmed receipt.
type MeterReading struct {
	ID      uuid.UUID
	MeterID uuid.UUID
	Time    time.Time
	Field   string
	Value   float64
	Unit    string
}

// NewMeterReading assigns a fresh reading ID to the given data point.
func NewMeterReading(meterID uuid.UUID, t time.Time, field string, value float64, unit string) MeterReading {
	return MeterReading{
		ID:      uuid.New(),
		MeterID: meterID,
		Time:    t,
		Field:   field,
		Value:   value,
		Unit:    unit,
	}
}

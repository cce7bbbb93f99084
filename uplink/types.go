package uplink

import (
	"time"

	"github.com/cepro/meteragent/repository"
	"github.com/google/uuid"
)

// Reading holds the json encoding schema for a meter reading on the remote
// platform.
type Reading struct {
	ID      uuid.UUID `json:"id"`
	Time    time.Time `json:"time"`
	MeterID uuid.UUID `json:"meter_id"`
	Field   string    `json:"field"`
	Value   float64   `json:"value"`
	Unit    string    `json:"unit"`
}

// ConvertReadings maps the locally buffered rows onto the remote schema.
func ConvertReadings(rows []repository.StoredMeterReading) []Reading {
	readings := make([]Reading, len(rows))
	for i, row := range rows {
		readings[i] = Reading{
			ID:      row.ID,
			Time:    row.Time,
			MeterID: row.MeterID,
			Field:   row.Field,
			Value:   row.Value,
			Unit:    row.Unit,
		}
	}
	return readings
}

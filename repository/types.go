package repository

import (
	"time"

	"github.com/cepro/meteragent/meter"
	"github.com/cepro/meteragent/telemetry"
	"github.com/google/uuid"
)

// StoredMeter is a meter configuration row. Meters are managed externally
// (via the management API); the agent only reads them.
type StoredMeter struct {
	ID       uuid.UUID `gorm:"primaryKey"`
	Name     string
	Host     string
	Port     int
	Protocol string
	Device   uint32
	Active   bool
}

func (s StoredMeter) toMeter() meter.Meter {
	return meter.Meter{
		ID:       s.ID,
		Name:     s.Name,
		Host:     s.Host,
		Port:     s.Port,
		Protocol: meter.Protocol(s.Protocol),
		Device:   s.Device,
		Active:   s.Active,
	}
}

func newStoredMeter(m meter.Meter) StoredMeter {
	return StoredMeter{
		ID:       m.ID,
		Name:     m.Name,
		Host:     m.Host,
		Port:     m.Port,
		Protocol: string(m.Protocol),
		Device:   m.Device,
		Active:   m.Active,
	}
}

// StoredRegister is a device register (data point) configuration row.
type StoredRegister struct {
	ID             uint   `gorm:"primaryKey"`
	Device         uint32 `gorm:"index"`
	Field          string
	Unit           string
	ObjectType     string
	ObjectInstance uint32
	Address        uint16
}

func (s StoredRegister) toRegister() meter.Register {
	return meter.Register{
		Device:         s.Device,
		Field:          s.Field,
		Unit:           s.Unit,
		ObjectType:     s.ObjectType,
		ObjectInstance: s.ObjectInstance,
		Address:        s.Address,
	}
}

func newStoredRegister(r meter.Register) StoredRegister {
	return StoredRegister{
		Device:         r.Device,
		Field:          r.Field,
		Unit:           r.Unit,
		ObjectType:     r.ObjectType,
		ObjectInstance: r.ObjectInstance,
		Address:        r.Address,
	}
}

// StoredMeterReading represents a meter reading that is persisted to the
// SQLite database until the remote platform confirms receipt. `Synced` is
// false from insertion; rows are deleted on confirmed upload, so a reading
// can never be silently lost. `RetryCount` records failed upload attempts.
type StoredMeterReading struct {
	ID         uuid.UUID `gorm:"primaryKey"`
	MeterID    uuid.UUID `gorm:"index"`
	Time       time.Time `gorm:"index"`
	Field      string
	Value      float64
	Unit       string
	Synced     bool
	RetryCount uint
}

func (s StoredMeterReading) toReading() telemetry.MeterReading {
	return telemetry.MeterReading{
		ID:      s.ID,
		MeterID: s.MeterID,
		Time:    s.Time,
		Field:   s.Field,
		Value:   s.Value,
		Unit:    s.Unit,
	}
}

func newStoredMeterReading(reading telemetry.MeterReading) StoredMeterReading {
	return StoredMeterReading{
		ID:         reading.ID,
		MeterID:    reading.MeterID,
		Time:       reading.Time,
		Field:      reading.Field,
		Value:      reading.Value,
		Unit:       reading.Unit,
		Synced:     false,
		RetryCount: 0,
	}
}

// SyncLogEntry is an audit record of one upload (or cleanup) operation.
type SyncLogEntry struct {
	ID               uint `gorm:"primaryKey"`
	StartedAt        time.Time
	CompletedAt      time.Time
	Operation        string
	RecordsProcessed int
	Success          bool
	Message          string
}

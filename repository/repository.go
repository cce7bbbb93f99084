package repository

import (
	"fmt"
	"time"

	"github.com/cepro/meteragent/meter"
	"github.com/cepro/meteragent/telemetry"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository stores meter configuration and buffered readings on the local
// file system (sqlite). Readings live here from the moment they are collected
// until the remote platform confirms receipt.
type Repository struct {
	db *gorm.DB
}

func New(path string) (*Repository, error) {

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Migrate the schema
	err = db.AutoMigrate(&StoredMeter{}, &StoredRegister{}, &StoredMeterReading{}, &SyncLogEntry{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db: db,
	}, nil
}

// Meters returns the configured meters, optionally only the active ones.
func (r *Repository) Meters(activeOnly bool) ([]meter.Meter, error) {
	var stored []StoredMeter

	query := r.db.Order("name asc")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	result := query.Find(&stored)
	if result.Error != nil {
		return nil, result.Error
	}

	meters := make([]meter.Meter, len(stored))
	for i, s := range stored {
		meters[i] = s.toMeter()
	}
	return meters, nil
}

// SaveMeter inserts or updates a meter configuration row.
func (r *Repository) SaveMeter(m meter.Meter) error {
	result := r.db.Save(newStoredMeter(m))
	return result.Error
}

// DeviceRegisters returns the registers configured for the given device
// instance.
func (r *Repository) DeviceRegisters(device uint32) ([]meter.Register, error) {
	var stored []StoredRegister

	result := r.db.Where("device = ?", device).Order("address asc, object_instance asc").Find(&stored)
	if result.Error != nil {
		return nil, result.Error
	}

	registers := make([]meter.Register, len(stored))
	for i, s := range stored {
		registers[i] = s.toRegister()
	}
	return registers, nil
}

// SaveRegisters inserts register configuration rows.
func (r *Repository) SaveRegisters(registers []meter.Register) error {
	if len(registers) == 0 {
		return nil
	}
	stored := make([]StoredRegister, len(registers))
	for i, reg := range registers {
		stored[i] = newStoredRegister(reg)
	}
	result := r.db.Create(&stored)
	return result.Error
}

// SaveReadings persists the given readings in a single transaction. Either
// every reading becomes a row (unsynced, zero retry count) or none do -
// partial writes are never observable.
func (r *Repository) SaveReadings(readings []telemetry.MeterReading) error {
	if len(readings) == 0 {
		return nil
	}

	stored := make([]StoredMeterReading, len(readings))
	for i, reading := range readings {
		stored[i] = newStoredMeterReading(reading)
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Create(&stored)
		return result.Error
	})
}

// UnsyncedReadings returns up to `limit` readings that have not yet been
// confirmed by the remote platform, in a stable order.
func (r *Repository) UnsyncedReadings(limit int) ([]StoredMeterReading, error) {
	var readings []StoredMeterReading

	result := r.db.Limit(limit).Where("synced = ?", false).Order("time asc, id asc").Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

// IncrementRetryCount bumps the retry counter on the given readings after a
// failed upload. The rows themselves are left untouched.
func (r *Repository) IncrementRetryCount(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	result := r.db.Model(&StoredMeterReading{}).
		Where("id IN ?", ids).
		UpdateColumn("retry_count", gorm.Expr("retry_count + ?", 1))
	return result.Error
}

// DeleteSyncedReadings removes readings whose upload has been confirmed. A
// reading is only ever deleted through this path.
func (r *Repository) DeleteSyncedReadings(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	result := r.db.Where("id IN ?", ids).Delete(&StoredMeterReading{})
	return result.Error
}

// DeleteReadingsBefore removes readings older than the cutoff. Used by the
// retention cleanup schedule.
func (r *Repository) DeleteReadingsBefore(cutoff time.Time) (int64, error) {
	result := r.db.Where("time < ?", cutoff).Delete(&StoredMeterReading{})
	return result.RowsAffected, result.Error
}

// AddSyncLog appends an audit record of a sync operation.
func (r *Repository) AddSyncLog(entry SyncLogEntry) error {
	result := r.db.Create(&entry)
	return result.Error
}

// Package uploader forwards locally buffered readings to the remote
// collection platform. A reading is only ever removed from the local buffer
// by a confirmed successful upload; failed batches are retried on every
// future tick indefinitely, so prolonged remote outages grow the backlog but
// never lose data.
package uploader

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/meteragent/repository"
	"github.com/cepro/meteragent/uplink"
	"github.com/google/uuid"
)

const defaultBatchSize = 100

// ErrUploadInFlight is returned when an upload is triggered while another is
// still running. The caller should simply try again later; the in-flight
// upload is already draining the backlog.
var ErrUploadInFlight = errors.New("an upload is already in flight")

// ReadingSource is the slice of the local store the uploader needs.
type ReadingSource interface {
	UnsyncedReadings(limit int) ([]repository.StoredMeterReading, error)
	IncrementRetryCount(ids []uuid.UUID) error
	DeleteSyncedReadings(ids []uuid.UUID) error
	AddSyncLog(entry repository.SyncLogEntry) error
}

// RemoteAPI is the client contract of the remote collection platform.
type RemoteAPI interface {
	UploadBatch(readings []uplink.Reading) (uplink.UploadResult, error)
	TestConnection() bool
}

// Stats is a snapshot of the uploader's cumulative counters.
type Stats struct {
	TotalUploaded       int
	LastSuccess         time.Time
	LastError           string
	LastErrorTime       time.Time
	ConsecutiveFailures int
}

// Manager pulls unsynced readings from the local store in fixed-size batches
// and pushes them to the remote platform. Exactly one batch is sent per
// invocation, and invocations never overlap: a concurrent trigger is skipped
// rather than risking a double-send.
type Manager struct {
	store     ReadingSource
	remote    RemoteAPI
	batchSize int

	inFlight sync.Mutex // held for the duration of one upload

	mu    sync.Mutex // guards stats
	stats Stats

	logger *slog.Logger
}

func New(store ReadingSource, remote RemoteAPI, batchSize int) *Manager {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Manager{
		store:     store,
		remote:    remote,
		batchSize: batchSize,
		logger:    slog.Default(),
	}
}

// PerformUpload sends at most one batch of unsynced readings. An empty
// backlog is a no-op success. Returns how many readings were confirmed
// uploaded.
func (m *Manager) PerformUpload() (int, error) {
	if !m.inFlight.TryLock() {
		m.logger.Warn("Skipping upload, another upload is still in flight")
		return 0, ErrUploadInFlight
	}
	defer m.inFlight.Unlock()

	started := time.Now()

	rows, err := m.store.UnsyncedReadings(m.batchSize)
	if err != nil {
		m.recordFailure(fmt.Sprintf("query unsynced readings: %v", err))
		return 0, fmt.Errorf("query unsynced readings: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	result, err := m.remote.UploadBatch(uplink.ConvertReadings(rows))
	if err != nil || !result.Success {
		if err == nil {
			err = fmt.Errorf("remote rejected batch: %s", result.Message)
		}

		// the rows stay in the buffer untouched, apart from the retry counter
		if incErr := m.store.IncrementRetryCount(ids); incErr != nil {
			m.logger.Error("Failed to increment retry counts", "error", incErr)
		}
		m.addSyncLog(started, "upload", 0, false, err.Error())
		m.recordFailure(err.Error())

		m.logger.Warn("Upload failed, batch will be retried", "readings", len(rows), "error", err)
		return 0, fmt.Errorf("upload batch of %d readings: %w", len(rows), err)
	}

	// only a confirmed upload removes readings from the buffer
	if err := m.store.DeleteSyncedReadings(ids); err != nil {
		m.recordFailure(fmt.Sprintf("delete uploaded readings: %v", err))
		return 0, fmt.Errorf("delete %d uploaded readings: %w", len(ids), err)
	}

	m.addSyncLog(started, "upload", result.RecordsProcessed, true, "")

	m.mu.Lock()
	m.stats.TotalUploaded += len(rows)
	m.stats.LastSuccess = time.Now()
	m.stats.ConsecutiveFailures = 0
	m.mu.Unlock()

	m.logger.Info("Uploaded readings", "records", len(rows))
	return len(rows), nil
}

// TriggerUpload is the manual, synchronous entry point (e.g. an operator
// flush). It obeys the same single-flight rule as the scheduled path.
func (m *Manager) TriggerUpload() (int, error) {
	return m.PerformUpload()
}

// Stats returns a snapshot of the cumulative upload counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) recordFailure(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.LastError = message
	m.stats.LastErrorTime = time.Now()
	m.stats.ConsecutiveFailures++
}

func (m *Manager) addSyncLog(started time.Time, operation string, records int, success bool, message string) {
	err := m.store.AddSyncLog(repository.SyncLogEntry{
		StartedAt:        started,
		CompletedAt:      time.Now(),
		Operation:        operation,
		RecordsProcessed: records,
		Success:          success,
		Message:          message,
	})
	if err != nil {
		m.logger.Error("Failed to write sync log entry", "error", err)
	}
}

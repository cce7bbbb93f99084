// Package agent owns the two recurring schedules of the meter reading
// pipeline: collection (interval driven) and upload (cron driven), plus the
// retention cleanup cron. It guarantees at most one collection cycle in
// flight, accumulates cross-cycle timeout metrics and tracks meters believed
// offline.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/meteragent/collector"
	"github.com/cepro/meteragent/telemetry"
	"github.com/cepro/meteragent/uploader"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrCycleInFlight is returned by TriggerCollection when a cycle is already
// running. Scheduled ticks that hit this are skipped silently (logged), never
// queued.
var ErrCycleInFlight = errors.New("a collection cycle is already in flight")

// CycleRunner runs one collection sweep.
type CycleRunner interface {
	RunCycle(ctx context.Context) collector.CycleResult
}

// UploadRunner drains one batch of the upload backlog.
type UploadRunner interface {
	PerformUpload() (int, error)
	Stats() uploader.Stats
}

// Cleaner deletes readings older than the retention window.
type Cleaner interface {
	DeleteReadingsBefore(cutoff time.Time) (int64, error)
}

// Config holds the agent's schedule and alerting settings.
type Config struct {
	CollectInterval time.Duration
	UploadCron      string // standard 5-field cron expression
	CleanupCron     string
	RetentionDays   int

	// SlowMeterTimeoutCount is the cumulative timeout count at which a meter
	// is flagged as consistently slow.
	SlowMeterTimeoutCount int
}

func (c Config) withDefaults() Config {
	if c.CollectInterval <= 0 {
		c.CollectInterval = time.Minute
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 60
	}
	if c.SlowMeterTimeoutCount <= 0 {
		c.SlowMeterTimeoutCount = 10
	}
	return c
}

// Status is a point-in-time snapshot of the agent, intended for a health or
// ops endpoint.
type Status struct {
	Running        bool
	CycleInFlight  bool
	CyclesRun      int
	TotalReadings  int
	TotalErrors    int
	LastCycle      *collector.CycleResult
	ActiveErrors   []telemetry.CollectionError
	TimeoutMetrics telemetry.TimeoutMetrics
	OfflineMeters  []telemetry.OfflineMeterStatus
	Upload         uploader.Stats
}

// Agent wires the cycle manager and upload manager onto their schedules and
// keeps the cross-cycle bookkeeping.
type Agent struct {
	config  Config
	cycles  CycleRunner
	uploads UploadRunner
	cleaner Cleaner

	mu             sync.Mutex // guards everything below
	running        bool
	cycleRunning   bool // the single-flight collection guard
	cyclesRun      int
	totalReadings  int
	totalErrors    int
	lastCycle      *collector.CycleResult
	timeoutMetrics telemetry.TimeoutMetrics // cumulative, never reset
	offline        map[uuid.UUID]*telemetry.OfflineMeterStatus
	slowFlagged    map[uuid.UUID]bool

	logger *slog.Logger
}

func New(config Config, cycles CycleRunner, uploads UploadRunner, cleaner Cleaner) *Agent {
	return &Agent{
		config:         config.withDefaults(),
		cycles:         cycles,
		uploads:        uploads,
		cleaner:        cleaner,
		timeoutMetrics: telemetry.NewTimeoutMetrics(),
		offline:        make(map[uuid.UUID]*telemetry.OfflineMeterStatus),
		slowFlagged:    make(map[uuid.UUID]bool),
		logger:         slog.Default(),
	}
}

// Run loops forever driving the schedules. Exits when the context is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.setRunning(true)
	defer a.setRunning(false)

	scheduler := cron.New()
	if a.config.UploadCron != "" {
		_, err := scheduler.AddFunc(a.config.UploadCron, a.runUploadOnce)
		if err != nil {
			return fmt.Errorf("invalid upload cron expression %q: %w", a.config.UploadCron, err)
		}
	}
	if a.config.CleanupCron != "" {
		_, err := scheduler.AddFunc(a.config.CleanupCron, a.runCleanupOnce)
		if err != nil {
			return fmt.Errorf("invalid cleanup cron expression %q: %w", a.config.CleanupCron, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	collectTicker := time.NewTicker(a.config.CollectInterval)
	defer collectTicker.Stop()

	a.logger.Info("Starting meter reading agent",
		"collect_interval", a.config.CollectInterval,
		"upload_cron", a.config.UploadCron,
		"cleanup_cron", a.config.CleanupCron)

	// collect immediately, don't wait for the first tick
	a.runCollectionOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-collectTicker.C:
			a.runCollectionOnce(ctx)
		}
	}
}

// TriggerCollection runs one cycle on demand, obeying the single-flight rule.
func (a *Agent) TriggerCollection(ctx context.Context) (collector.CycleResult, error) {
	if !a.beginCycle() {
		return collector.CycleResult{}, ErrCycleInFlight
	}
	defer a.endCycle()

	result := a.cycles.RunCycle(ctx)
	a.applyCycleResult(result)
	return result, nil
}

// TriggerUpload drains one upload batch on demand.
func (a *Agent) TriggerUpload() (int, error) {
	return a.uploads.PerformUpload()
}

// Status returns a point-in-time snapshot of the agent's state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := Status{
		Running:       a.running,
		CycleInFlight: a.cycleRunning,
		CyclesRun:     a.cyclesRun,
		TotalReadings: a.totalReadings,
		TotalErrors:   a.totalErrors,
		Upload:        a.uploads.Stats(),
	}

	if a.lastCycle != nil {
		lastCycle := *a.lastCycle
		status.LastCycle = &lastCycle
		status.ActiveErrors = append([]telemetry.CollectionError(nil), a.lastCycle.Errors...)
	}

	metrics := telemetry.NewTimeoutMetrics()
	metrics.Merge(a.timeoutMetrics)
	status.TimeoutMetrics = metrics

	for _, entry := range a.offline {
		status.OfflineMeters = append(status.OfflineMeters, *entry)
	}

	return status
}

// runCollectionOnce runs a scheduled cycle. A tick that fires while a cycle
// is still running is skipped, never queued.
func (a *Agent) runCollectionOnce(ctx context.Context) {
	if !a.beginCycle() {
		a.logger.Warn("Skipping collection tick, previous cycle still running")
		return
	}
	// the guard is released on every path, so a crashed cycle can never lock
	// the agent out of future cycles
	defer a.endCycle()

	result := a.cycles.RunCycle(ctx)
	a.applyCycleResult(result)
}

func (a *Agent) runUploadOnce() {
	_, err := a.uploads.PerformUpload()
	if err != nil && !errors.Is(err, uploader.ErrUploadInFlight) {
		a.logger.Warn("Scheduled upload failed", "error", err)
	}
}

func (a *Agent) runCleanupOnce() {
	cutoff := time.Now().AddDate(0, 0, -a.config.RetentionDays)
	deleted, err := a.cleaner.DeleteReadingsBefore(cutoff)
	if err != nil {
		a.logger.Error("Retention cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		a.logger.Info("Retention cleanup removed old readings", "deleted", deleted, "cutoff", cutoff)
	}
}

// applyCycleResult folds one cycle's outcome into the cumulative state.
func (a *Agent) applyCycleResult(result collector.CycleResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cyclesRun++
	a.totalReadings += result.ReadingsCollected
	a.totalErrors += len(result.Errors)
	a.lastCycle = &result
	a.timeoutMetrics.Merge(result.TimeoutMetrics)

	a.updateOfflineMeters(result)
	a.flagSlowMeters()
}

// updateOfflineMeters tracks meters that failed their connectivity gate this
// cycle and clears the ones seen healthy. Meters absent from this cycle are
// left alone: offline status only clears on an explicit healthy observation.
func (a *Agent) updateOfflineMeters(result collector.CycleResult) {
	now := time.Now()

	failed := make(map[uuid.UUID]bool)
	for _, err := range result.Errors {
		if err.Kind == telemetry.ErrorKindConnectivity {
			failed[err.MeterID] = true
		}
	}
	for _, event := range result.TimeoutMetrics.Events {
		if event.Recovery == telemetry.RecoveryOffline {
			failed[event.MeterID] = true
		}
	}

	for meterID := range failed {
		entry, ok := a.offline[meterID]
		if !ok {
			a.offline[meterID] = &telemetry.OfflineMeterStatus{
				MeterID:             meterID,
				FirstOffline:        now,
				LastChecked:         now,
				ConsecutiveFailures: 1,
			}
			a.logger.Warn("Meter is offline", "meter_id", meterID)
			continue
		}
		entry.LastChecked = now
		entry.ConsecutiveFailures++
	}

	for _, outcome := range result.Meters {
		if outcome.Online && !failed[outcome.MeterID] {
			if _, ok := a.offline[outcome.MeterID]; ok {
				a.logger.Info("Meter is back online", "meter_id", outcome.MeterID)
				delete(a.offline, outcome.MeterID)
			}
		}
	}
}

// flagSlowMeters emits a one-off warning for each meter whose cumulative
// timeout count crosses the configured threshold.
func (a *Agent) flagSlowMeters() {
	for meterID, count := range a.timeoutMetrics.TimeoutsByMeter {
		if count >= a.config.SlowMeterTimeoutCount && !a.slowFlagged[meterID] {
			a.slowFlagged[meterID] = true
			a.logger.Warn("Meter is consistently slow", "meter_id", meterID, "timeouts", count)
		}
	}
}

func (a *Agent) beginCycle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cycleRunning {
		return false
	}
	a.cycleRunning = true
	return true
}

func (a *Agent) endCycle() {
	a.mu.Lock()
	a.cycleRunning = false
	a.mu.Unlock()
}

func (a *Agent) setRunning(running bool) {
	a.mu.Lock()
	a.running = running
	a.mu.Unlock()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/cepro/meteragent/agent"
	"github.com/cepro/meteragent/bacnet"
	"github.com/cepro/meteragent/cache"
	"github.com/cepro/meteragent/collector"
	"github.com/cepro/meteragent/config"
	"github.com/cepro/meteragent/meter"
	"github.com/cepro/meteragent/modbusaccess"
	"github.com/cepro/meteragent/repository"
	"github.com/cepro/meteragent/uplink"
	"github.com/cepro/meteragent/uploader"
)

const defaultKeyEnvVar = "METERAGENT_API_KEY"

func main() {

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "meteragent.json", "path to the configuration file")
	flag.Parse()

	slog.Info("Starting meter reading agent...", "config", *configPath)

	cfg, err := config.Read(*configPath)
	if err != nil {
		slog.Error("Failed to read config", "error", err)
		return
	}

	keyEnvVar := cfg.Remote.KeyEnvVar
	if keyEnvVar == "" {
		keyEnvVar = defaultKeyEnvVar
	}
	apiKey := os.Getenv(keyEnvVar)
	if apiKey == "" {
		slog.Error("Remote API key env var is not set", "env_var", keyEnvVar)
		return
	}

	repo, err := repository.New(cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to open repository", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The BACnet wire codec is provided externally; in emulation mode an
	// in-memory transport serves the configured registers instead.
	var transport bacnet.Transport
	if cfg.Collection.EmulateDevices {
		emulated := bacnet.NewEmulatedTransport()
		defer emulated.Close()
		if err := seedEmulatedDevices(repo, emulated); err != nil {
			slog.Error("Failed to seed emulated devices", "error", err)
			return
		}
		transport = bacnet.Shared(emulated)
	}

	openReader := func(m meter.Meter) (meter.Reader, error) {
		switch m.Protocol {
		case meter.ProtocolModbus:
			return modbusaccess.NewClient(fmt.Sprintf("%s:%d", m.Host, m.Port), 1), nil
		case meter.ProtocolBACnet:
			if transport == nil {
				return nil, fmt.Errorf("no bacnet transport configured")
			}
			return bacnet.NewClient(transport, bacnet.Address{Host: m.Host, Port: m.Port, Device: m.Device}), nil
		}
		return nil, fmt.Errorf("unsupported protocol %q", m.Protocol)
	}

	meterCache := cache.NewMeterCache(repo)
	registerCache := cache.NewRegisterCache(repo)
	batchSizes := collector.NewBatchSizeManager(collector.BatchSizeConfig{
		InitialSize:     cfg.Collection.InitialBatchSize,
		MinSize:         cfg.Collection.MinBatchSize,
		ReductionFactor: cfg.Collection.BatchReductionFactor,
	})

	cycles := collector.NewCycleManager(collector.CycleConfig{
		BatchReadTimeout:      time.Duration(cfg.Collection.BatchReadTimeoutMs) * time.Millisecond,
		SequentialReadTimeout: time.Duration(cfg.Collection.SequentialTimeoutMs) * time.Millisecond,
		MaxBatchRetries:       cfg.Collection.MaxBatchRetries,
	}, meterCache, registerCache, batchSizes, repo, openReader)

	remote := uplink.New(cfg.Remote.Url, apiKey, cfg.Remote.Schema, cfg.Remote.Table)
	if remote.TestConnection() {
		slog.Info("Collection platform is reachable")
	} else {
		slog.Warn("Collection platform is not reachable, readings will be buffered locally")
	}

	uploads := uploader.New(repo, remote, cfg.Upload.BatchSize)

	meterAgent := agent.New(agent.Config{
		CollectInterval:       time.Duration(cfg.Schedule.CollectIntervalSecs) * time.Second,
		UploadCron:            cfg.Schedule.UploadCron,
		CleanupCron:           cfg.Schedule.CleanupCron,
		RetentionDays:         cfg.Schedule.RetentionDays,
		SlowMeterTimeoutCount: cfg.Collection.SlowMeterTimeoutCount,
	}, cycles, uploads, repo)

	if cfg.Schedule.AutoStart {
		go func() {
			if err := meterAgent.Run(ctx); err != nil {
				slog.Error("Agent stopped", "error", err)
			}
		}()
	} else {
		slog.Info("Auto start is disabled, schedules are not running")
	}

	// wait for a ctrl-c interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan

	// cancel any open go-routines and give them up to 100ms to gracefully shutdown
	cancel()
	time.Sleep(time.Millisecond * 100)

	slog.Info("Exiting")
}

// seedEmulatedDevices loads the configured meters and registers and serves a
// plausible value for each register from the emulated transport, so the full
// pipeline can run without physical devices.
func seedEmulatedDevices(repo *repository.Repository, transport *bacnet.EmulatedTransport) error {
	meters, err := repo.Meters(true)
	if err != nil {
		return fmt.Errorf("load meters: %w", err)
	}

	for _, m := range meters {
		if m.Protocol != meter.ProtocolBACnet {
			continue
		}

		// answer the connectivity probe
		transport.SetValue(m.Device, bacnet.PropertyRequest{
			ObjectType:     bacnet.ObjectDevice,
			ObjectInstance: m.Device,
			Property:       bacnet.PropertyObjectName,
		}, m.Name)

		registers, err := repo.DeviceRegisters(m.Device)
		if err != nil {
			return fmt.Errorf("load registers for %s: %w", m.Name, err)
		}
		for i, reg := range registers {
			objectType, err := bacnet.ObjectTypeFromName(reg.ObjectType)
			if err != nil {
				return fmt.Errorf("register %s/%s: %w", m.Name, reg.Field, err)
			}
			transport.SetValue(m.Device, bacnet.PropertyRequest{
				ObjectType:     objectType,
				ObjectInstance: reg.ObjectInstance,
				Property:       bacnet.PropertyPresentValue,
			}, 10.0+float64(i))
		}
	}

	return nil
}

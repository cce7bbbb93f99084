package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type RemoteConfig struct {
	Url string `json:"url"`
	// the pre-shared API key is specified via env var
	KeyEnvVar string `json:"keyEnvVar"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
}

type ScheduleConfig struct {
	CollectIntervalSecs int    `json:"collectIntervalSecs"`
	UploadCron          string `json:"uploadCron"`
	CleanupCron         string `json:"cleanupCron"`
	RetentionDays       int    `json:"retentionDays"`
	AutoStart           bool   `json:"autoStart"`
}

type CollectionConfig struct {
	BatchReadTimeoutMs    int     `json:"batchReadTimeoutMs"`
	SequentialTimeoutMs   int     `json:"sequentialTimeoutMs"`
	MaxBatchRetries       int     `json:"maxBatchRetries"`
	InitialBatchSize      int     `json:"initialBatchSize"` // 0 = all registers at once
	MinBatchSize          int     `json:"minBatchSize"`
	BatchReductionFactor  float64 `json:"batchReductionFactor"`
	SlowMeterTimeoutCount int     `json:"slowMeterTimeoutCount"` // cumulative timeouts before a meter is flagged as consistently slow
	EmulateDevices        bool    `json:"emulateDevices"`
}

type UploadConfig struct {
	BatchSize int `json:"batchSize"`
}

type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Remote     RemoteConfig     `json:"remote"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Collection CollectionConfig `json:"collection"`
	Upload     UploadConfig     `json:"upload"`
}

func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = json.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return config, nil
}

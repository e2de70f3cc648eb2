package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/microlink/mcs/internal/schema"
)

// Defaults applied when the YAML omits a value.
const (
	DefaultSafetyMs = 500
	DefaultFastMs   = 1000
	DefaultNormalMs = 5000
	DefaultSlowMs   = 30000

	DefaultModbusTimeoutMs = 3000
	DefaultSNMPTimeoutMs   = 5000
	DefaultBACnetTimeoutMs = 10000

	DefaultBufferCapacity   = 100000
	DefaultCommitMaxRecords = 1000
	DefaultCommitMaxMs      = 200
	DefaultReplayBatchSize  = 500
	DefaultReplayPauseMs    = 100

	DefaultHeartbeatSeconds   = 30
	DefaultReplayCheckSeconds = 10
	DefaultPublishTimeoutMs   = 10000

	DefaultBatchMaxRows    = 500
	DefaultBatchMaxAgeMs   = 1000
	DefaultBatchHighWater  = 10000
	DefaultCacheTTLSeconds = 300
	DefaultInsertTimeoutMs = 30000
	DefaultDLQPayloadMax   = 4096

	DefaultDeadbandPct             = 0.02
	DefaultShelveMaxHours          = 24
	DefaultShelveSweepSeconds      = 300
	DefaultStaleSweepSeconds       = 60
	DefaultStaleTimeoutMinutes     = 30
	DefaultFloodCount              = 20
	DefaultFloodWindowSeconds      = 60
	DefaultThresholdRefreshSeconds = 300
)

// LoadEdge reads and validates an edge-adapter config.
func LoadEdge(path string, logger *slog.Logger) (*EdgeConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg EdgeConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Site == "" || cfg.Block == "" {
		return nil, fmt.Errorf("edge config: site and block are required")
	}
	applyPollGroupDefaults(&cfg.PollGroups)
	for i := range cfg.Devices {
		dev := &cfg.Devices[i]
		if dev.Name == "" {
			return nil, fmt.Errorf("edge config: device %d has no name", i)
		}
		if dev.TimeoutMs == 0 {
			switch dev.Protocol {
			case "modbus":
				dev.TimeoutMs = DefaultModbusTimeoutMs
			case "snmp":
				dev.TimeoutMs = DefaultSNMPTimeoutMs
			case "bacnet":
				dev.TimeoutMs = DefaultBACnetTimeoutMs
			default:
				return nil, fmt.Errorf("edge config: device %s has unknown protocol %q", dev.Name, dev.Protocol)
			}
		}
		for j := range dev.Points {
			pt := &dev.Points[j]
			if pt.Tag == "" {
				return nil, fmt.Errorf("edge config: device %s point %d has no tag", dev.Name, j)
			}
			if !schema.Subsystems[pt.Subsystem] {
				return nil, fmt.Errorf("edge config: device %s point %s: unknown subsystem %q", dev.Name, pt.Tag, pt.Subsystem)
			}
			if pt.PollGroup == "" {
				pt.PollGroup = "normal"
			}
			if cfg.PollGroups.IntervalMs(pt.PollGroup) == 0 {
				return nil, fmt.Errorf("edge config: device %s point %s: unknown poll group %q", dev.Name, pt.Tag, pt.PollGroup)
			}
			// Register mappings are commonly written in vendor-sheet caps.
			pt.DataType = strings.ToLower(pt.DataType)
			pt.ByteOrder = strings.ToLower(pt.ByteOrder)
			if pt.Scale == 0 {
				pt.Scale = 1
			}
			if pt.CounterScale == 0 {
				pt.CounterScale = 1
			}
			warnNarrowDeadband(logger, pt.Tag, pt.Thresholds)
		}
	}
	return &cfg, nil
}

func applyPollGroupDefaults(p *PollGroupConfig) {
	if p.SafetyMs <= 0 {
		p.SafetyMs = DefaultSafetyMs
	}
	if p.FastMs <= 0 {
		p.FastMs = DefaultFastMs
	}
	if p.NormalMs <= 0 {
		p.NormalMs = DefaultNormalMs
	}
	if p.SlowMs <= 0 {
		p.SlowMs = DefaultSlowMs
	}
}

// warnNarrowDeadband surfaces the numeric-stability concern for percent-form
// deadbands on thresholds near zero.
func warnNarrowDeadband(logger *slog.Logger, tag string, bands []schema.ThresholdBand) {
	for _, b := range bands {
		if math.Abs(b.Value) < 1.0 {
			logger.Warn("percent deadband is unstable near zero; consider deadband_abs",
				"tag", tag, "level", string(b.Level), "threshold", b.Value)
		}
	}
}

// LoadOrchestrator reads and validates an edge-orchestrator config.
func LoadOrchestrator(path string) (*OrchestratorConfig, error) {
	var cfg OrchestratorConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Site == "" || cfg.Block == "" {
		return nil, fmt.Errorf("orchestrator config: site and block are required")
	}
	if cfg.EdgeID == "" {
		host, _ := os.Hostname()
		cfg.EdgeID = host
	}
	if cfg.Buffer.Path == "" {
		return nil, fmt.Errorf("orchestrator config: buffer.path is required")
	}
	if cfg.Buffer.Capacity <= 0 {
		cfg.Buffer.Capacity = DefaultBufferCapacity
	}
	if cfg.Buffer.CommitMaxRecords <= 0 || cfg.Buffer.CommitMaxRecords > 1000 {
		cfg.Buffer.CommitMaxRecords = DefaultCommitMaxRecords
	}
	if cfg.Buffer.CommitMaxMs <= 0 || cfg.Buffer.CommitMaxMs > 200 {
		cfg.Buffer.CommitMaxMs = DefaultCommitMaxMs
	}
	if cfg.Replay.BatchSize <= 0 {
		cfg.Replay.BatchSize = DefaultReplayBatchSize
	}
	if cfg.Replay.BatchPauseMs <= 0 {
		cfg.Replay.BatchPauseMs = DefaultReplayPauseMs
	}
	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if cfg.ReplayCheckSeconds <= 0 {
		cfg.ReplayCheckSeconds = DefaultReplayCheckSeconds
	}
	if cfg.PublishTimeoutMs <= 0 {
		cfg.PublishTimeoutMs = DefaultPublishTimeoutMs
	}
	return &cfg, nil
}

// LoadIngest reads and validates an ingestd config. DatabaseURL falls back to
// the MCS_DATABASE_URL environment variable so credentials can stay out of
// the YAML.
func LoadIngest(path string) (*IngestConfig, error) {
	var cfg IngestConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Site == "" {
		return nil, fmt.Errorf("ingest config: site is required")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("MCS_DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("ingest config: database_url (or MCS_DATABASE_URL) is required")
	}
	if cfg.Batch.MaxRows <= 0 {
		cfg.Batch.MaxRows = DefaultBatchMaxRows
	}
	if cfg.Batch.MaxAgeMs <= 0 {
		cfg.Batch.MaxAgeMs = DefaultBatchMaxAgeMs
	}
	if cfg.Batch.HighWater <= 0 {
		cfg.Batch.HighWater = DefaultBatchHighWater
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if cfg.InsertTimeoutMs <= 0 {
		cfg.InsertTimeoutMs = DefaultInsertTimeoutMs
	}
	if cfg.DLQPayloadMaxBytes <= 0 {
		cfg.DLQPayloadMaxBytes = DefaultDLQPayloadMax
	}
	return &cfg, nil
}

// LoadAlarm reads and validates an alarmd config.
func LoadAlarm(path string) (*AlarmConfig, error) {
	var cfg AlarmConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("MCS_DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("alarm config: database_url (or MCS_DATABASE_URL) is required")
	}
	if cfg.DefaultDeadbandPct <= 0 {
		cfg.DefaultDeadbandPct = DefaultDeadbandPct
	}
	if cfg.ShelveMaxHours <= 0 {
		cfg.ShelveMaxHours = DefaultShelveMaxHours
	}
	if cfg.ShelveRequireReason == nil {
		required := true
		cfg.ShelveRequireReason = &required
	}
	if cfg.ShelveSweepSeconds <= 0 {
		cfg.ShelveSweepSeconds = DefaultShelveSweepSeconds
	}
	if cfg.StaleSweepSeconds <= 0 {
		cfg.StaleSweepSeconds = DefaultStaleSweepSeconds
	}
	if cfg.StaleTimeoutMinutes <= 0 {
		cfg.StaleTimeoutMinutes = DefaultStaleTimeoutMinutes
	}
	if cfg.FloodCount <= 0 {
		cfg.FloodCount = DefaultFloodCount
	}
	if cfg.FloodWindowSeconds <= 0 {
		cfg.FloodWindowSeconds = DefaultFloodWindowSeconds
	}
	if cfg.ThresholdRefreshSeconds <= 0 {
		cfg.ThresholdRefreshSeconds = DefaultThresholdRefreshSeconds
	}
	return &cfg, nil
}

// LoadLivegate reads and validates a livegate config.
func LoadLivegate(path string) (*LivegateConfig, error) {
	var cfg LivegateConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	return &cfg, nil
}

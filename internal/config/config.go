// Package config loads the per-process YAML documents. Each process has its
// own top-level struct; Load* applies defaults and validates before the
// config reaches any constructor.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/microlink/mcs/internal/schema"
)

// BrokerConfig points a process at an MQTT broker.
type BrokerConfig struct {
	Host     string    `yaml:"host"`
	Port     int       `yaml:"port"`
	Username string    `yaml:"username"`
	Password string    `yaml:"password"`
	ClientID string    `yaml:"client_id"`
	TLS      TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to TLS material. Empty means plaintext.
type TLSConfig struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// URI renders the broker address for paho.
func (b BrokerConfig) URI() string {
	scheme := "tcp"
	if b.TLS.CACert != "" {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// RedisConfig points a process at the shared cache / channel store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PollGroupConfig defines the four canonical poll intervals in milliseconds.
type PollGroupConfig struct {
	SafetyMs int `yaml:"safety_ms"`
	FastMs   int `yaml:"fast_ms"`
	NormalMs int `yaml:"normal_ms"`
	SlowMs   int `yaml:"slow_ms"`
}

// IntervalMs returns the interval for a named group, 0 when unknown.
func (p PollGroupConfig) IntervalMs(group string) int {
	switch group {
	case "safety":
		return p.SafetyMs
	case "fast":
		return p.FastMs
	case "normal":
		return p.NormalMs
	case "slow":
		return p.SlowMs
	}
	return 0
}

// PointConfig maps one physical point to a sensor tag. The protocol-specific
// address fields are a union; only the block matching the device protocol is
// read.
type PointConfig struct {
	Tag       string  `yaml:"tag"`
	Subsystem string  `yaml:"subsystem"`
	Unit      string  `yaml:"unit"`
	Scale     float64 `yaml:"scale"`
	Offset    float64 `yaml:"offset"`
	RangeMin  float64 `yaml:"range_min"`
	RangeMax  float64 `yaml:"range_max"`
	PollGroup string  `yaml:"poll_group"`

	Thresholds []schema.ThresholdBand `yaml:"thresholds"`

	// Modbus
	Register  int    `yaml:"register"`
	DataType  string `yaml:"data_type"`
	ByteOrder string `yaml:"byte_order"`

	// SNMP
	OID          string  `yaml:"oid"`
	SNMPKind     string  `yaml:"snmp_kind"`
	CounterScale float64 `yaml:"counter_scale"`

	// BACnet
	ObjectType string `yaml:"object_type"`
	Instance   uint32 `yaml:"instance"`
	COV        bool   `yaml:"cov"`
}

// DeviceConfig is one physical device the adapter polls.
type DeviceConfig struct {
	Name      string        `yaml:"name"`
	Protocol  string        `yaml:"protocol"` // modbus | snmp | bacnet
	Address   string        `yaml:"address"`
	TimeoutMs int           `yaml:"timeout_ms"`
	Points    []PointConfig `yaml:"points"`

	// Modbus
	UnitID byte `yaml:"unit_id"`

	// SNMP
	Community   string `yaml:"community"`
	SNMPVersion string `yaml:"snmp_version"` // 2c | 3
	V3User      string `yaml:"v3_user"`
	V3AuthPass  string `yaml:"v3_auth_pass"`
	V3PrivPass  string `yaml:"v3_priv_pass"`

	// BACnet
	DeviceID uint32 `yaml:"device_id"`
}

// EdgeConfig drives one edge-adapter process.
type EdgeConfig struct {
	Site       string          `yaml:"site"`
	Block      string          `yaml:"block"`
	Broker     BrokerConfig    `yaml:"broker"`
	PollGroups PollGroupConfig `yaml:"poll_groups"`
	Devices    []DeviceConfig  `yaml:"devices"`
}

// BufferConfig sizes the store-and-forward ring.
type BufferConfig struct {
	Path             string `yaml:"path"`
	Capacity         int    `yaml:"capacity"`
	CommitMaxRecords int    `yaml:"commit_max_records"`
	CommitMaxMs      int    `yaml:"commit_max_ms"`
}

// ReplayConfig throttles buffer replay toward the cloud.
type ReplayConfig struct {
	BatchSize    int `yaml:"batch_size"`
	BatchPauseMs int `yaml:"batch_pause_ms"`
}

// OrchestratorConfig drives the edge-orchestrator process.
type OrchestratorConfig struct {
	Site        string       `yaml:"site"`
	Block       string       `yaml:"block"`
	EdgeID      string       `yaml:"edge_id"`
	LocalBroker BrokerConfig `yaml:"local_broker"`
	CloudBroker BrokerConfig `yaml:"cloud_broker"`
	Buffer      BufferConfig `yaml:"buffer"`
	Replay      ReplayConfig `yaml:"replay"`

	HeartbeatSeconds   int `yaml:"heartbeat_seconds"`
	ReplayCheckSeconds int `yaml:"replay_check_seconds"`
	PublishTimeoutMs   int `yaml:"publish_timeout_ms"`

	// DownstreamKinds lists command kinds owned by a downstream controller.
	// They are relayed to the local broker and acknowledged, not serviced.
	DownstreamKinds []string `yaml:"downstream_kinds"`
}

// BatchConfig sizes the ingestion batch writer.
type BatchConfig struct {
	MaxRows   int `yaml:"max_rows"`
	MaxAgeMs  int `yaml:"max_age_ms"`
	HighWater int `yaml:"high_water"`
}

// IngestConfig drives the ingestd process.
type IngestConfig struct {
	Site        string       `yaml:"site"`
	Broker      BrokerConfig `yaml:"broker"`
	Redis       RedisConfig  `yaml:"redis"`
	DatabaseURL string       `yaml:"database_url"`
	Batch       BatchConfig  `yaml:"batch"`
	MetricsAddr string       `yaml:"metrics_addr"`

	CacheTTLSeconds    int `yaml:"cache_ttl_seconds"`
	InsertTimeoutMs    int `yaml:"insert_timeout_ms"`
	DLQPayloadMaxBytes int `yaml:"dlq_payload_max_bytes"`
}

// CascadeRuleConfig declares one cause→effects suppression relationship.
type CascadeRuleConfig struct {
	CausePattern     string   `yaml:"cause_pattern"`
	CauseSubsystem   string   `yaml:"cause_subsystem"`
	EffectPatterns   []string `yaml:"effect_patterns"`
	EffectSubsystems []string `yaml:"effect_subsystems"`
	Description      string   `yaml:"description"`
}

// AlarmConfig drives the alarmd process.
type AlarmConfig struct {
	Redis       RedisConfig `yaml:"redis"`
	DatabaseURL string      `yaml:"database_url"`
	MetricsAddr string      `yaml:"metrics_addr"`

	DefaultDeadbandPct      float64 `yaml:"default_deadband_pct"`
	ShelveMaxHours          int     `yaml:"shelve_max_hours"`
	ShelveRequireReason     *bool   `yaml:"shelve_require_reason"`
	ShelveSweepSeconds      int     `yaml:"shelve_sweep_seconds"`
	StaleSweepSeconds       int     `yaml:"stale_sweep_seconds"`
	StaleTimeoutMinutes     int     `yaml:"stale_timeout_minutes"`
	FloodCount              int     `yaml:"flood_count"`
	FloodWindowSeconds      int     `yaml:"flood_window_seconds"`
	ThresholdRefreshSeconds int     `yaml:"threshold_refresh_seconds"`

	CascadeRules []CascadeRuleConfig `yaml:"cascade_rules"`
}

// LivegateConfig drives the livegate fan-out process.
type LivegateConfig struct {
	Redis      RedisConfig `yaml:"redis"`
	ListenAddr string      `yaml:"listen_addr"`
}

func decodeFile(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

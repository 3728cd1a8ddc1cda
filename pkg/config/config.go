// Package config loads and serves the single operator-edited nox
// configuration document: a schema-versioned YAML file, held in a
// mutex-protected process-wide singleton and round-tripped through
// GET|PUT /system/config. YAML because this document is meant for a human
// to edit, not a program-to-program API.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"nox/pkg/proto"
)

// CurrentSchemaVersion is bumped whenever a released field is added,
// renamed or removed. Loaders reject documents from a newer schema.
const CurrentSchemaVersion = 1

// SupervisorConfig tunes the Process Supervisor.
type SupervisorConfig struct {
	CheckIntervalMs       int64   `yaml:"checkIntervalMs"`
	UnresponsiveTimeoutMs int64   `yaml:"unresponsiveTimeoutMs"`
	CPUThresholdPercent   float64 `yaml:"cpuThresholdPercent"`
	MemoryThresholdMB     int64   `yaml:"memoryThresholdMB"`
	RestartBaseMs         int64   `yaml:"restartBaseMs"`
	RestartFactor         float64 `yaml:"restartFactor"`
	RestartCapMs          int64   `yaml:"restartCapMs"`
	MaxRestartAttempts    int     `yaml:"maxRestartAttempts"`
	RestartWindowMs       int64   `yaml:"restartWindowMs"`
	StartupTimeoutMs      int64   `yaml:"startupTimeoutMs"`
}

// BrokerConfig tunes the Message Broker.
type BrokerConfig struct {
	QueueCapacity   int `yaml:"queueCapacity"`
	WorkerCount     int `yaml:"workerCount"`
	HistoryPerAgent int `yaml:"historyPerAgent"`
}

// ApprovalConfig tunes the Approval Manager.
type ApprovalConfig struct {
	SweepIntervalMs   int64 `yaml:"sweepIntervalMs"`
	DefaultTTLMinutes int64 `yaml:"defaultTtlMinutes"`
}

// EventBusConfig tunes per-subscriber backpressure.
type EventBusConfig struct {
	SubscriberBufferSize int `yaml:"subscriberBufferSize"`
}

// FanoutConfig tunes the WebSocket observer fanout.
type FanoutConfig struct {
	PingIntervalMs int64 `yaml:"pingIntervalMs"`
	IdleTimeoutMs  int64 `yaml:"idleTimeoutMs"`
}

// ServerConfig is the listen configuration for the REST/WebSocket adapter.
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	WebUIUser         string `yaml:"webUiUser"`
	WebUIPasswordHash string `yaml:"webUiPasswordHash,omitempty"`
	ShutdownTimeoutMs int64  `yaml:"shutdownTimeoutMs"`
}

// RuntimeConfig tunes the container runtime driver (internal/rtdriver).
type RuntimeConfig struct {
	Binary                string `yaml:"binary"` // not read: rtdriver.New always auto-detects, docker before podman
	IdleCleanupIntervalMs int64  `yaml:"idleCleanupIntervalMs"`
	IdleThresholdMs       int64  `yaml:"idleThresholdMs"`
}

// MetricsConfig tunes the metrics sampler.
type MetricsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SampleIntervalMs int64  `yaml:"sampleIntervalMs"`
	SQLitePath       string `yaml:"sqlitePath"`
	PrometheusAddr   string `yaml:"prometheusAddr"`
}

// Config is the full, versioned document persisted at
// workingDir/.nox-registry/../config.yaml (alongside, not inside, the
// registry itself) and served verbatim by GET|PUT /system/config.
type Config struct {
	SchemaVersion int              `yaml:"schemaVersion"`
	WorkingDir    string           `yaml:"workingDir"`
	GitJournal    bool             `yaml:"gitJournal"`
	Server        ServerConfig     `yaml:"server"`
	Supervisor    SupervisorConfig `yaml:"supervisor"`
	Broker        BrokerConfig     `yaml:"broker"`
	Approval      ApprovalConfig   `yaml:"approval"`
	EventBus      EventBusConfig   `yaml:"eventBus"`
	Fanout        FanoutConfig     `yaml:"fanout"`
	Runtime       RuntimeConfig    `yaml:"runtime"`
	Metrics       MetricsConfig    `yaml:"metrics"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		SchemaVersion: CurrentSchemaVersion,
		WorkingDir:    ".",
		GitJournal:    false,
		Server: ServerConfig{
			Addr:              ":8080",
			WebUIUser:         "admin",
			ShutdownTimeoutMs: 10000,
		},
		Supervisor: SupervisorConfig{
			CheckIntervalMs:       5000,
			UnresponsiveTimeoutMs: 30000,
			CPUThresholdPercent:   80,
			MemoryThresholdMB:     500,
			RestartBaseMs:         1000,
			RestartFactor:         2,
			RestartCapMs:          60000,
			MaxRestartAttempts:    5,
			RestartWindowMs:       10 * 60 * 1000,
			StartupTimeoutMs:      15000,
		},
		Broker: BrokerConfig{
			QueueCapacity:   10000,
			WorkerCount:     4,
			HistoryPerAgent: 1000,
		},
		Approval: ApprovalConfig{
			SweepIntervalMs:   30000,
			DefaultTTLMinutes: int64(proto.DefaultApprovalTTL / time.Minute),
		},
		EventBus: EventBusConfig{
			SubscriberBufferSize: 256,
		},
		Fanout: FanoutConfig{
			PingIntervalMs: 30000,
			IdleTimeoutMs:  60000,
		},
		Runtime: RuntimeConfig{
			IdleCleanupIntervalMs: 60000,
			IdleThresholdMs:       30 * 60 * 1000,
		},
		Metrics: MetricsConfig{
			Enabled:          true,
			SampleIntervalMs: 10000,
			SQLitePath:       "metrics/metrics.db",
			PrometheusAddr:   ":9090",
		},
	}
}

// store is the process-wide singleton with atomic Get/Update access.
type store struct {
	mu  sync.RWMutex
	cur Config
}

var global = &store{cur: Default()}

// Get returns a value copy of the current configuration. Callers never
// receive a pointer into the singleton, so concurrent readers can't race
// with an in-flight Update.
func Get() Config {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.cur
}

// Update atomically replaces the current configuration after validating
// it. This backs PUT /system/config.
func Update(next Config) error {
	if err := Validate(next); err != nil {
		return err
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	global.cur = next
	return nil
}

// Validate rejects documents that are internally inconsistent or from an
// unsupported schema version.
func Validate(c Config) error {
	if c.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("config schema version %d is newer than supported %d", c.SchemaVersion, CurrentSchemaVersion)
	}
	if c.Broker.QueueCapacity <= 0 {
		return fmt.Errorf("broker.queueCapacity must be positive")
	}
	if c.Broker.WorkerCount <= 0 {
		return fmt.Errorf("broker.workerCount must be positive")
	}
	if c.EventBus.SubscriberBufferSize <= 0 {
		return fmt.Errorf("eventBus.subscriberBufferSize must be positive")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	return nil
}

// Load reads and parses a YAML configuration document from path, then sets
// it as the process-wide singleton. Missing schemaVersion defaults to
// CurrentSchemaVersion for documents hand-written before versioning was
// load-bearing.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	if err := Update(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save renders cfg as YAML and writes it atomically (write-temp-then-rename)
// to path, matching the crash-consistency discipline the registry store
// uses for its own files.
func Save(path string, cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("writing config temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming config temp file: %w", err)
	}
	return nil
}

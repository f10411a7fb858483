package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the evolution engine.
// It is loaded from ~/.cortex/evolution.yaml and can be overridden by environment variables.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Normalizer  NormalizerConfig  `mapstructure:"normalizer" yaml:"normalizer"`
	Graph       GraphConfig       `mapstructure:"graph" yaml:"graph"`
	Decay       DecayConfig       `mapstructure:"decay" yaml:"decay"`
	Capability  CapabilityConfig  `mapstructure:"capability" yaml:"capability"`
	Cascade     CascadeConfig     `mapstructure:"cascade" yaml:"cascade"`
	EventLog    EventLogConfig    `mapstructure:"event_log" yaml:"event_log"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	File   string `mapstructure:"file" yaml:"file"`
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// NormalizerConfig controls how raw concept labels and weights are cleaned
// before they reach the graph.
type NormalizerConfig struct {
	MinLabelLength int     `mapstructure:"min_label_length" yaml:"min_label_length"`
	MinWeight      float64 `mapstructure:"min_weight" yaml:"min_weight"`
	MaxWeight      float64 `mapstructure:"max_weight" yaml:"max_weight"`

	// Stopwords replaces the built-in English list when non-empty.
	Stopwords []string `mapstructure:"stopwords" yaml:"stopwords"`
}

// GraphConfig contains graph store tuning.
type GraphConfig struct {
	// ReinforcementFactor scales min(wA, wB) when a co-occurring pair is reinforced.
	ReinforcementFactor float64 `mapstructure:"reinforcement_factor" yaml:"reinforcement_factor"`
}

// DecayConfig contains the periodic weight decay settings.
type DecayConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	Factor    float64       `mapstructure:"factor" yaml:"factor"`
	MinWeight float64       `mapstructure:"min_weight" yaml:"min_weight"`
}

// CapabilityConfig contains the normalization targets for capability scores.
type CapabilityConfig struct {
	BreadthTarget   float64       `mapstructure:"breadth_target" yaml:"breadth_target"`
	DepthTarget     float64       `mapstructure:"depth_target" yaml:"depth_target"`
	RecencyHalfLife time.Duration `mapstructure:"recency_half_life" yaml:"recency_half_life"`
	Milestones      []float64     `mapstructure:"milestones" yaml:"milestones"`
}

// CascadeConfig contains cluster detection settings.
type CascadeConfig struct {
	WeightThreshold float64 `mapstructure:"weight_threshold" yaml:"weight_threshold"`

	// EveryConcepts and EveryConnections trigger an automatic cascade each
	// time the count crosses a multiple. Zero disables the trigger.
	EveryConcepts    int           `mapstructure:"every_concepts" yaml:"every_concepts"`
	EveryConnections int           `mapstructure:"every_connections" yaml:"every_connections"`
	AutoTrigger      bool          `mapstructure:"auto_trigger" yaml:"auto_trigger"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MaintenanceInterval schedules a periodic cascade. Zero disables it.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" yaml:"maintenance_interval"`
}

// EventLogConfig contains event log retention settings.
type EventLogConfig struct {
	MaxEvents    int `mapstructure:"max_events" yaml:"max_events"`
	RecentEvents int `mapstructure:"recent_events" yaml:"recent_events"` // K returned by status
}

// PersistenceConfig contains the SQLite store settings.
type PersistenceConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Driver        string        `mapstructure:"driver" yaml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	DBPath        string        `mapstructure:"db_path" yaml:"db_path"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout" yaml:"flush_timeout"`
}

// ServerConfig contains the HTTP API settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	IngestRate      float64       `mapstructure:"ingest_rate" yaml:"ingest_rate"` // requests per second
	IngestBurst     int           `mapstructure:"ingest_burst" yaml:"ingest_burst"`
	StreamReplay    int           `mapstructure:"stream_replay" yaml:"stream_replay"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// TelemetryConfig contains OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Supported database drivers.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	cortexDir := filepath.Join(homeDir, ".cortex")

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(cortexDir, "logs", "evolution.log"),
			Format: "console",
		},
		Normalizer: NormalizerConfig{
			MinLabelLength: 2,
			MinWeight:      0.01,
			MaxWeight:      10,
			Stopwords:      []string{},
		},
		Graph: GraphConfig{
			ReinforcementFactor: 0.1,
		},
		Decay: DecayConfig{
			Enabled:   true,
			Interval:  10 * time.Minute,
			Factor:    0.95,
			MinWeight: 0.05,
		},
		Capability: CapabilityConfig{
			BreadthTarget:   500,
			DepthTarget:     10,
			RecencyHalfLife: 24 * time.Hour,
			Milestones:      []float64{0.25, 0.5, 0.75, 1.0},
		},
		Cascade: CascadeConfig{
			WeightThreshold:  0.5,
			EveryConcepts:    100,
			EveryConnections: 500,
			AutoTrigger:      true,
			Timeout:          5 * time.Second,
		},
		EventLog: EventLogConfig{
			MaxEvents:    1000,
			RecentEvents: 20,
		},
		Persistence: PersistenceConfig{
			Enabled:       true,
			Driver:        DriverModernc,
			DBPath:        filepath.Join(cortexDir, "evolution.db"),
			FlushInterval: time.Minute,
			FlushTimeout:  10 * time.Second,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:7411",
			RequestTimeout:  30 * time.Second,
			IngestRate:      50,
			IngestBurst:     100,
			StreamReplay:    50,
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "cortex-evolution",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cortex", "evolution.yaml"), nil
}

// Load reads configuration from the default location (~/.cortex/evolution.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: CORTEX_EVOLUTION_DECAY_FACTOR=0.9
	v.SetEnvPrefix("CORTEX_EVOLUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so keys missing from an older file keep their values.
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Persistence.DBPath = expandPath(cfg.Persistence.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return cfg, nil
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// YAML renders the configuration the way it is written to disk.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// EnsureDirectories creates the directories for the log file and database.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	if c.Persistence.Enabled && c.Persistence.DBPath != "" {
		dirs = append(dirs, filepath.Dir(c.Persistence.DBPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format '%s', must be 'console' or 'json'", c.Logging.Format)
	}

	// Normalizer
	if c.Normalizer.MinLabelLength < 1 {
		return fmt.Errorf("normalizer.min_label_length must be at least 1")
	}
	if c.Normalizer.MinWeight <= 0 || c.Normalizer.MaxWeight < c.Normalizer.MinWeight {
		return fmt.Errorf("normalizer weights must satisfy 0 < min_weight <= max_weight")
	}

	// Graph
	if c.Graph.ReinforcementFactor < 0 {
		return fmt.Errorf("graph.reinforcement_factor cannot be negative")
	}

	// Decay
	if c.Decay.Factor <= 0 || c.Decay.Factor >= 1 {
		return fmt.Errorf("decay.factor must be in (0, 1), got %v", c.Decay.Factor)
	}
	if c.Decay.MinWeight < 0 {
		return fmt.Errorf("decay.min_weight cannot be negative")
	}
	if c.Decay.Enabled && c.Decay.Interval <= 0 {
		return fmt.Errorf("decay.interval must be positive when decay is enabled")
	}

	// Capability
	if c.Capability.BreadthTarget <= 0 || c.Capability.DepthTarget <= 0 {
		return fmt.Errorf("capability targets must be positive")
	}
	if c.Capability.RecencyHalfLife <= 0 {
		return fmt.Errorf("capability.recency_half_life must be positive")
	}
	for _, m := range c.Capability.Milestones {
		if m <= 0 || m > 1 {
			return fmt.Errorf("capability milestone %v outside (0, 1]", m)
		}
	}

	// Cascade
	if c.Cascade.WeightThreshold < 0 {
		return fmt.Errorf("cascade.weight_threshold cannot be negative")
	}
	if c.Cascade.EveryConcepts < 0 || c.Cascade.EveryConnections < 0 {
		return fmt.Errorf("cascade trigger intervals cannot be negative")
	}
	if c.Cascade.Timeout <= 0 {
		return fmt.Errorf("cascade.timeout must be positive")
	}

	if c.EventLog.MaxEvents < 1 {
		return fmt.Errorf("event_log.max_events must be at least 1")
	}
	if c.EventLog.RecentEvents < 0 {
		return fmt.Errorf("event_log.recent_events cannot be negative")
	}

	// Persistence
	if c.Persistence.Enabled {
		if c.Persistence.Driver != DriverModernc && c.Persistence.Driver != DriverCGO {
			return fmt.Errorf("invalid persistence driver '%s', must be '%s' or '%s'",
				c.Persistence.Driver, DriverModernc, DriverCGO)
		}
		if c.Persistence.DBPath == "" {
			return fmt.Errorf("persistence.db_path cannot be empty")
		}
		if c.Persistence.FlushInterval <= 0 {
			return fmt.Errorf("persistence.flush_interval must be positive")
		}
	}

	if c.Server.IngestRate <= 0 || c.Server.IngestBurst < 1 {
		return fmt.Errorf("server ingest rate and burst must be positive")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

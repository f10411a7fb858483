// Package config provides configuration management for the evolution engine.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.cortex/evolution.yaml and is automatically
// created with defaults on first use. The file structure mirrors the Go
// structs defined in this package.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the CORTEX_EVOLUTION_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - CORTEX_EVOLUTION_DECAY_FACTOR=0.9
//   - CORTEX_EVOLUTION_DECAY_INTERVAL=5m
//   - CORTEX_EVOLUTION_PERSISTENCE_DRIVER=sqlite3
//   - CORTEX_EVOLUTION_LOGGING_LEVEL=debug
//
// # Configuration Sections
//
//   - Logging: log level, format and output file
//   - Normalizer: label length, weight clamp range and stopwords
//   - Graph: connection reinforcement
//   - Decay: periodic weight decay interval, factor and floor
//   - Capability: breadth/depth targets, recency half-life, milestones
//   - Cascade: cluster weight threshold and automatic triggers
//   - EventLog: retention cap and recent window size
//   - Persistence: SQLite driver, path and flush cadence
//   - Server: HTTP address, timeouts and ingest rate limit
//   - Telemetry: OpenTelemetry exporters
//
// # Durations
//
// Durations accept Go duration strings ("10m") as well as the nanosecond
// integers yaml.v3 writes when the default file is generated.
//
// # Path Expansion
//
// The package expands ~ to the user's home directory in the database and
// log file paths.
//
// # Thread Safety
//
// Config instances are not thread-safe. The engine copies the values it needs
// at construction time.
package config

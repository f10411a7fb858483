// Package server exposes the evolution engine over HTTP: ingestion, status,
// maintenance triggers, metrics and a live event stream.
package server

import (
	"time"

	"github.com/normanking/cortex-evolution/internal/cascade"
	"github.com/normanking/cortex-evolution/internal/metrics"
	"github.com/normanking/cortex-evolution/internal/scheduler"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds HTTP server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:7411)
	Addr string

	// RequestTimeout bounds every non-streaming request (default: 30s)
	RequestTimeout time.Duration

	// IngestRate and IngestBurst limit POST /v1/ingest across all clients
	IngestRate  float64
	IngestBurst int

	// StreamReplay is how many past events a new stream client receives
	StreamReplay int

	// ShutdownTimeout is the graceful shutdown timeout (default: 5s)
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults for the server.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:7411",
		RequestTimeout:  30 * time.Second,
		IngestRate:      50,
		IngestBurst:     100,
		StreamReplay:    50,
		ShutdownTimeout: 5 * time.Second,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// API RESPONSE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Uptime      string `json:"uptime"`
	Degraded    bool   `json:"degraded"`
	Persistence string `json:"persistence"`
}

// CascadeResponse is returned by POST /v1/cascade.
type CascadeResponse struct {
	Clusters   []cascade.Cluster `json:"clusters"`
	Busy       bool              `json:"busy"`
	RunID      string            `json:"run_id,omitempty"`
	Generation uint64            `json:"generation"`
	Threshold  float64           `json:"threshold"`
	DurationMs int64             `json:"duration_ms"`
}

// DecayResponse is returned by POST /v1/decay.
type DecayResponse struct {
	Factor               float64 `json:"factor"`
	MinWeight            float64 `json:"min_weight"`
	ConceptsRemoved      int     `json:"concepts_removed"`
	ConnectionsRemoved   int     `json:"connections_removed"`
	ConceptsRemaining    int     `json:"concepts_remaining"`
	ConnectionsRemaining int     `json:"connections_remaining"`
	Generation           uint64  `json:"generation"`
}

// FlushResponse is returned by POST /v1/flush.
type FlushResponse struct {
	Concepts       int    `json:"concepts"`
	Connections    int    `json:"connections"`
	EventsAppended int    `json:"events_appended"`
	EventsPruned   int    `json:"events_pruned"`
	LastEventID    int64  `json:"last_event_id"`
	DurationMs     int64  `json:"duration_ms"`
	Persistence    string `json:"persistence"` // "sqlite" or "disabled"
}

// MetricsResponse is returned by GET /v1/metrics.
type MetricsResponse struct {
	Timestamp string               `json:"timestamp"`
	Events    *metrics.Stats       `json:"events,omitempty"`
	Log       EventLogStats        `json:"event_log"`
	Cascade   CascadeStats         `json:"cascade"`
	Jobs      []scheduler.JobStats `json:"jobs"`
	Stream    StreamStats          `json:"stream"`
}

// EventLogStats summarizes the in-memory event log.
type EventLogStats struct {
	Retained  int   `json:"retained"`
	MaxEvents int   `json:"max_events"`
	Appended  int64 `json:"appended"`
	Dropped   int64 `json:"dropped"`
	LastID    int64 `json:"last_id"`
}

// CascadeStats summarizes detector activity.
type CascadeStats struct {
	Completed int64 `json:"completed"`
	Busy      int64 `json:"busy"`
	Running   bool  `json:"running"`
}

// StreamStats summarizes websocket clients.
type StreamStats struct {
	Clients int `json:"clients"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

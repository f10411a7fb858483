// Package graph holds the weighted concept co-occurrence graph. All mutations
// go through a single writer lock; readers use an immutable snapshot that is
// swapped atomically after every commit.
package graph

import (
	"time"
)

// Concept is a normalized label with an accumulated weight.
type Concept struct {
	ID        int64     `json:"id"`
	Label     string    `json:"label"`
	Weight    float64   `json:"weight"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Connection links two concepts that appeared in the same batch. A is always
// the smaller id.
type Connection struct {
	A              int64     `json:"a"`
	B              int64     `json:"b"`
	Weight         float64   `json:"weight"`
	LastReinforced time.Time `json:"last_reinforced"`
}

type pairKey struct{ a, b int64 }

// Canonical orders a pair so the smaller id comes first.
func Canonical(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// State is the plain row form of the graph used for persistence.
type State struct {
	Concepts    []Concept
	Connections []Connection
}

// Metric names used by count milestones.
const (
	MetricConcepts    = "concepts"
	MetricConnections = "connections"
)

// Milestone records a count crossing a configured multiple.
type Milestone struct {
	Metric string `json:"metric"`
	Mark   int    `json:"mark"`
}

// IngestResult summarizes one IngestBatch call.
type IngestResult struct {
	NewConcepts           []Concept
	ReinforcedConcepts    int
	ConnectionsCreated    int
	ConnectionsReinforced int
	Milestones            []Milestone

	Generation      uint64
	ConceptCount    int
	ConnectionCount int
}

// ConnectionsTouched returns the number of connections created or reinforced.
func (r IngestResult) ConnectionsTouched() int {
	return r.ConnectionsCreated + r.ConnectionsReinforced
}

// DecayResult summarizes one ApplyDecay call.
type DecayResult struct {
	Factor               float64
	MinWeight            float64
	ConceptsRemoved      int
	ConnectionsRemoved   int
	ConceptsRemaining    int
	ConnectionsRemaining int
	Generation           uint64
}

// CompactResult summarizes one Compact call.
type CompactResult struct {
	ConceptsRemoved    int
	ConnectionsRemoved int
	Generation         uint64
}

// Changed reports whether compaction removed anything.
func (r CompactResult) Changed() bool {
	return r.ConceptsRemoved+r.ConnectionsRemoved > 0
}

// RestoreResult summarizes one Restore call.
type RestoreResult struct {
	Concepts    int
	Connections int
	Skipped     int
	NextID      int64
	Generation  uint64
}

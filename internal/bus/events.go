// Package bus provides the evolution event log: an append-only, capped,
// ordered record of notable growth events with asynchronous subscribers.
package bus

import (
	"fmt"
	"time"
)

// Kind is the type of an evolution event.
type Kind string

const (
	KindNewConcept       Kind = "new_concept"
	KindThresholdCrossed Kind = "threshold_crossed"
	KindCascadeCompleted Kind = "cascade_completed"
	KindDecayApplied     Kind = "decay_applied"
)

// Kinds lists every event kind in display order.
var Kinds = []Kind{
	KindNewConcept,
	KindThresholdCrossed,
	KindCascadeCompleted,
	KindDecayApplied,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is a single entry in the evolution log.
type Event struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        Kind           `json:"kind"`
	Description string         `json:"description"`
	ClusterSize *int           `json:"cluster_size,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`

	// Generation is the graph generation the event belongs to.
	Generation uint64 `json:"generation"`
}

// NewEvent creates an event of the given kind. ID and Timestamp are assigned
// by the log on Append unless already set.
func NewEvent(kind Kind, description string) Event {
	return Event{Kind: kind, Description: description}
}

// WithClusterSize sets the cluster size carried by cascade events.
func (e Event) WithClusterSize(n int) Event {
	e.ClusterSize = &n
	return e
}

// WithExtra adds a key to the event's extra data.
func (e Event) WithExtra(key string, value any) Event {
	extra := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	e.Extra = extra
	return e
}

// WithGeneration tags the event with a graph generation.
func (e Event) WithGeneration(gen uint64) Event {
	e.Generation = gen
	return e
}

// At sets the event timestamp.
func (e Event) At(ts time.Time) Event {
	e.Timestamp = ts
	return e
}

func (e Event) String() string {
	return fmt.Sprintf("#%d %s %s: %s", e.ID, e.Timestamp.Format(time.RFC3339), e.Kind, e.Description)
}

package engine

import (
	"time"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/graph"
	"github.com/normanking/cortex-evolution/internal/normalize"
)

// StatusResponse is a consistent view of the engine built from one snapshot.
type StatusResponse struct {
	ConceptCount    int                `json:"concept_count"`
	ConnectionCount int                `json:"connection_count"`
	NetworkDensity  float64            `json:"network_density"`
	Capabilities    map[string]float64 `json:"capabilities"`
	EvolutionScore  float64            `json:"evolution_score"`
	RecentEvents    []bus.Event        `json:"recent_events"`
	Generation      uint64             `json:"generation"`
	Degraded        bool               `json:"degraded"`
	LastFlush       *time.Time         `json:"last_flush,omitempty"`
}

// Status reports counts, capability levels and the most recent events. All
// numbers come from the same snapshot, and events committed after it are
// left out.
func (e *Engine) Status() StatusResponse {
	snap := e.graph.Snapshot()
	caps := e.scorer.Score(snap, e.now())

	k := e.cfg.EventLog.RecentEvents
	if k <= 0 {
		k = 20
	}

	return StatusResponse{
		ConceptCount:    snap.ConceptCount(),
		ConnectionCount: snap.ConnectionCount(),
		NetworkDensity:  snap.Density(),
		Capabilities:    caps.Map(),
		EvolutionScore:  caps.Overall(),
		RecentEvents:    e.events.RecentUpTo(k, snap.Generation()),
		Generation:      snap.Generation(),
		Degraded:        e.degraded.Load(),
		LastFlush:       e.flushedAt.Load(),
	}
}

// ConceptView is one concept with its strongest neighbours.
type ConceptView struct {
	Concept    graph.Concept    `json:"concept"`
	Degree     int              `json:"degree"`
	Neighbors  []graph.Neighbor `json:"neighbors"`
	Generation uint64           `json:"generation"`
}

// Concept looks up a concept by label and returns up to k neighbours
// ordered by connection weight.
func (e *Engine) Concept(label string, k int) (ConceptView, bool) {
	snap := e.graph.Snapshot()
	c, ok := snap.ConceptByLabel(normalize.Label(label))
	if !ok {
		return ConceptView{}, false
	}

	return ConceptView{
		Concept:    c,
		Degree:     snap.Degree(c.ID),
		Neighbors:  snap.Neighbors(c.ID, k),
		Generation: snap.Generation(),
	}, true
}

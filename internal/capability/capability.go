// Package capability derives [0,1] capability levels from the shape of a
// graph snapshot. Scores are never stored as primary state; they are always
// recomputed from a snapshot.
package capability

import (
	"math"
	"time"

	"github.com/normanking/cortex-evolution/internal/graph"
)

// Name identifies a capability.
type Name string

const (
	Breadth      Name = "breadth"
	Depth        Name = "depth"
	Connectivity Name = "connectivity"
	Recency      Name = "recency"
)

// Names lists the capabilities in display order.
var Names = []Name{Breadth, Depth, Connectivity, Recency}

// Level is one scored capability.
type Level struct {
	Name        Name      `json:"name"`
	Level       float64   `json:"level"`
	LastUpdated time.Time `json:"last_updated"`
}

// Capabilities holds one level per capability, computed from the same snapshot.
type Capabilities struct {
	Breadth      float64
	Depth        float64
	Connectivity float64
	Recency      float64

	Generation uint64
	ComputedAt time.Time
}

// Get returns the level of a capability by name.
func (c Capabilities) Get(name Name) float64 {
	switch name {
	case Breadth:
		return c.Breadth
	case Depth:
		return c.Depth
	case Connectivity:
		return c.Connectivity
	case Recency:
		return c.Recency
	}
	return 0
}

// With returns a copy of c with one level replaced. Unknown names are ignored.
func (c Capabilities) With(name Name, level float64) Capabilities {
	level = clamp(level)
	switch name {
	case Breadth:
		c.Breadth = level
	case Depth:
		c.Depth = level
	case Connectivity:
		c.Connectivity = level
	case Recency:
		c.Recency = level
	}
	return c
}

// FromLevels rebuilds Capabilities from persisted rows.
func FromLevels(levels []Level) Capabilities {
	var c Capabilities
	for _, l := range levels {
		c = c.With(l.Name, l.Level)
		if l.LastUpdated.After(c.ComputedAt) {
			c.ComputedAt = l.LastUpdated
		}
	}
	return c
}

// Overall is the evolution score: the mean of the four levels.
func (c Capabilities) Overall() float64 {
	return (c.Breadth + c.Depth + c.Connectivity + c.Recency) / float64(len(Names))
}

// Map returns the levels keyed by name.
func (c Capabilities) Map() map[string]float64 {
	out := make(map[string]float64, len(Names))
	for _, n := range Names {
		out[string(n)] = c.Get(n)
	}
	return out
}

// Levels returns the levels as rows, stamped with ComputedAt.
func (c Capabilities) Levels() []Level {
	out := make([]Level, 0, len(Names))
	for _, n := range Names {
		out = append(out, Level{Name: n, Level: c.Get(n), LastUpdated: c.ComputedAt})
	}
	return out
}

// Config holds the normalization targets.
type Config struct {
	BreadthTarget   float64
	DepthTarget     float64
	RecencyHalfLife time.Duration
}

// DefaultConfig returns the default targets.
func DefaultConfig() Config {
	return Config{
		BreadthTarget:   500,
		DepthTarget:     10,
		RecencyHalfLife: 24 * time.Hour,
	}
}

// Scorer computes capabilities from snapshots.
type Scorer struct {
	cfg Config
}

// NewScorer creates a Scorer. Non-positive targets fall back to defaults.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.BreadthTarget <= 0 {
		cfg.BreadthTarget = def.BreadthTarget
	}
	if cfg.DepthTarget <= 0 {
		cfg.DepthTarget = def.DepthTarget
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = def.RecencyHalfLife
	}
	return &Scorer{cfg: cfg}
}

// Score derives all capabilities from snap as of now.
//
//	breadth      = min(1, N / breadthTarget)
//	connectivity = min(1, E / max(1, N))
//	depth        = min(1, maxConnectionWeight / depthTarget)
//	recency      = exp(-age(newest concept) / halfLife), 0 when empty
func (s *Scorer) Score(snap *graph.Snapshot, now time.Time) Capabilities {
	n := float64(snap.ConceptCount())
	e := float64(snap.ConnectionCount())

	caps := Capabilities{
		Breadth:      clamp(n / s.cfg.BreadthTarget),
		Connectivity: clamp(e / math.Max(1, n)),
		Depth:        clamp(snap.MaxConnectionWeight() / s.cfg.DepthTarget),
		Generation:   snap.Generation(),
		ComputedAt:   now,
	}

	if snap.ConceptCount() > 0 {
		age := now.Sub(snap.NewestConceptAt())
		if age < 0 {
			age = 0
		}
		caps.Recency = clamp(math.Exp(-float64(age) / float64(s.cfg.RecencyHalfLife)))
	}

	return caps
}

// Crossing is a capability rising past a milestone mark.
type Crossing struct {
	Name  Name
	Mark  float64
	Level float64
}

// Crossed reports every mark that a capability rose past between prev and
// next. Falling levels never produce a crossing.
func Crossed(prev, next Capabilities, marks []float64) []Crossing {
	var out []Crossing
	for _, name := range Names {
		before, after := prev.Get(name), next.Get(name)
		for _, m := range marks {
			if before < m && after >= m {
				out = append(out, Crossing{Name: name, Mark: m, Level: after})
			}
		}
	}
	return out
}

// clamp bounds v to [0, 1], mapping NaN to 0.
func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

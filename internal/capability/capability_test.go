package capability

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/normanking/cortex-evolution/internal/graph"
	"github.com/normanking/cortex-evolution/internal/normalize"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestScore_EmptyGraph(t *testing.T) {
	caps := NewScorer(DefaultConfig()).Score(graph.NewStore(graph.DefaultConfig()).Snapshot(), now)

	assert.Zero(t, caps.Breadth)
	assert.Zero(t, caps.Depth)
	assert.Zero(t, caps.Connectivity)
	assert.Zero(t, caps.Recency)
	assert.Zero(t, caps.Overall())
}

func TestScore_Formulas(t *testing.T) {
	store := graph.NewStore(graph.DefaultConfig())
	store.Restore(graph.State{
		Concepts: []graph.Concept{
			{ID: 1, Label: "go", Weight: 1, FirstSeen: now.Add(-48 * time.Hour)},
			{ID: 2, Label: "rust", Weight: 1, FirstSeen: now.Add(-24 * time.Hour)},
			{ID: 3, Label: "zig", Weight: 1, FirstSeen: now.Add(-72 * time.Hour)},
			{ID: 4, Label: "odin", Weight: 1, FirstSeen: now.Add(-72 * time.Hour)},
		},
		Connections: []graph.Connection{
			{A: 1, B: 2, Weight: 2.5},
			{A: 2, B: 3, Weight: 1},
		},
	})

	caps := NewScorer(Config{BreadthTarget: 8, DepthTarget: 10, RecencyHalfLife: 24 * time.Hour}).
		Score(store.Snapshot(), now)

	assert.InDelta(t, 0.5, caps.Breadth, 1e-9)
	assert.InDelta(t, 0.5, caps.Connectivity, 1e-9)
	assert.InDelta(t, 0.25, caps.Depth, 1e-9)
	assert.InDelta(t, math.Exp(-1), caps.Recency, 1e-9)
	assert.InDelta(t, (0.5+0.5+0.25+math.Exp(-1))/4, caps.Overall(), 1e-9)
}

func TestScore_Bounds(t *testing.T) {
	store := graph.NewStore(graph.Config{ReinforcementFactor: 50})
	for i := 0; i < 20; i++ {
		store.IngestBatch([]normalize.Item{
			{Label: "go", Weight: 10}, {Label: "rust", Weight: 10}, {Label: "zig", Weight: 10},
		}, now.Add(time.Hour))
	}

	scorer := NewScorer(Config{BreadthTarget: 1, DepthTarget: 1, RecencyHalfLife: time.Hour})
	for _, at := range []time.Time{now, now.Add(time.Hour), now.Add(1000 * time.Hour)} {
		caps := scorer.Score(store.Snapshot(), at)
		for _, name := range Names {
			v := caps.Get(name)
			assert.GreaterOrEqual(t, v, 0.0, "%s at %v", name, at)
			assert.LessOrEqual(t, v, 1.0, "%s at %v", name, at)
		}
		assert.GreaterOrEqual(t, caps.Overall(), 0.0)
		assert.LessOrEqual(t, caps.Overall(), 1.0)
	}

	// A clock behind the newest concept never yields recency above 1.
	assert.Equal(t, 1.0, scorer.Score(store.Snapshot(), now).Recency)
}

func TestClamp(t *testing.T) {
	assert.Zero(t, clamp(math.NaN()))
	assert.Zero(t, clamp(-3))
	assert.Equal(t, 1.0, clamp(math.Inf(1)))
	assert.Equal(t, 0.3, clamp(0.3))
}

func TestCrossed(t *testing.T) {
	marks := []float64{0.25, 0.5, 0.75, 1.0}
	prev := Capabilities{Breadth: 0.2, Depth: 0.6, Connectivity: 0.5}
	next := Capabilities{Breadth: 0.55, Depth: 0.4, Connectivity: 0.5, Recency: 1}

	got := Crossed(prev, next, marks)

	assert.Equal(t, []Crossing{
		{Name: Breadth, Mark: 0.25, Level: 0.55},
		{Name: Breadth, Mark: 0.5, Level: 0.55},
		{Name: Recency, Mark: 0.25, Level: 1},
		{Name: Recency, Mark: 0.5, Level: 1},
		{Name: Recency, Mark: 0.75, Level: 1},
		{Name: Recency, Mark: 1.0, Level: 1},
	}, got)
}

func TestCapabilities_MapAndLevels(t *testing.T) {
	caps := Capabilities{Breadth: 0.1, Depth: 0.2, Connectivity: 0.3, Recency: 0.4, ComputedAt: now}

	m := caps.Map()
	assert.Len(t, m, 4)
	assert.Equal(t, 0.3, m["connectivity"])

	levels := caps.Levels()
	assert.Len(t, levels, 4)
	assert.Equal(t, Breadth, levels[0].Name)
	assert.Equal(t, now, levels[3].LastUpdated)
}

func TestCapabilities_WithAndFromLevels(t *testing.T) {
	caps := Capabilities{}.With(Depth, 0.7).With(Recency, 2).With(Name("bogus"), 0.5)
	assert.Equal(t, 0.7, caps.Depth)
	assert.Equal(t, 1.0, caps.Recency)
	assert.Zero(t, caps.Breadth)

	later := now.Add(time.Hour)
	rebuilt := FromLevels([]Level{
		{Name: Breadth, Level: 0.4, LastUpdated: now},
		{Name: Connectivity, Level: 0.9, LastUpdated: later},
	})
	assert.Equal(t, 0.4, rebuilt.Breadth)
	assert.Equal(t, 0.9, rebuilt.Connectivity)
	assert.Equal(t, later, rebuilt.ComputedAt)
}

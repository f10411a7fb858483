package graph

import (
	"sort"
	"time"
)

// Snapshot is an immutable view of the graph at one generation. Slices
// returned by its accessors are shared and must not be modified.
type Snapshot struct {
	generation  uint64
	committedAt time.Time

	concepts    []Concept    // sorted by ID
	connections []Connection // sorted by (A, B)

	index          map[int64]int
	byLabel        map[string]int64
	adjacency      map[int64][]int // concept id -> connection indices
	weightedDegree map[int64]float64

	maxConnectionWeight float64
	newestConceptAt     time.Time
}

// Neighbor is a concept reached through one connection.
type Neighbor struct {
	Concept Concept `json:"concept"`
	Weight  float64 `json:"weight"`
}

var emptySnapshot = buildSnapshot(0, time.Time{}, nil, nil)

func buildSnapshot(gen uint64, at time.Time, concepts map[int64]*Concept, connections map[pairKey]*Connection) *Snapshot {
	s := &Snapshot{
		generation:     gen,
		committedAt:    at,
		concepts:       make([]Concept, 0, len(concepts)),
		connections:    make([]Connection, 0, len(connections)),
		index:          make(map[int64]int, len(concepts)),
		byLabel:        make(map[string]int64, len(concepts)),
		adjacency:      make(map[int64][]int, len(concepts)),
		weightedDegree: make(map[int64]float64, len(concepts)),
	}

	for _, c := range concepts {
		s.concepts = append(s.concepts, *c)
	}
	sort.Slice(s.concepts, func(i, j int) bool { return s.concepts[i].ID < s.concepts[j].ID })
	for i, c := range s.concepts {
		s.index[c.ID] = i
		s.byLabel[c.Label] = c.ID
		if c.FirstSeen.After(s.newestConceptAt) {
			s.newestConceptAt = c.FirstSeen
		}
	}

	for _, conn := range connections {
		s.connections = append(s.connections, *conn)
	}
	sort.Slice(s.connections, func(i, j int) bool {
		a, b := s.connections[i], s.connections[j]
		if a.A != b.A {
			return a.A < b.A
		}
		return a.B < b.B
	})
	for i, conn := range s.connections {
		s.adjacency[conn.A] = append(s.adjacency[conn.A], i)
		s.adjacency[conn.B] = append(s.adjacency[conn.B], i)
		s.weightedDegree[conn.A] += conn.Weight
		s.weightedDegree[conn.B] += conn.Weight
		if conn.Weight > s.maxConnectionWeight {
			s.maxConnectionWeight = conn.Weight
		}
	}

	return s
}

// Generation returns the commit generation this snapshot was built at.
func (s *Snapshot) Generation() uint64 { return s.generation }

// CommittedAt returns the time of the commit that produced the snapshot.
func (s *Snapshot) CommittedAt() time.Time { return s.committedAt }

// ConceptCount returns the number of concepts.
func (s *Snapshot) ConceptCount() int { return len(s.concepts) }

// ConnectionCount returns the number of connections.
func (s *Snapshot) ConnectionCount() int { return len(s.connections) }

// Density returns 2E / (N(N-1)), or 0 for fewer than two concepts.
func (s *Snapshot) Density() float64 {
	n := float64(len(s.concepts))
	if n < 2 {
		return 0
	}
	return 2 * float64(len(s.connections)) / (n * (n - 1))
}

// Concepts returns all concepts ordered by id.
func (s *Snapshot) Concepts() []Concept { return s.concepts }

// Connections returns all connections ordered by (A, B).
func (s *Snapshot) Connections() []Connection { return s.connections }

// Concept looks up a concept by id.
func (s *Snapshot) Concept(id int64) (Concept, bool) {
	i, ok := s.index[id]
	if !ok {
		return Concept{}, false
	}
	return s.concepts[i], true
}

// ConceptByLabel looks up a concept by its normalized label.
func (s *Snapshot) ConceptByLabel(label string) (Concept, bool) {
	id, ok := s.byLabel[label]
	if !ok {
		return Concept{}, false
	}
	return s.Concept(id)
}

// Label returns the label for id, or "" when unknown.
func (s *Snapshot) Label(id int64) string {
	c, _ := s.Concept(id)
	return c.Label
}

// Degree returns the number of connections touching id.
func (s *Snapshot) Degree(id int64) int { return len(s.adjacency[id]) }

// WeightedDegree returns the summed weight of connections touching id.
func (s *Snapshot) WeightedDegree(id int64) float64 { return s.weightedDegree[id] }

// MaxConnectionWeight returns the heaviest connection weight, or 0.
func (s *Snapshot) MaxConnectionWeight() float64 { return s.maxConnectionWeight }

// NewestConceptAt returns the latest FirstSeen across concepts; zero when empty.
func (s *Snapshot) NewestConceptAt() time.Time { return s.newestConceptAt }

// Neighbors returns up to k neighbours of id ordered by connection weight,
// heaviest first. k <= 0 returns all of them.
func (s *Snapshot) Neighbors(id int64, k int) []Neighbor {
	idx := s.adjacency[id]
	out := make([]Neighbor, 0, len(idx))
	for _, i := range idx {
		conn := s.connections[i]
		other := conn.A
		if other == id {
			other = conn.B
		}
		c, _ := s.Concept(other)
		out = append(out, Neighbor{Concept: c, Weight: conn.Weight})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Concept.ID < out[j].Concept.ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// TopConnections returns the k heaviest connections.
func (s *Snapshot) TopConnections(k int) []Connection {
	out := make([]Connection, len(s.connections))
	copy(out, s.connections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// State copies the snapshot into persistence rows.
func (s *Snapshot) State() State {
	st := State{
		Concepts:    make([]Concept, len(s.concepts)),
		Connections: make([]Connection, len(s.connections)),
	}
	copy(st.Concepts, s.concepts)
	copy(st.Connections, s.connections)
	return st
}

package graph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/normalize"
)

var (
	// ErrInvalidDecayFactor is returned when a decay factor is outside (0, 1).
	ErrInvalidDecayFactor = errors.New("decay factor must be in (0, 1)")

	// ErrInvalidDecayFloor is returned for a negative decay floor.
	ErrInvalidDecayFloor = errors.New("decay floor cannot be negative")
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds graph store settings.
type Config struct {
	// ReinforcementFactor scales min(wA, wB) on every co-occurrence.
	ReinforcementFactor float64

	// EveryConcepts and EveryConnections emit a count milestone each time the
	// count crosses a multiple. Zero disables them.
	EveryConcepts    int
	EveryConnections int
}

// DefaultConfig returns the default graph settings.
func DefaultConfig() Config {
	return Config{
		ReinforcementFactor: 0.1,
		EveryConcepts:       100,
		EveryConnections:    500,
	}
}

// EventSink receives events produced by graph commits. *bus.Log implements it.
type EventSink interface {
	Append(bus.Event) bus.Event
}

// Commit describes a completed mutation.
type Commit struct {
	Op   string // "ingest", "decay", "compact" or "restore"
	Prev *Snapshot
	Next *Snapshot
	Now  time.Time
}

// CommitHook runs under the writer lock after each commit, before the new
// snapshot is published. Hooks must not call back into the Store.
type CommitHook func(Commit)

// Option configures a Store.
type Option func(*Store)

// WithEventSink routes commit events to sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithCommitHook registers a hook that runs on every commit.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hooks = append(s.hooks, hook) }
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE
// ═══════════════════════════════════════════════════════════════════════════════

// Store is the concept graph. It is safe for concurrent use: writers are
// serialized by one mutex and readers never block.
type Store struct {
	mu  sync.Mutex
	cfg Config

	concepts    map[int64]*Concept
	byLabel     map[string]int64
	connections map[pairKey]*Connection
	nextID      int64
	generation  uint64

	snap  atomic.Pointer[Snapshot]
	sink  EventSink
	hooks []CommitHook
}

// NewStore creates an empty graph store.
func NewStore(cfg Config, opts ...Option) *Store {
	if cfg.ReinforcementFactor < 0 {
		cfg.ReinforcementFactor = 0
	}
	s := &Store{
		cfg:         cfg,
		concepts:    make(map[int64]*Concept),
		byLabel:     make(map[string]int64),
		connections: make(map[pairKey]*Connection),
		nextID:      1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(emptySnapshot)
	return s
}

// AddCommitHook registers a hook after construction.
func (s *Store) AddCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Snapshot returns the latest committed snapshot without locking.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// IngestBatch creates or reinforces every item and every unordered pair of
// items in the batch. An empty batch changes nothing.
func (s *Store) IngestBatch(items []normalize.Item, now time.Time) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.Load()
	if len(items) == 0 {
		return IngestResult{
			Generation:      prev.Generation(),
			ConceptCount:    prev.ConceptCount(),
			ConnectionCount: prev.ConnectionCount(),
		}
	}

	var result IngestResult

	// Resolve ids, merging repeated labels within the batch.
	ids := make([]int64, 0, len(items))
	incoming := make(map[int64]float64, len(items))
	for _, item := range items {
		if item.Label == "" || !(item.Weight > 0) {
			continue
		}
		id, ok := s.byLabel[item.Label]
		if !ok {
			id = s.nextID
			s.nextID++
			c := &Concept{ID: id, Label: item.Label, FirstSeen: now, LastSeen: now}
			s.concepts[id] = c
			s.byLabel[item.Label] = id
			result.NewConcepts = append(result.NewConcepts, Concept{ID: id, Label: item.Label})
		} else if _, seen := incoming[id]; !seen {
			result.ReinforcedConcepts++
		}

		c := s.concepts[id]
		c.Weight += item.Weight
		if now.After(c.LastSeen) {
			c.LastSeen = now
		}
		if _, seen := incoming[id]; !seen {
			ids = append(ids, id)
		}
		incoming[id] += item.Weight
	}
	if len(ids) == 0 {
		return IngestResult{
			Generation:      prev.Generation(),
			ConceptCount:    prev.ConceptCount(),
			ConnectionCount: prev.ConnectionCount(),
		}
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := Canonical(ids[i], ids[j])
			delta := minFloat(incoming[a], incoming[b]) * s.cfg.ReinforcementFactor
			key := pairKey{a, b}
			conn, ok := s.connections[key]
			if !ok {
				conn = &Connection{A: a, B: b}
				s.connections[key] = conn
				result.ConnectionsCreated++
			} else {
				result.ConnectionsReinforced++
			}
			conn.Weight += delta
			conn.LastReinforced = now
		}
	}

	for i := range result.NewConcepts {
		result.NewConcepts[i] = *s.concepts[result.NewConcepts[i].ID]
	}

	s.generation++
	gen := s.generation

	for _, c := range result.NewConcepts {
		s.emit(bus.NewEvent(bus.KindNewConcept, fmt.Sprintf("learned new concept %q", c.Label)).
			At(now).
			WithGeneration(gen).
			WithExtra("concept_id", c.ID).
			WithExtra("label", c.Label).
			WithExtra("weight", c.Weight))
	}

	result.Milestones = append(result.Milestones,
		crossed(MetricConcepts, prev.ConceptCount(), len(s.concepts), s.cfg.EveryConcepts)...)
	result.Milestones = append(result.Milestones,
		crossed(MetricConnections, prev.ConnectionCount(), len(s.connections), s.cfg.EveryConnections)...)
	for _, m := range result.Milestones {
		s.emit(bus.NewEvent(bus.KindThresholdCrossed, fmt.Sprintf("reached %d %s", m.Mark, m.Metric)).
			At(now).
			WithGeneration(gen).
			WithExtra("metric", m.Metric).
			WithExtra("mark", m.Mark))
	}

	next := s.commit("ingest", prev, now)

	result.Generation = gen
	result.ConceptCount = next.ConceptCount()
	result.ConnectionCount = next.ConnectionCount()

	log.Debug().
		Int("items", len(ids)).
		Int("new_concepts", len(result.NewConcepts)).
		Int("connections_touched", result.ConnectionsTouched()).
		Uint64("generation", gen).
		Msg("batch ingested")

	return result
}

// ApplyDecay multiplies every weight by factor and removes concepts and
// connections that fall below minWeight. Removing a concept removes its
// connections. Exactly one decay_applied event is emitted per call.
func (s *Store) ApplyDecay(factor, minWeight float64, now time.Time) (DecayResult, error) {
	if !(factor > 0 && factor < 1) {
		return DecayResult{}, fmt.Errorf("%w: got %v", ErrInvalidDecayFactor, factor)
	}
	if !(minWeight >= 0) {
		return DecayResult{}, fmt.Errorf("%w: got %v", ErrInvalidDecayFloor, minWeight)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.Load()
	result := DecayResult{Factor: factor, MinWeight: minWeight}

	for id, c := range s.concepts {
		c.Weight *= factor
		if c.Weight < minWeight {
			delete(s.concepts, id)
			delete(s.byLabel, c.Label)
			result.ConceptsRemoved++
		}
	}
	for key, conn := range s.connections {
		conn.Weight *= factor
		_, okA := s.concepts[key.a]
		_, okB := s.concepts[key.b]
		if conn.Weight < minWeight || !okA || !okB {
			delete(s.connections, key)
			result.ConnectionsRemoved++
		}
	}

	s.generation++
	result.Generation = s.generation
	result.ConceptsRemaining = len(s.concepts)
	result.ConnectionsRemaining = len(s.connections)

	s.emit(bus.NewEvent(bus.KindDecayApplied, fmt.Sprintf("decay x%.3g removed %d concepts and %d connections",
		factor, result.ConceptsRemoved, result.ConnectionsRemoved)).
		At(now).
		WithGeneration(result.Generation).
		WithExtra("factor", factor).
		WithExtra("min_weight", minWeight).
		WithExtra("concepts_removed", result.ConceptsRemoved).
		WithExtra("connections_removed", result.ConnectionsRemoved))

	s.commit("decay", prev, now)

	return result, nil
}

// Compact removes zero-weight concepts and connections, and connections that
// reference a missing concept. The generation only advances when something
// was removed.
func (s *Store) Compact() CompactResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.Load()
	var result CompactResult

	for id, c := range s.concepts {
		if !(c.Weight > 0) {
			delete(s.concepts, id)
			delete(s.byLabel, c.Label)
			result.ConceptsRemoved++
		}
	}
	for key, conn := range s.connections {
		_, okA := s.concepts[key.a]
		_, okB := s.concepts[key.b]
		if !(conn.Weight > 0) || !okA || !okB {
			delete(s.connections, key)
			result.ConnectionsRemoved++
		}
	}

	if !result.Changed() {
		result.Generation = prev.Generation()
		return result
	}

	s.generation++
	result.Generation = s.generation
	s.commit("compact", prev, prev.CommittedAt())
	return result
}

// Restore replaces the whole graph with persisted rows. Self-loops, duplicate
// labels and connections to unknown concepts are skipped. New concepts get
// ids above the largest restored id. No events are emitted.
func (s *Store) Restore(state State) RestoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.Load()
	var result RestoreResult

	s.concepts = make(map[int64]*Concept, len(state.Concepts))
	s.byLabel = make(map[string]int64, len(state.Concepts))
	s.connections = make(map[pairKey]*Connection, len(state.Connections))

	var maxID int64
	var latest time.Time
	for _, c := range state.Concepts {
		if c.ID <= 0 || c.Label == "" || c.Weight < 0 {
			result.Skipped++
			continue
		}
		if _, dup := s.concepts[c.ID]; dup {
			result.Skipped++
			continue
		}
		if _, dup := s.byLabel[c.Label]; dup {
			result.Skipped++
			continue
		}
		cc := c
		s.concepts[c.ID] = &cc
		s.byLabel[c.Label] = c.ID
		if c.ID > maxID {
			maxID = c.ID
		}
		if c.LastSeen.After(latest) {
			latest = c.LastSeen
		}
	}

	for _, conn := range state.Connections {
		a, b := Canonical(conn.A, conn.B)
		_, okA := s.concepts[a]
		_, okB := s.concepts[b]
		if a == b || !okA || !okB || conn.Weight < 0 {
			result.Skipped++
			continue
		}
		key := pairKey{a, b}
		if _, dup := s.connections[key]; dup {
			result.Skipped++
			continue
		}
		s.connections[key] = &Connection{A: a, B: b, Weight: conn.Weight, LastReinforced: conn.LastReinforced}
	}

	if maxID+1 > s.nextID {
		s.nextID = maxID + 1
	}
	s.generation++

	s.commit("restore", prev, latest)

	result.Concepts = len(s.concepts)
	result.Connections = len(s.connections)
	result.NextID = s.nextID
	result.Generation = s.generation

	if result.Skipped > 0 {
		log.Warn().Int("skipped", result.Skipped).Msg("restore skipped invalid rows")
	}
	return result
}

// Generation returns the current commit generation.
func (s *Store) Generation() uint64 {
	return s.snap.Load().Generation()
}

// commit builds the next snapshot, runs hooks and publishes it. Caller holds mu.
func (s *Store) commit(op string, prev *Snapshot, now time.Time) *Snapshot {
	next := buildSnapshot(s.generation, now, s.concepts, s.connections)
	for _, hook := range s.hooks {
		hook(Commit{Op: op, Prev: prev, Next: next, Now: now})
	}
	s.snap.Store(next)
	return next
}

func (s *Store) emit(e bus.Event) {
	if s.sink != nil {
		s.sink.Append(e)
	}
}

// crossed returns one milestone per multiple of every in (prev, next].
func crossed(metric string, prev, next, every int) []Milestone {
	if every <= 0 || next <= prev {
		return nil
	}
	var out []Milestone
	for mark := (prev/every + 1) * every; mark <= next; mark += every {
		out = append(out, Milestone{Metric: metric, Mark: mark})
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

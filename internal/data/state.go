package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/capability"
	"github.com/normanking/cortex-evolution/internal/graph"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE
// ═══════════════════════════════════════════════════════════════════════════════

// State is everything the engine persists.
type State struct {
	Concepts     []graph.Concept
	Connections  []graph.Connection
	Capabilities []capability.Level
	Events       []bus.Event

	// EventCap prunes the oldest persisted events beyond this many. Zero keeps all.
	EventCap int
}

// FlushResult summarizes one Flush.
type FlushResult struct {
	Concepts       int
	Connections    int
	EventsAppended int
	EventsPruned   int
	LastEventID    int64
	Duration       time.Duration
}

const timeFormat = time.RFC3339Nano

// Flush writes state in a single transaction. Concepts, connections and
// capabilities are rewritten; events newer than the last persisted id are
// appended and the table is pruned to EventCap. If any statement fails the
// previously committed state is left untouched.
func (s *Store) Flush(ctx context.Context, state State) (FlushResult, error) {
	start := time.Now()
	var result FlushResult

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Connections first: they reference concepts.
		if _, err := tx.ExecContext(ctx, "DELETE FROM connections"); err != nil {
			return fmt.Errorf("clear connections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM concepts"); err != nil {
			return fmt.Errorf("clear concepts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM capabilities"); err != nil {
			return fmt.Errorf("clear capabilities: %w", err)
		}

		n, err := insertConcepts(ctx, tx, state.Concepts)
		if err != nil {
			return err
		}
		result.Concepts = n

		if n, err = insertConnections(ctx, tx, state.Connections); err != nil {
			return err
		}
		result.Connections = n

		if err := insertCapabilities(ctx, tx, state.Capabilities); err != nil {
			return err
		}

		var lastID int64
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM events").Scan(&lastID); err != nil {
			return fmt.Errorf("read last event id: %w", err)
		}
		if n, err = appendEvents(ctx, tx, state.Events, lastID); err != nil {
			return err
		}
		result.EventsAppended = n

		if state.EventCap > 0 {
			res, err := tx.ExecContext(ctx,
				"DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)",
				state.EventCap)
			if err != nil {
				return fmt.Errorf("prune events: %w", err)
			}
			pruned, _ := res.RowsAffected()
			result.EventsPruned = int(pruned)
		}

		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM events").Scan(&result.LastEventID); err != nil {
			return fmt.Errorf("read last event id: %w", err)
		}
		return nil
	})
	if err != nil {
		return FlushResult{}, fmt.Errorf("flush: %w", err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

func insertConcepts(ctx context.Context, tx *sql.Tx, concepts []graph.Concept) (int, error) {
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO concepts (id, label, weight, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("prepare concept insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range concepts {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Label, c.Weight,
			formatTime(c.FirstSeen), formatTime(c.LastSeen)); err != nil {
			return 0, fmt.Errorf("insert concept %d: %w", c.ID, err)
		}
	}
	return len(concepts), nil
}

func insertConnections(ctx context.Context, tx *sql.Tx, conns []graph.Connection) (int, error) {
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO connections (a_id, b_id, weight, last_reinforced) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("prepare connection insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range conns {
		a, b := graph.Canonical(c.A, c.B)
		if _, err := stmt.ExecContext(ctx, a, b, c.Weight, formatTime(c.LastReinforced)); err != nil {
			return 0, fmt.Errorf("insert connection %d-%d: %w", a, b, err)
		}
	}
	return len(conns), nil
}

func insertCapabilities(ctx context.Context, tx *sql.Tx, levels []capability.Level) error {
	for _, l := range levels {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO capabilities (name, level, last_updated) VALUES (?, ?, ?)",
			string(l.Name), l.Level, formatTime(l.LastUpdated)); err != nil {
			return fmt.Errorf("insert capability %s: %w", l.Name, err)
		}
	}
	return nil
}

func appendEvents(ctx context.Context, tx *sql.Tx, events []bus.Event, after int64) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, timestamp, kind, description, cluster_size, generation, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, e := range events {
		if e.ID <= after {
			continue
		}

		var clusterSize sql.NullInt64
		if e.ClusterSize != nil {
			clusterSize = sql.NullInt64{Int64: int64(*e.ClusterSize), Valid: true}
		}
		var extra sql.NullString
		if len(e.Extra) > 0 {
			data, err := json.Marshal(e.Extra)
			if err != nil {
				return 0, fmt.Errorf("marshal extra for event %d: %w", e.ID, err)
			}
			extra = sql.NullString{String: string(data), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, e.ID, formatTime(e.Timestamp), string(e.Kind),
			e.Description, clusterSize, int64(e.Generation), extra); err != nil {
			return 0, fmt.Errorf("insert event %d: %w", e.ID, err)
		}
		n++
	}
	return n, nil
}

// Load reads the persisted state. An empty database yields an empty state.
func (s *Store) Load(ctx context.Context) (*State, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	state := &State{}
	if state.Concepts, err = loadConcepts(ctx, db); err != nil {
		return nil, err
	}
	if state.Connections, err = loadConnections(ctx, db); err != nil {
		return nil, err
	}
	if state.Capabilities, err = loadCapabilities(ctx, db); err != nil {
		return nil, err
	}
	if state.Events, err = loadEvents(ctx, db); err != nil {
		return nil, err
	}
	return state, nil
}

func loadConcepts(ctx context.Context, db *sql.DB) ([]graph.Concept, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, label, weight, first_seen, last_seen FROM concepts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query concepts: %w", err)
	}
	defer rows.Close()

	var out []graph.Concept
	for rows.Next() {
		var c graph.Concept
		var first, last string
		if err := rows.Scan(&c.ID, &c.Label, &c.Weight, &first, &last); err != nil {
			return nil, fmt.Errorf("scan concept: %w", err)
		}
		c.FirstSeen = parseTime(first)
		c.LastSeen = parseTime(last)
		out = append(out, c)
	}
	return out, rows.Err()
}

func loadConnections(ctx context.Context, db *sql.DB) ([]graph.Connection, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT a_id, b_id, weight, last_reinforced FROM connections ORDER BY a_id, b_id")
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var out []graph.Connection
	for rows.Next() {
		var c graph.Connection
		var reinforced string
		if err := rows.Scan(&c.A, &c.B, &c.Weight, &reinforced); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.LastReinforced = parseTime(reinforced)
		out = append(out, c)
	}
	return out, rows.Err()
}

func loadCapabilities(ctx context.Context, db *sql.DB) ([]capability.Level, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, level, last_updated FROM capabilities ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	defer rows.Close()

	var out []capability.Level
	for rows.Next() {
		var l capability.Level
		var name, updated string
		if err := rows.Scan(&name, &l.Level, &updated); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		l.Name = capability.Name(name)
		l.LastUpdated = parseTime(updated)
		out = append(out, l)
	}
	return out, rows.Err()
}

func loadEvents(ctx context.Context, db *sql.DB) ([]bus.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, kind, description, cluster_size, generation, extra
		FROM events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var e bus.Event
		var ts, kind string
		var clusterSize sql.NullInt64
		var generation int64
		var extra sql.NullString
		if err := rows.Scan(&e.ID, &ts, &kind, &e.Description, &clusterSize, &generation, &extra); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.Kind = bus.Kind(kind)
		e.Generation = uint64(generation)
		if clusterSize.Valid {
			n := int(clusterSize.Int64)
			e.ClusterSize = &n
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &e.Extra); err != nil {
				return nil, fmt.Errorf("decode extra for event %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastEventID returns the newest persisted event id, or 0.
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var id int64
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM events").Scan(&id); err != nil {
		return 0, fmt.Errorf("read last event id: %w", err)
	}
	return id, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

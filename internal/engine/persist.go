package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/capability"
	"github.com/normanking/cortex-evolution/internal/data"
	"github.com/normanking/cortex-evolution/internal/graph"
)

// Load opens the store and restores the graph, the event log and the
// capability peaks from it. A missing database starts an empty graph; a
// corrupt one is quarantined and replaced. If the store cannot be opened at
// all the engine keeps running memory-only and the returned error wraps
// ErrDegraded.
func (e *Engine) Load(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.Load")
	defer span.End()

	if !e.cfg.Persistence.Enabled && e.store == nil {
		log.Debug().Msg("persistence disabled, starting with an empty graph")
		return nil
	}

	if e.store == nil {
		store, recovery, err := data.Open(ctx, e.cfg.Persistence.DBPath, e.cfg.Persistence.Driver)
		if err != nil {
			e.enterDegraded(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: open store: %v", ErrDegraded, err)
		}
		e.store = store
		e.recovery = recovery
	}

	state, err := e.store.Load(ctx)
	if err != nil {
		e.enterDegraded(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: load state: %v", ErrDegraded, err)
	}

	e.restore(state)
	span.SetAttributes(
		attribute.Int("concepts", len(state.Concepts)),
		attribute.Int("events", len(state.Events)),
	)
	return nil
}

func (e *Engine) restore(state *data.State) {
	// Generations are local to a process; persisted events predate all of
	// this process's snapshots.
	events := make([]bus.Event, len(state.Events))
	for i, ev := range state.Events {
		ev.Generation = 0
		events[i] = ev
	}
	e.events.Restore(events)

	// The peaks must be in place before Restore fires the commit hook.
	e.peaks = capability.FromLevels(state.Capabilities)

	restored := e.graph.Restore(graph.State{
		Concepts:    state.Concepts,
		Connections: state.Connections,
	})
	compacted := e.graph.Compact()

	log.Info().
		Int("concepts", restored.Concepts).
		Int("connections", restored.Connections).
		Int("skipped", restored.Skipped).
		Int("compacted", compacted.ConceptsRemoved+compacted.ConnectionsRemoved).
		Int("events", len(events)).
		Msg("evolution state restored")
}

// Flush writes the current snapshot, capability levels and event log to the
// store. A failed write is retried once; a second failure switches the
// engine to degraded mode and later flushes return ErrDegraded without
// touching the store. A flush whose ctx is cancelled does not degrade.
func (e *Engine) Flush(ctx context.Context) (data.FlushResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Flush")
	defer span.End()

	if e.degraded.Load() {
		log.Debug().Msg("flush skipped, engine is degraded")
		return data.FlushResult{}, ErrDegraded
	}
	if e.store == nil {
		return data.FlushResult{}, nil
	}

	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	state := e.persistState()

	result, err := e.store.Flush(ctx, state)
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("flush failed, retrying once")
		result, err = e.store.Flush(ctx, state)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return data.FlushResult{}, err
		}
		e.enterDegraded(err)
		return data.FlushResult{}, fmt.Errorf("%w: %v", ErrDegraded, err)
	}

	now := e.now()
	e.lastFlush.Store(&result)
	e.flushedAt.Store(&now)

	span.SetAttributes(
		attribute.Int("concepts", result.Concepts),
		attribute.Int("events_appended", result.EventsAppended),
	)
	log.Debug().
		Int("concepts", result.Concepts).
		Int("connections", result.Connections).
		Int("events_appended", result.EventsAppended).
		Int("events_pruned", result.EventsPruned).
		Dur("duration", result.Duration).
		Msg("state flushed")

	return result, nil
}

// LastFlush returns the result of the most recent successful flush.
func (e *Engine) LastFlush() (data.FlushResult, bool) {
	r := e.lastFlush.Load()
	if r == nil {
		return data.FlushResult{}, false
	}
	return *r, true
}

// Persistence states reported by PersistenceHealth.
const (
	PersistenceOK       = "ok"
	PersistenceDisabled = "disabled"
	PersistenceDegraded = "degraded"
)

// PersistenceHealth pings the store. A failed ping is returned as an error
// but does not degrade the engine; only failed flushes do.
func (e *Engine) PersistenceHealth(ctx context.Context) (string, error) {
	if e.degraded.Load() {
		return PersistenceDegraded, nil
	}
	if e.store == nil {
		return PersistenceDisabled, nil
	}
	if err := e.store.Health(ctx); err != nil {
		return PersistenceDegraded, err
	}
	return PersistenceOK, nil
}

func (e *Engine) persistState() data.State {
	snap := e.graph.Snapshot()
	gs := snap.State()
	return data.State{
		Concepts:     gs.Concepts,
		Connections:  gs.Connections,
		Capabilities: e.scorer.Score(snap, e.now()).Levels(),
		Events:       e.events.All(),
		EventCap:     e.events.MaxEvents(),
	}
}

func (e *Engine) enterDegraded(cause error) {
	if !e.degraded.CompareAndSwap(false, true) {
		return
	}
	log.Error().
		Err(cause).
		Str("db", e.cfg.Persistence.DBPath).
		Msg("persistence failed, continuing in memory-only mode")
}

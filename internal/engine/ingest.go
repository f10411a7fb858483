package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/normanking/cortex-evolution/internal/cascade"
	"github.com/normanking/cortex-evolution/internal/graph"
	"github.com/normanking/cortex-evolution/internal/normalize"
)

// Source is where an ingest request came from.
type Source string

const (
	SourceChat     Source = "chat"
	SourceDocument Source = "document"
)

// IngestRequest is one batch of co-occurring concepts.
type IngestRequest struct {
	Concepts  []normalize.RawConcept `json:"concepts"`
	Source    Source                 `json:"source"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// IngestResponse summarizes what an ingest changed.
type IngestResponse struct {
	Accepted              int               `json:"accepted"`
	Rejected              int               `json:"rejected"`
	Rejections            map[string]int    `json:"rejections,omitempty"`
	NewConcepts           int               `json:"new_concepts"`
	ReinforcedConcepts    int               `json:"reinforced_concepts"`
	ConnectionsCreated    int               `json:"connections_created"`
	ConnectionsReinforced int               `json:"connections_reinforced"`
	Milestones            []graph.Milestone `json:"milestones,omitempty"`
	CascadeTriggered      bool              `json:"cascade_triggered"`
	Generation            uint64            `json:"generation"`
	ConceptCount          int               `json:"concept_count"`
	ConnectionCount       int               `json:"connection_count"`
}

// Ingest normalizes the request and commits it to the graph as a single
// batch, so readers see all of it or none of it. Invalid items are skipped
// and counted, not fatal. Ingestion is not cancellable once it starts.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	_, span := e.tracer.Start(ctx, "engine.Ingest")
	defer span.End()

	release, err := e.acquire()
	if err != nil {
		return IngestResponse{}, err
	}
	defer release()

	source := req.Source
	if source == "" {
		source = SourceChat
	}
	if source != SourceChat && source != SourceDocument {
		return IngestResponse{}, fmt.Errorf("%w: %q", ErrInvalidSource, req.Source)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	items, rejections := e.normalizer.NormalizeBatch(req.Concepts)
	resp := IngestResponse{
		Accepted: len(items),
		Rejected: rejections.Total(),
	}
	if resp.Rejected > 0 {
		resp.Rejections = make(map[string]int, len(rejections))
		for reason, n := range rejections {
			resp.Rejections[string(reason)] = n
		}
		log.Debug().
			Str("source", string(source)).
			Int("rejected", resp.Rejected).
			Interface("reasons", resp.Rejections).
			Msg("ingest skipped invalid concepts")
	}

	r := e.graph.IngestBatch(items, ts)
	resp.NewConcepts = len(r.NewConcepts)
	resp.ReinforcedConcepts = r.ReinforcedConcepts
	resp.ConnectionsCreated = r.ConnectionsCreated
	resp.ConnectionsReinforced = r.ConnectionsReinforced
	resp.Milestones = r.Milestones

	snap := e.graph.Snapshot()
	resp.Generation = snap.Generation()
	resp.ConceptCount = snap.ConceptCount()
	resp.ConnectionCount = snap.ConnectionCount()

	if len(resp.Milestones) > 0 && e.cfg.Cascade.AutoTrigger {
		resp.CascadeTriggered = e.triggerCascade()
	}

	span.SetAttributes(
		attribute.String("source", string(source)),
		attribute.Int("accepted", resp.Accepted),
		attribute.Int("rejected", resp.Rejected),
		attribute.Int("new_concepts", resp.NewConcepts),
	)

	log.Debug().
		Str("source", string(source)).
		Int("accepted", resp.Accepted).
		Int("new", resp.NewConcepts).
		Uint64("generation", resp.Generation).
		Msg("ingest committed")

	return resp, nil
}

// triggerCascade starts an asynchronous cascade on the current snapshot.
// It reports false when a run is already in progress or the engine is
// stopping. Callers hold the engine open through acquire, so Stop cannot be
// waiting on bg while a run is added.
func (e *Engine) triggerCascade() bool {
	if e.detector.Running() || e.ctx.Err() != nil {
		return false
	}

	snap := e.graph.Snapshot()
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, span := e.tracer.Start(e.ctx, "engine.autoCascade")
		defer span.End()

		report, err := e.detector.Run(ctx, snap, cascade.TriggerThreshold)
		if err != nil {
			log.Warn().Err(err).Msg("automatic cascade failed")
			return
		}
		if report.Busy {
			log.Debug().Msg("automatic cascade skipped, detector busy")
		}
	}()
	return true
}

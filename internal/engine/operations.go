package engine

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/normanking/cortex-evolution/internal/cascade"
	"github.com/normanking/cortex-evolution/internal/graph"
)

// Cascade runs cluster detection on the current snapshot. If another run is
// in progress the report has Busy set and err is nil.
func (e *Engine) Cascade(ctx context.Context) (cascade.Report, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Cascade")
	defer span.End()

	release, err := e.acquire()
	if err != nil {
		return cascade.Report{}, err
	}
	defer release()

	report, err := e.detector.Run(ctx, e.graph.Snapshot(), cascade.TriggerManual)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	span.SetAttributes(
		attribute.Bool("busy", report.Busy),
		attribute.Int("clusters", len(report.Clusters)),
		attribute.Int("largest", report.LargestCluster()),
	)
	return report, nil
}

// ApplyDecay multiplies every weight by the configured factor, removes what
// falls below the floor and compacts the graph.
func (e *Engine) ApplyDecay(ctx context.Context) (graph.DecayResult, error) {
	_, span := e.tracer.Start(ctx, "engine.ApplyDecay")
	defer span.End()

	release, err := e.acquire()
	if err != nil {
		return graph.DecayResult{}, err
	}
	defer release()

	result, err := e.graph.ApplyDecay(e.cfg.Decay.Factor, e.cfg.Decay.MinWeight, e.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	if compacted := e.graph.Compact(); compacted.Changed() {
		log.Debug().
			Int("concepts", compacted.ConceptsRemoved).
			Int("connections", compacted.ConnectionsRemoved).
			Msg("compaction after decay removed leftovers")
	}

	span.SetAttributes(
		attribute.Int("concepts_removed", result.ConceptsRemoved),
		attribute.Int("connections_removed", result.ConnectionsRemoved),
	)

	log.Info().
		Float64("factor", result.Factor).
		Int("concepts_removed", result.ConceptsRemoved).
		Int("connections_removed", result.ConnectionsRemoved).
		Int("concepts", result.ConceptsRemaining).
		Int("connections", result.ConnectionsRemaining).
		Msg("decay applied")

	return result, nil
}

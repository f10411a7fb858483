// Package engine wires the evolution subsystems together: the normalizer
// feeds the graph store, every graph commit is scored for capabilities, the
// cascade detector runs on snapshots, and the scheduler drives decay and
// persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/capability"
	"github.com/normanking/cortex-evolution/internal/cascade"
	"github.com/normanking/cortex-evolution/internal/config"
	"github.com/normanking/cortex-evolution/internal/data"
	"github.com/normanking/cortex-evolution/internal/graph"
	"github.com/normanking/cortex-evolution/internal/logging"
	"github.com/normanking/cortex-evolution/internal/normalize"
	"github.com/normanking/cortex-evolution/internal/scheduler"
)

const tracerName = "github.com/normanking/cortex-evolution/internal/engine"

var (
	// ErrInvalidSource is returned for an ingest source other than chat or document.
	ErrInvalidSource = errors.New("invalid ingest source")

	// ErrDegraded means persistence failed and the engine is running memory-only.
	ErrDegraded = errors.New("engine is in degraded memory-only mode")

	// ErrClosed is returned by operations after Stop.
	ErrClosed = errors.New("engine is stopped")
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source. Tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStore uses an already opened store instead of opening
// cfg.Persistence.DBPath in Load.
func WithStore(store *data.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// Engine is the concept-graph learning engine.
type Engine struct {
	cfg *config.Config

	normalizer *normalize.Normalizer
	events     *bus.Log
	graph      *graph.Store
	scorer     *capability.Scorer
	detector   *cascade.Detector
	sched      *scheduler.Scheduler

	// peaks holds the highest level each capability has reached. Only the
	// commit hook touches it, and hooks run under the graph writer lock.
	peaks capability.Capabilities
	marks []float64

	store     *data.Store
	flushMu   sync.Mutex
	degraded  atomic.Bool
	lastFlush atomic.Pointer[data.FlushResult]
	flushedAt atomic.Pointer[time.Time]
	recovery  *data.Recovery

	now    func() time.Time
	tracer trace.Tracer

	// lifecycle is read-held by every operation that writes to the graph or
	// the event log from outside the scheduler. Stop takes it exclusively once
	// stopped is set, which drains those operations before shutdown.
	lifecycle sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New builds an engine from cfg. Nothing is read from disk until Load.
func New(cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg: cfg,
		normalizer: normalize.New(normalize.Config{
			MinLabelLength: cfg.Normalizer.MinLabelLength,
			MinWeight:      cfg.Normalizer.MinWeight,
			MaxWeight:      cfg.Normalizer.MaxWeight,
			Stopwords:      cfg.Normalizer.Stopwords,
		}),
		events: bus.NewLog(cfg.EventLog.MaxEvents),
		scorer: capability.NewScorer(capability.Config{
			BreadthTarget:   cfg.Capability.BreadthTarget,
			DepthTarget:     cfg.Capability.DepthTarget,
			RecencyHalfLife: cfg.Capability.RecencyHalfLife,
		}),
		sched:  scheduler.New(),
		marks:  cfg.Capability.Milestones,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}

	e.graph = graph.NewStore(graph.Config{
		ReinforcementFactor: cfg.Graph.ReinforcementFactor,
		EveryConcepts:       cfg.Cascade.EveryConcepts,
		EveryConnections:    cfg.Cascade.EveryConnections,
	}, graph.WithEventSink(e.events), graph.WithCommitHook(e.onCommit))

	e.detector = cascade.NewDetector(cascade.Config{
		WeightThreshold: cfg.Cascade.WeightThreshold,
		Timeout:         cfg.Cascade.Timeout,
	}, e.events)

	return e
}

// onCommit emits threshold_crossed for every capability mark rising above
// its previous peak. Restores only reset the peaks.
func (e *Engine) onCommit(c graph.Commit) {
	next := e.scorer.Score(c.Next, c.Now)

	if c.Op != "restore" {
		for _, x := range capability.Crossed(e.peaks, next, e.marks) {
			e.events.Append(bus.NewEvent(bus.KindThresholdCrossed,
				fmt.Sprintf("%s capability reached %.2f", x.Name, x.Mark)).
				WithGeneration(c.Next.Generation()).
				WithExtra("capability", string(x.Name)).
				WithExtra("mark", x.Mark).
				WithExtra("level", x.Level))
		}
	}

	for _, name := range capability.Names {
		if v := next.Get(name); v > e.peaks.Get(name) {
			e.peaks = e.peaks.With(name, v)
		}
	}
}

// Start registers the periodic jobs and starts the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	if e.cfg.Decay.Enabled {
		if err := e.sched.Register(scheduler.Job{
			Name:     scheduler.JobDecay,
			Interval: e.cfg.Decay.Interval,
			Run: func(ctx context.Context) error {
				_, err := e.ApplyDecay(ctx)
				return err
			},
		}); err != nil {
			return err
		}
	}

	if e.cfg.Persistence.Enabled && e.cfg.Persistence.FlushInterval > 0 {
		if err := e.sched.Register(scheduler.Job{
			Name:     scheduler.JobFlush,
			Interval: e.cfg.Persistence.FlushInterval,
			Timeout:  e.cfg.Persistence.FlushTimeout,
			Run: func(ctx context.Context) error {
				_, err := e.Flush(ctx)
				if errors.Is(err, ErrDegraded) {
					return nil
				}
				return err
			},
		}); err != nil {
			return err
		}
	}

	if e.cfg.Cascade.MaintenanceInterval > 0 {
		if err := e.sched.Register(scheduler.Job{
			Name:     scheduler.JobMaintenance,
			Interval: e.cfg.Cascade.MaintenanceInterval,
			Run: func(ctx context.Context) error {
				_, err := e.detector.Run(ctx, e.graph.Snapshot(), cascade.TriggerMaintenance)
				return err
			},
		}); err != nil {
			return err
		}
	}

	e.sched.Start()
	log.Info().
		Int("concepts", e.graph.Snapshot().ConceptCount()).
		Bool("degraded", e.degraded.Load()).
		Msg("evolution engine started")
	return nil
}

// Stop halts the scheduler, waits for background cascades, performs a final
// flush and closes the store. The final flush gets its own deadline even if
// ctx is already cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	// Wait for in-flight ingests and manual operations. New ones see stopped.
	e.lifecycle.Lock()
	e.lifecycle.Unlock()

	var errs []error
	if err := e.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	e.cancel()
	e.bg.Wait()

	if e.store != nil {
		flushCtx, cancel := logging.DetachContextWithTimeout(ctx, e.flushTimeout())
		if _, err := e.Flush(flushCtx); err != nil && !errors.Is(err, ErrDegraded) {
			errs = append(errs, err)
		}
		cancel()
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.events.Close(); err != nil {
		errs = append(errs, err)
	}

	log.Info().Msg("evolution engine stopped")
	return errors.Join(errs...)
}

// acquire holds the engine open for one operation. It fails with ErrClosed
// once Stop has begun.
func (e *Engine) acquire() (release func(), err error) {
	e.lifecycle.RLock()
	if e.stopped.Load() {
		e.lifecycle.RUnlock()
		return nil, ErrClosed
	}
	return e.lifecycle.RUnlock, nil
}

func (e *Engine) flushTimeout() time.Duration {
	if e.cfg.Persistence.FlushTimeout > 0 {
		return e.cfg.Persistence.FlushTimeout
	}
	return 10 * time.Second
}

// Events returns the event log.
func (e *Engine) Events() *bus.Log { return e.events }

// Scheduler returns the job scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Snapshot returns the current graph snapshot.
func (e *Engine) Snapshot() *graph.Snapshot { return e.graph.Snapshot() }

// Detector returns the cascade detector.
func (e *Engine) Detector() *cascade.Detector { return e.detector }

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Degraded reports whether the engine has fallen back to memory-only mode.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// Recovery returns details of a quarantined database, if Load had to
// replace one.
func (e *Engine) Recovery() *data.Recovery { return e.recovery }

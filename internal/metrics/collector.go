// Package metrics aggregates evolution events into counters for the status
// API and exports them as OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/normanking/cortex-evolution/internal/bus"
)

const meterName = "github.com/normanking/cortex-evolution/internal/metrics"

// GraphReading is a point-in-time view of the graph used by the observable
// gauges.
type GraphReading struct {
	Concepts       int
	Connections    int
	EvolutionScore float64
}

// Stats holds the aggregated counters.
type Stats struct {
	StartTime       time.Time        `json:"start_time"`
	Uptime          string           `json:"uptime"`
	EventsByKind    map[string]int64 `json:"events_by_kind"`
	TotalEvents     int64            `json:"total_events"`
	DroppedEvents   int64            `json:"dropped_events"`
	LastEvent       string           `json:"last_event,omitempty"`
	LastEventTime   time.Time        `json:"last_event_time,omitempty"`
	LargestCluster  int              `json:"largest_cluster"`
	ConceptsDecayed int64            `json:"concepts_decayed"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithMeterProvider records instruments on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Collector) { c.provider = mp }
}

// WithGraphGauges reports concept count, connection count and evolution
// score as observable gauges, read from fn at collection time.
func WithGraphGauges(fn func() GraphReading) Option {
	return func(c *Collector) { c.gauges = fn }
}

// Collector subscribes to the event log and aggregates metrics.
type Collector struct {
	log      *bus.Log
	provider metric.MeterProvider
	gauges   func() GraphReading

	events      metric.Int64Counter
	clusterSize metric.Int64Histogram
	decayed     metric.Int64Counter
	reg         metric.Registration

	mu           sync.RWMutex
	stats        Stats
	recentEvents []bus.Event
	maxEvents    int
	sub          bus.SubscriptionID
	stopped      bool
}

// NewCollector creates a collector for l. Call Start to begin listening.
func NewCollector(l *bus.Log, opts ...Option) (*Collector, error) {
	c := &Collector{
		log: l,
		stats: Stats{
			StartTime:    time.Now(),
			EventsByKind: make(map[string]int64),
		},
		recentEvents: make([]bus.Event, 0),
		maxEvents:    50,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.provider == nil {
		c.provider = otel.GetMeterProvider()
	}

	meter := c.provider.Meter(meterName)
	var err error
	if c.events, err = meter.Int64Counter("evolution.events",
		metric.WithDescription("Evolution events appended, by kind")); err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	if c.clusterSize, err = meter.Int64Histogram("evolution.cascade.largest_cluster",
		metric.WithDescription("Largest cluster found by each cascade run")); err != nil {
		return nil, fmt.Errorf("create cluster histogram: %w", err)
	}
	if c.decayed, err = meter.Int64Counter("evolution.decay.concepts_removed",
		metric.WithDescription("Concepts removed by decay")); err != nil {
		return nil, fmt.Errorf("create decay counter: %w", err)
	}

	if c.gauges != nil {
		if err := c.registerGauges(meter); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) registerGauges(meter metric.Meter) error {
	concepts, err := meter.Int64ObservableGauge("evolution.concepts",
		metric.WithDescription("Concepts in the graph"))
	if err != nil {
		return fmt.Errorf("create concepts gauge: %w", err)
	}
	connections, err := meter.Int64ObservableGauge("evolution.connections",
		metric.WithDescription("Connections in the graph"))
	if err != nil {
		return fmt.Errorf("create connections gauge: %w", err)
	}
	score, err := meter.Float64ObservableGauge("evolution.score",
		metric.WithDescription("Mean capability level"))
	if err != nil {
		return fmt.Errorf("create score gauge: %w", err)
	}

	c.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r := c.gauges()
		o.ObserveInt64(concepts, int64(r.Concepts))
		o.ObserveInt64(connections, int64(r.Connections))
		o.ObserveFloat64(score, r.EvolutionScore)
		return nil
	}, concepts, connections, score)
	if err != nil {
		return fmt.Errorf("register gauge callback: %w", err)
	}
	return nil
}

// Start begins listening to the event log.
func (c *Collector) Start() {
	if c.log == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.sub != "" {
		return
	}
	c.sub = c.log.Subscribe("", c.handleEvent)
}

// Stop stops listening and unregisters the gauges.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	if c.sub != "" {
		_ = c.log.Unsubscribe(c.sub)
		c.sub = ""
	}
	if c.reg != nil {
		_ = c.reg.Unregister()
	}
}

// Stats returns a copy of the aggregated counters.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Uptime = time.Since(stats.StartTime).Round(time.Second).String()
	stats.EventsByKind = make(map[string]int64, len(c.stats.EventsByKind))
	for k, v := range c.stats.EventsByKind {
		stats.EventsByKind[k] = v
	}
	if c.log != nil {
		_, stats.DroppedEvents = c.log.Stats()
	}
	return stats
}

// RecentEvents returns up to n of the most recently observed events.
func (c *Collector) RecentEvents(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.recentEvents) {
		n = len(c.recentEvents)
	}
	events := make([]bus.Event, n)
	copy(events, c.recentEvents[len(c.recentEvents)-n:])
	return events
}

func (c *Collector) handleEvent(event bus.Event) {
	ctx := context.Background()
	c.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(event.Kind))))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}

	c.stats.TotalEvents++
	c.stats.EventsByKind[string(event.Kind)]++
	c.stats.LastEvent = event.Description
	c.stats.LastEventTime = event.Timestamp

	switch event.Kind {
	case bus.KindCascadeCompleted:
		if event.ClusterSize != nil {
			size := *event.ClusterSize
			c.clusterSize.Record(ctx, int64(size))
			if size > c.stats.LargestCluster {
				c.stats.LargestCluster = size
			}
		}
	case bus.KindDecayApplied:
		if n := toInt64(event.Extra["concepts_removed"]); n > 0 {
			c.decayed.Add(ctx, n)
			c.stats.ConceptsDecayed += n
		}
	}
}

// toInt64 reads a numeric extra, which is an int in process and a float64
// after a JSON round trip.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/normanking/cortex-evolution/internal/bus"
)

func newTestCollector(t *testing.T, opts ...Option) (*Collector, *bus.Log, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	l := bus.NewLog(100)
	t.Cleanup(func() { _ = l.Close() })

	c, err := NewCollector(l, append([]Option{WithMeterProvider(mp)}, opts...)...)
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)
	return c, l, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumInt64(m metricdata.Metrics) int64 {
	var total int64
	if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
	}
	return total
}

func TestCollector_CountsEvents(t *testing.T) {
	c, l, reader := newTestCollector(t)

	l.Append(bus.NewEvent(bus.KindNewConcept, "learned new concept \"python\""))
	l.Append(bus.NewEvent(bus.KindNewConcept, "learned new concept \"flask\""))
	l.Append(bus.NewEvent(bus.KindCascadeCompleted, "cascade").WithClusterSize(4))
	l.Append(bus.NewEvent(bus.KindDecayApplied, "decay").WithExtra("concepts_removed", 3))

	require.Eventually(t, func() bool {
		return c.Stats().TotalEvents == 4
	}, time.Second, 5*time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.EventsByKind[string(bus.KindNewConcept)])
	assert.Equal(t, 4, stats.LargestCluster)
	assert.Equal(t, int64(3), stats.ConceptsDecayed)
	assert.Equal(t, "decay", stats.LastEvent)
	assert.NotEmpty(t, stats.Uptime)

	metrics := collect(t, reader)
	assert.Equal(t, int64(4), sumInt64(metrics["evolution.events"]))
	assert.Equal(t, int64(3), sumInt64(metrics["evolution.decay.concepts_removed"]))

	hist, ok := metrics["evolution.cascade.largest_cluster"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestCollector_RecentEvents(t *testing.T) {
	c, l, _ := newTestCollector(t)

	for i := 0; i < 60; i++ {
		l.Append(bus.NewEvent(bus.KindNewConcept, "c"))
	}
	require.Eventually(t, func() bool {
		return c.Stats().TotalEvents == 60
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, c.RecentEvents(100), 50)
	recent := c.RecentEvents(2)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(60), recent[1].ID)
}

func TestCollector_GraphGauges(t *testing.T) {
	_, _, reader := newTestCollector(t, WithGraphGauges(func() GraphReading {
		return GraphReading{Concepts: 12, Connections: 30, EvolutionScore: 0.4}
	}))

	metrics := collect(t, reader)

	concepts, ok := metrics["evolution.concepts"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, concepts.DataPoints, 1)
	assert.Equal(t, int64(12), concepts.DataPoints[0].Value)

	score, ok := metrics["evolution.score"].Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	assert.InDelta(t, 0.4, score.DataPoints[0].Value, 1e-9)
}

func TestCollector_StopUnsubscribes(t *testing.T) {
	c, l, _ := newTestCollector(t)
	require.Equal(t, 1, l.SubscriptionsCount())

	c.Stop()
	c.Stop()
	assert.Equal(t, 0, l.SubscriptionsCount())
}

func TestToInt64(t *testing.T) {
	assert.Equal(t, int64(3), toInt64(3))
	assert.Equal(t, int64(3), toInt64(float64(3)))
	assert.Equal(t, int64(0), toInt64("3"))
	assert.Equal(t, int64(0), toInt64(nil))
}

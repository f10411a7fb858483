package cascade

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/graph"
)

// Trigger says why a cascade run started.
type Trigger string

const (
	TriggerManual      Trigger = "manual"
	TriggerThreshold   Trigger = "threshold"
	TriggerMaintenance Trigger = "maintenance"
)

// Config holds detector settings.
type Config struct {
	// WeightThreshold is the minimum connection weight that joins a cluster.
	WeightThreshold float64

	// Timeout bounds a single run. Zero means no limit beyond the caller's context.
	Timeout time.Duration
}

// DefaultConfig returns the default detector settings.
func DefaultConfig() Config {
	return Config{
		WeightThreshold: 0.5,
		Timeout:         5 * time.Second,
	}
}

// Report holds the results of one cascade run.
type Report struct {
	RunID      string    `json:"run_id,omitempty"`
	Trigger    Trigger   `json:"trigger"`
	Busy       bool      `json:"busy"`
	Clusters   []Cluster `json:"clusters"`
	Threshold  float64   `json:"threshold"`
	Generation uint64    `json:"generation"`

	// Timing
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// LargestCluster returns the size of the biggest cluster, or 0.
func (r Report) LargestCluster() int {
	if len(r.Clusters) == 0 {
		return 0
	}
	return r.Clusters[0].Size
}

// Detector runs cluster detection, one run at a time.
type Detector struct {
	cfg  Config
	sink graph.EventSink

	running atomic.Bool
	runs    atomic.Int64
	busy    atomic.Int64
	last    atomic.Pointer[Report]
}

// NewDetector creates a Detector that reports completed runs to sink.
// sink may be nil.
func NewDetector(cfg Config, sink graph.EventSink) *Detector {
	if cfg.WeightThreshold < 0 {
		cfg.WeightThreshold = 0
	}
	return &Detector{cfg: cfg, sink: sink}
}

// Threshold returns the configured weight threshold.
func (d *Detector) Threshold() float64 {
	return d.cfg.WeightThreshold
}

// Run detects clusters in snap. If another run is in progress it returns
// immediately with Busy set; that is not an error. A completed run emits one
// cascade_completed event carrying the largest cluster size.
func (d *Detector) Run(ctx context.Context, snap *graph.Snapshot, trigger Trigger) (Report, error) {
	if !d.running.CompareAndSwap(false, true) {
		d.busy.Add(1)
		log.Debug().Str("trigger", string(trigger)).Msg("cascade already running, skipping")
		return Report{Trigger: trigger, Busy: true, Generation: snap.Generation()}, nil
	}
	defer d.running.Store(false)

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	report := Report{
		RunID:      uuid.New().String(),
		Trigger:    trigger,
		Threshold:  d.cfg.WeightThreshold,
		Generation: snap.Generation(),
		StartedAt:  start,
	}

	clusters, err := DetectClusters(ctx, snap, d.cfg.WeightThreshold)
	if err != nil {
		log.Warn().Err(err).Str("run_id", report.RunID).Msg("cascade run aborted")
		return report, fmt.Errorf("detect clusters: %w", err)
	}
	report.Clusters = clusters
	report.Duration = time.Since(start)
	d.runs.Add(1)
	d.last.Store(&report)

	if d.sink != nil {
		d.sink.Append(bus.NewEvent(bus.KindCascadeCompleted,
			fmt.Sprintf("cascade found %d clusters, largest has %d concepts", len(clusters), report.LargestCluster())).
			WithClusterSize(report.LargestCluster()).
			WithGeneration(report.Generation).
			WithExtra("run_id", report.RunID).
			WithExtra("clusters", len(clusters)).
			WithExtra("trigger", string(trigger)))
	}

	log.Info().
		Str("run_id", report.RunID).
		Str("trigger", string(trigger)).
		Int("clusters", len(clusters)).
		Int("largest", report.LargestCluster()).
		Dur("duration", report.Duration).
		Msg("cascade complete")

	return report, nil
}

// Running reports whether a run is in progress.
func (d *Detector) Running() bool {
	return d.running.Load()
}

// Last returns the most recent completed report, if any.
func (d *Detector) Last() (Report, bool) {
	r := d.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Stats returns the number of completed runs and of runs skipped as busy.
func (d *Detector) Stats() (completed, busy int64) {
	return d.runs.Load(), d.busy.Load()
}

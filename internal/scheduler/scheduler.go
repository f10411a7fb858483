// Package scheduler runs the engine's periodic jobs (decay, flush and the
// maintenance cascade) on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Standard job names.
const (
	JobDecay       = "decay"
	JobFlush       = "flush"
	JobMaintenance = "maintenance"
)

var (
	// ErrUnknownJob is returned by RunNow for a name that was never registered.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by RunNow when the job is already executing.
	ErrJobRunning = errors.New("job already running")
)

// Func is the body of a job.
type Func func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single execution. Zero means no limit.
	Timeout time.Duration
	Run     Func
}

// JobStats reports how a job has been doing.
type JobStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Skipped  int64         `json:"skipped"`
	Failures int64         `json:"failures"`
	Running  bool          `json:"running"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
	NextRun  time.Time     `json:"next_run,omitempty"`
}

type jobState struct {
	job   Job
	entry cron.EntryID

	running  atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// Scheduler manages the periodic jobs. Each job has a skip guard: a tick
// that fires while the previous execution is still running is dropped and
// counted, never queued.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.RWMutex
	jobs    map[string]*jobState
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler with no jobs.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		jobs:   make(map[string]*jobState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job firing every job.Interval.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no function", job.Name)
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %v", job.Name, job.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	js := &jobState{job: job}
	id, err := s.cron.AddFunc("@every "+job.Interval.String(), func() {
		if err := s.execute(s.ctx, js); err != nil && !errors.Is(err, ErrJobRunning) {
			log.Warn().Err(err).Str("job", js.job.Name).Msg("scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("registering job %s every %v: %w", job.Name, job.Interval, err)
	}
	js.entry = id
	s.jobs[job.Name] = js

	log.Debug().Str("job", job.Name).Dur("interval", job.Interval).Msg("job registered")
	return nil
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop halts the scheduler and waits for running jobs to finish or for ctx
// to expire. Jobs see their context cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// RunNow executes the named job synchronously through the same skip guard
// as scheduled ticks. It returns ErrJobRunning if the job is busy.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	js, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, js)
}

func (s *Scheduler) execute(ctx context.Context, js *jobState) error {
	if !js.running.CompareAndSwap(false, true) {
		n := js.skipped.Add(1)
		log.Debug().Str("job", js.job.Name).Int64("skipped", n).Msg("previous run still active, tick skipped")
		return ErrJobRunning
	}
	defer js.running.Store(false)

	if js.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, js.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := js.job.Run(ctx)
	js.runs.Add(1)
	if err != nil {
		js.failures.Add(1)
	}

	js.mu.Lock()
	js.lastRun = start
	js.lastErr = err
	js.mu.Unlock()

	log.Debug().
		Str("job", js.job.Name).
		Dur("duration", time.Since(start)).
		Bool("ok", err == nil).
		Msg("job finished")
	return err
}

// Stats returns per-job statistics sorted by name.
func (s *Scheduler) Stats() []JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStats, 0, len(s.jobs))
	for _, js := range s.jobs {
		st := JobStats{
			Name:     js.job.Name,
			Interval: js.job.Interval,
			Runs:     js.runs.Load(),
			Skipped:  js.skipped.Load(),
			Failures: js.failures.Load(),
			Running:  js.running.Load(),
			NextRun:  s.cron.Entry(js.entry).Next,
		}
		js.mu.Lock()
		st.LastRun = js.lastRun
		if js.lastErr != nil {
			st.LastErr = js.lastErr.Error()
		}
		js.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Package cleanup evicts finished workflow executions on a fixed interval so
// long sessions with many short workflows do not grow without bound. Running
// executions are never evicted, nor are executions the caller asks to keep
// (the viewed workflow).
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/workflow/state"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

type (
	// Evictor removes terminal executions completed before cutoff, except
	// those keep reports, and returns them. *router.Router implements it.
	Evictor interface {
		Sweep(cutoff time.Time, keep func(workflowID string) bool) []state.WorkflowStreamState
	}

	// Archiver persists evicted executions before they are forgotten.
	Archiver interface {
		Archive(ctx context.Context, execs []state.WorkflowStreamState) error
	}

	// Options configures a Scheduler.
	Options struct {
		// Evictor is swept on every tick. Required.
		Evictor Evictor
		// Archiver receives evicted executions. Optional.
		Archiver Archiver
		// Keep reports executions that must survive the sweep regardless
		// of age. Optional.
		Keep func(workflowID string) bool
		// OnEvicted runs after every sweep that evicted executions, with
		// the evicted executions. Optional.
		OnEvicted func(ctx context.Context, evicted []state.WorkflowStreamState)
		// Interval between sweeps. Defaults to 10 minutes.
		Interval time.Duration
		// Retention is how long a terminal execution is kept after it
		// completed. Defaults to Interval.
		Retention time.Duration
		// Clock returns the current time. Defaults to time.Now.
		Clock   func() time.Time
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Scheduler runs the recurring sweep.
	Scheduler struct {
		evictor   Evictor
		archiver  Archiver
		keep      func(string) bool
		onEvicted func(context.Context, []state.WorkflowStreamState)
		interval  time.Duration
		retention time.Duration
		now       func() time.Time
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// DefaultInterval is the sweep interval used when none is configured.
const DefaultInterval = 10 * time.Minute

// New returns a scheduler. Call Start to begin sweeping.
func New(opts Options) (*Scheduler, error) {
	if opts.Evictor == nil {
		return nil, errors.New("evictor is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = interval
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		evictor:   opts.Evictor,
		archiver:  opts.Archiver,
		keep:      opts.Keep,
		onEvicted: opts.OnEvicted,
		interval:  interval,
		retention: retention,
		now:       clock,
		logger:    telemetry.Or(opts.Logger),
		metrics:   telemetry.OrMetrics(opts.Metrics),
	}, nil
}

// Start launches the sweep loop. Starting a started scheduler restarts it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(ctx, done)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *Scheduler) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepNow(ctx)
		}
	}
}

// SweepNow evicts every terminal execution that completed more than the
// retention window ago and returns the evicted executions. Archive failures
// are logged and never prevent eviction. OnEvicted runs after archiving.
func (s *Scheduler) SweepNow(ctx context.Context) []state.WorkflowStreamState {
	cutoff := s.now().Add(-s.retention)
	evicted := s.evictor.Sweep(cutoff, s.keep)
	if len(evicted) == 0 {
		return nil
	}
	s.metrics.IncCounter(telemetry.MetricEvicted, float64(len(evicted)))
	s.logger.Debug(ctx, "evicted finished workflows", "count", len(evicted), "cutoff", cutoff.Format(time.RFC3339))
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, evicted); err != nil {
			s.logger.Error(ctx, "archive evicted workflows", "count", len(evicted), "err", err)
		}
	}
	if s.onEvicted != nil {
		s.onEvicted(ctx, evicted)
	}
	return evicted
}

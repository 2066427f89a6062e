// Package router demultiplexes the shared workflow event stream. The router
// owns the single subscription to the event source, keeps one
// WorkflowStreamState per registered workflow, folds every chunk into the state
// of the workflow it belongs to and forwards events to the viewed-workflow
// bridge, the human-in-the-loop gates and the notification center.
//
// Events are processed by one goroutine in the order the source delivers them,
// so events of a single workflow are never reordered. Chunks for workflows that
// are not registered are dropped: late events after a reset are expected and
// are not errors.
package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/switchboard-ai/switchboard/runtime/workflow/observable"
	"github.com/switchboard-ai/switchboard/runtime/workflow/state"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

type (
	// Executions maps workflow ids to their state. Values published by the
	// router are never modified afterwards and must not be modified by
	// readers.
	Executions map[string]state.WorkflowStreamState

	// Viewer mirrors the viewed workflow. *bridge.Bridge implements it.
	Viewer interface {
		IsViewed(workflowID string) bool
		ForwardChunk(c stream.Chunk) bool
		ForwardComplete(c stream.Complete) bool
	}

	// Notifier raises workflow notifications. *notify.Center implements it.
	Notifier interface {
		AddUserQuestion(workflowID, name, question string) string
		AddWorkflowComplete(workflowID, name string, status stream.Status, errMsg string) string
		DismissForWorkflow(workflowID string) int
	}

	// QuestionHandler receives every question chunk together with whether
	// its workflow is the viewed one.
	QuestionHandler func(ctx context.Context, c stream.UserQuestionStart, viewed bool)

	// QuestionResolvedHandler receives engine-side question completions.
	QuestionResolvedHandler func(ctx context.Context, c stream.UserQuestionComplete)

	// ValidationHandler receives every validation chunk together with
	// whether its workflow is the viewed one.
	ValidationHandler func(ctx context.Context, c stream.ValidationRequired, viewed bool)

	// Options configures a Router.
	Options struct {
		// Source is the shared event channel. Required.
		Source stream.Source
		// Viewer mirrors the viewed workflow. Optional.
		Viewer Viewer
		// Notifier raises notifications. Optional.
		Notifier Notifier
		// OnQuestion, OnQuestionResolved and OnValidation feed the gates.
		// Optional.
		OnQuestion         QuestionHandler
		OnQuestionResolved QuestionResolvedHandler
		OnValidation       ValidationHandler
		// Clock returns the current time. Defaults to time.Now.
		Clock   func() time.Time
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Router is the event router. Construct with New; the zero value is not
	// usable.
	Router struct {
		source             stream.Source
		viewer             Viewer
		notifier           Notifier
		onQuestion         QuestionHandler
		onQuestionResolved QuestionResolvedHandler
		onValidation       ValidationHandler
		now                func() time.Time
		logger             telemetry.Logger
		metrics            telemetry.Metrics

		execs   *observable.Store[Executions]
		running *observable.View[int]

		dropWarn rate.Sometimes

		// flow serializes folding and forwarding with viewed-workflow
		// switches.
		flow sync.Mutex

		lifecycle sync.Mutex
		cancel    context.CancelFunc
		done      chan struct{}
	}
)

// ErrInvalidWorkflowID is returned when registering an empty workflow id.
var ErrInvalidWorkflowID = errors.New("invalid workflow id")

// New returns a router. Call Init to start consuming events.
func New(opts Options) (*Router, error) {
	if opts.Source == nil {
		return nil, errors.New("event source is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	execs := observable.New(Executions{})
	return &Router{
		source:             opts.Source,
		viewer:             opts.Viewer,
		notifier:           opts.Notifier,
		onQuestion:         opts.OnQuestion,
		onQuestionResolved: opts.OnQuestionResolved,
		onValidation:       opts.OnValidation,
		now:                clock,
		logger:             telemetry.Or(opts.Logger),
		metrics:            telemetry.OrMetrics(opts.Metrics),
		execs:              execs,
		running:            observable.Derive[Executions, int](execs, countRunning),
		dropWarn:           rate.Sometimes{Interval: 30 * time.Second},
	}, nil
}

// Init subscribes to the event source and starts the event loop. Calling Init
// again tears down the previous subscription first so events are never
// delivered twice. A subscription failure is returned to the caller.
func (r *Router) Init(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.teardownLocked()

	loopCtx, stop := context.WithCancel(ctx)
	events, errs, cancel, err := r.source.Subscribe(loopCtx)
	if err != nil {
		stop()
		return fmt.Errorf("subscribe to workflow events: %w", err)
	}
	done := make(chan struct{})
	r.cancel = func() {
		stop()
		cancel()
	}
	r.done = done
	go r.loop(loopCtx, events, errs, done)
	return nil
}

// Destroy stops the event loop and waits for it to exit. Registered
// executions are kept. Destroy is idempotent.
func (r *Router) Destroy() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.teardownLocked()
}

func (r *Router) teardownLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}

func (r *Router) loop(ctx context.Context, events <-chan stream.Event, errs <-chan error, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Dispatch(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.Warn(ctx, "workflow event source error", "err", err)
		}
	}
}

// Dispatch routes one event from the shared channel.
func (r *Router) Dispatch(ctx context.Context, ev stream.Event) {
	switch e := ev.(type) {
	case stream.Chunk:
		r.HandleChunk(ctx, e)
	case stream.Complete:
		r.HandleComplete(ctx, e)
	case nil:
	default:
		r.logger.Warn(ctx, "unsupported workflow event", "type", string(ev.Type()), "workflow_id", ev.WorkflowID())
	}
}

// Register seeds a running state for workflowID. Registering a running
// workflow again is a no-op; registering a terminal one restarts it.
func (r *Router) Register(workflowID, agentID, name string) error {
	if workflowID == "" {
		return ErrInvalidWorkflowID
	}
	now := r.now()
	r.execs.Modify(func(m Executions) (Executions, bool) {
		if cur, ok := m[workflowID]; ok && cur.Running() {
			return m, false
		}
		next := maps.Clone(m)
		next[workflowID] = state.New(workflowID, agentID, name, now)
		return next, true
	})
	return nil
}

// TryRegister registers workflowID iff fewer than limit executions are
// running. The check and the registration are atomic. Registering a workflow
// that is already running succeeds without changing anything.
func (r *Router) TryRegister(limit int, workflowID, agentID, name string) (bool, error) {
	if workflowID == "" {
		return false, ErrInvalidWorkflowID
	}
	now := r.now()
	admitted := false
	r.execs.Modify(func(m Executions) (Executions, bool) {
		if cur, ok := m[workflowID]; ok && cur.Running() {
			admitted = true
			return m, false
		}
		if countRunning(m) >= limit {
			return m, false
		}
		admitted = true
		next := maps.Clone(m)
		next[workflowID] = state.New(workflowID, agentID, name, now)
		return next, true
	})
	return admitted, nil
}

// HandleChunk folds c into the state of its workflow and forwards it.
func (r *Router) HandleChunk(ctx context.Context, c stream.Chunk) {
	if c == nil {
		return
	}
	id := c.WorkflowID()
	now := r.now()
	var (
		found  bool
		folded bool
		name   string
	)
	r.flow.Lock()
	r.execs.Modify(func(m Executions) (Executions, bool) {
		cur, ok := m[id]
		if !ok {
			return m, false
		}
		found, name = true, cur.Name
		if cur.Terminal() {
			return m, false
		}
		folded = true
		next := maps.Clone(m)
		next[id] = state.Fold(cur, c, now)
		return next, true
	})
	viewed := r.viewer != nil && r.viewer.IsViewed(id)
	if folded && viewed {
		r.viewer.ForwardChunk(c)
	}
	r.flow.Unlock()

	if found {
		r.metrics.IncCounter(telemetry.MetricChunksRouted, 1, "kind", string(c.Kind()))
	} else {
		r.drop(ctx, c)
	}

	// Only running workflows get a notice: nothing would dismiss one raised
	// for an unknown or finished workflow.
	notice := folded && !viewed && r.notifier != nil
	switch v := c.(type) {
	case stream.UserQuestionStart:
		if r.onQuestion != nil {
			r.onQuestion(ctx, v, viewed)
		}
		if notice {
			r.notifier.AddUserQuestion(id, name, v.Question.Text)
		}
	case stream.UserQuestionComplete:
		if r.onQuestionResolved != nil {
			r.onQuestionResolved(ctx, v)
		}
	case stream.ValidationRequired:
		if r.onValidation != nil {
			r.onValidation(ctx, v, viewed)
		}
		if notice {
			r.notifier.AddUserQuestion(id, name, validationNotice(v.Validation))
		}
	}
}

// HandleComplete freezes the state of the completed workflow, mirrors the
// completion when the workflow is viewed and raises the completion notice
// otherwise. Duplicate completions are ignored.
func (r *Router) HandleComplete(ctx context.Context, c stream.Complete) {
	id := c.Workflow
	now := r.now()
	var (
		found    bool
		frozen   bool
		finished state.WorkflowStreamState
	)
	r.flow.Lock()
	r.execs.Modify(func(m Executions) (Executions, bool) {
		cur, ok := m[id]
		if !ok {
			return m, false
		}
		found = true
		if cur.Terminal() {
			return m, false
		}
		frozen = true
		finished = state.ApplyComplete(cur, c, now)
		next := maps.Clone(m)
		next[id] = finished
		return next, true
	})
	viewed := frozen && r.viewer != nil && r.viewer.IsViewed(id)
	if viewed {
		r.viewer.ForwardComplete(c)
	}
	r.flow.Unlock()

	if !found {
		r.drop(ctx, c)
		return
	}
	if !frozen {
		r.logger.Debug(ctx, "duplicate workflow completion ignored", "workflow_id", id)
		return
	}
	r.metrics.IncCounter(telemetry.MetricWorkflowsFinished, 1, "status", string(finished.Status))
	r.metrics.RecordGauge(telemetry.MetricRunningWorkflows, float64(r.RunningCount()))
	r.logger.Info(ctx, "workflow finished",
		"workflow_id", id, "status", string(finished.Status), "duration", now.Sub(finished.StartedAt).String())

	if r.notifier == nil {
		return
	}
	r.notifier.DismissForWorkflow(id)
	if !viewed {
		r.notifier.AddWorkflowComplete(id, finished.Name, finished.Status, finished.Error)
	}
}

// SwitchViewed calls fn with the stored state of workflowID (ok is false when
// it is not registered or workflowID is empty) while no chunk or completion is
// being folded. fn switches the viewed workflow and seeds its live mirror, so
// every event is either part of the snapshot or forwarded after the switch.
// fn must not call back into the router.
func (r *Router) SwitchViewed(workflowID string, fn func(snapshot state.WorkflowStreamState, ok bool)) {
	r.flow.Lock()
	defer r.flow.Unlock()
	var (
		s  state.WorkflowStreamState
		ok bool
	)
	if workflowID != "" {
		s, ok = r.execs.Get()[workflowID]
	}
	fn(s, ok)
}

// Get returns the state of workflowID.
func (r *Router) Get(workflowID string) (state.WorkflowStreamState, bool) {
	s, ok := r.execs.Get()[workflowID]
	return s, ok
}

// List returns every registered execution ordered by start time.
func (r *Router) List() []state.WorkflowStreamState {
	out := slices.Collect(maps.Values(r.execs.Get()))
	slices.SortFunc(out, func(a, b state.WorkflowStreamState) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.WorkflowID, b.WorkflowID)
	})
	return out
}

// RunningCount returns the number of running executions.
func (r *Router) RunningCount() int {
	return countRunning(r.execs.Get())
}

// Executions returns the observable execution map.
func (r *Router) Executions() observable.Readable[Executions] {
	return r.execs
}

// Running returns an observable count of running executions.
func (r *Router) Running() observable.Readable[int] {
	return r.running
}

// MarkQuestionResolved clears the pending question flag of workflowID.
func (r *Router) MarkQuestionResolved(workflowID string) bool {
	_, changed := r.execs.Modify(func(m Executions) (Executions, bool) {
		cur, ok := m[workflowID]
		if !ok || !cur.HasPendingQuestion {
			return m, false
		}
		cur.HasPendingQuestion = false
		next := maps.Clone(m)
		next[workflowID] = cur
		return next, true
	})
	return changed
}

// Sweep removes terminal executions that completed before cutoff and returns
// them. Running executions are never removed, nor are executions for which
// keep (when not nil) returns true.
func (r *Router) Sweep(cutoff time.Time, keep func(workflowID string) bool) []state.WorkflowStreamState {
	var evicted []state.WorkflowStreamState
	r.execs.Modify(func(m Executions) (Executions, bool) {
		next := make(Executions, len(m))
		for id, s := range m {
			if s.CompletedBefore(cutoff) && (keep == nil || !keep(id)) {
				evicted = append(evicted, s)
				continue
			}
			next[id] = s
		}
		return next, len(evicted) > 0
	})
	return evicted
}

// Remove forgets workflowID regardless of its status and reports whether it
// was registered.
func (r *Router) Remove(workflowID string) bool {
	_, removed := r.execs.Modify(func(m Executions) (Executions, bool) {
		if _, ok := m[workflowID]; !ok {
			return m, false
		}
		next := maps.Clone(m)
		delete(next, workflowID)
		return next, true
	})
	return removed
}

func (r *Router) drop(ctx context.Context, ev stream.Event) {
	r.metrics.IncCounter(telemetry.MetricEventsDropped, 1, "type", string(ev.Type()))
	r.logger.Debug(ctx, "event for unknown workflow dropped", "workflow_id", ev.WorkflowID(), "type", string(ev.Type()))
	r.dropWarn.Do(func() {
		r.logger.Warn(ctx, "dropping events for unknown workflows", "workflow_id", ev.WorkflowID())
	})
}

func countRunning(m Executions) int {
	n := 0
	for _, s := range m {
		if s.Running() {
			n++
		}
	}
	return n
}

func validationNotice(v stream.Validation) string {
	if v.Summary != "" {
		return fmt.Sprintf("Approval required: %s", v.Summary)
	}
	if v.Operation != "" {
		return fmt.Sprintf("Approval required for %s", v.Operation)
	}
	return "Approval required"
}

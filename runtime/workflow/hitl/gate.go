// Package hitl implements the human-in-the-loop gates: a queue of interactive
// questions and a queue of operation validations raised by running workflows.
//
// Each gate is a bounded FIFO that accumulates pending items for every
// workflow and exposes the one currently shown to the operator. Resolving an
// item calls back into the execution engine; the engine is the source of
// truth, so the item only leaves the queue once the call succeeds. A failed
// call leaves the item in place, records the error on the gate state and
// keeps the queue where it was so the operator can retry.
package hitl

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/switchboard-ai/switchboard/runtime/workflow/observable"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

type (
	// View is the observable state of a gate.
	View[T any] struct {
		// Pending lists queued items, oldest first.
		Pending []T
		// Current is the item presented to the operator, if any.
		Current *T
		// Open reports whether the gate's dialog is shown.
		Open bool
		// Busy is set while an engine call for Current is in flight.
		Busy bool
		// Error is the message of the last failed engine call for Current.
		Error string
	}

	// Options holds the settings shared by both gates.
	Options struct {
		// MaxPending bounds the queue; the oldest items are dropped first.
		// Defaults to 100.
		MaxPending int
		// Names resolves workflow display names. Optional.
		Names func(workflowID string) string
		// OnWorkflowCleared is called after the last pending item of a
		// workflow leaves the queue through a resolution or because the
		// queue overflowed. Optional.
		OnWorkflowCleared func(ctx context.Context, workflowID string)
		// Clock returns the current time. Defaults to time.Now.
		Clock   func() time.Time
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// gate is the queue machinery shared by QuestionGate and ValidationGate.
	gate[T any] struct {
		kind     string
		store    *observable.Store[View[T]]
		max      int
		key      func(T) string
		workflow func(T) string
		cleared  func(ctx context.Context, workflowID string)
		names    func(string) string
		now      func() time.Time
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
	}
)

var (
	// ErrNothingPending is returned when a resolution is requested but no
	// item is current.
	ErrNothingPending = errors.New("no pending item")
	// ErrBusy is returned when a resolution is requested while another one
	// is in flight.
	ErrBusy = errors.New("resolution already in progress")
)

const defaultMaxPending = 100

func newGate[T any](kind string, opts Options, key, workflow func(T) string) *gate[T] {
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	names := opts.Names
	if names == nil {
		names = func(string) string { return "" }
	}
	return &gate[T]{
		kind:     kind,
		store:    observable.New(View[T]{}),
		max:      maxPending,
		key:      key,
		workflow: workflow,
		cleared:  opts.OnWorkflowCleared,
		names:    names,
		now:      clock,
		logger:   telemetry.Or(opts.Logger),
		metrics:  telemetry.OrMetrics(opts.Metrics),
		tracer:   telemetry.OrTracer(opts.Tracer),
	}
}

// enqueue appends item unless an item with the same key is queued. When show
// is set and no item is current, the item becomes current and the gate opens.
// Items dropped to honor the bound fire the cleared hook for every workflow
// left with nothing pending. It returns the number of dropped items.
func (g *gate[T]) enqueue(ctx context.Context, item T, show bool) int {
	var dropped []T
	g.store.Modify(func(v View[T]) (View[T], bool) {
		k := g.key(item)
		if slices.ContainsFunc(v.Pending, func(p T) bool { return g.key(p) == k }) {
			return v, false
		}
		pending := append(slices.Clone(v.Pending), item)
		if over := len(pending) - g.max; over > 0 {
			dropped = pending[:over]
			pending = pending[over:]
		}
		v.Pending = pending
		if v.Current != nil && !g.contains(pending, g.key(*v.Current)) {
			v.Current, v.Open, v.Error = nil, false, ""
		}
		if show && v.Current == nil {
			cur := item
			v.Current, v.Open, v.Error = &cur, true, ""
		}
		return v, true
	})
	if len(dropped) > 0 && g.cleared != nil {
		var seen []string
		for _, p := range dropped {
			wf := g.workflow(p)
			if slices.Contains(seen, wf) {
				continue
			}
			seen = append(seen, wf)
			if g.pendingFor(wf) == 0 {
				g.cleared(ctx, wf)
			}
		}
	}
	return len(dropped)
}

// resolve runs call against the current item and removes it on success.
func (g *gate[T]) resolve(ctx context.Context, op string, call func(context.Context, T) error) (bool, error) {
	var target T
	_, claimed := g.store.Modify(func(v View[T]) (View[T], bool) {
		if v.Current == nil || v.Busy {
			return v, false
		}
		target = *v.Current
		v.Busy = true
		v.Error = ""
		return v, true
	})
	if !claimed {
		v := g.store.Get()
		if v.Current == nil {
			return false, ErrNothingPending
		}
		return false, ErrBusy
	}

	wf := g.workflow(target)
	ctx, span := g.tracer.Start(ctx, "gate."+op)
	defer span.End()
	start := g.now()
	err := call(ctx, target)
	g.metrics.RecordTimer(telemetry.MetricGateLatency, g.now().Sub(start), "gate", g.kind, "op", op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.IncCounter(telemetry.MetricGateFailed, 1, "gate", g.kind, "op", op)
		g.logger.Warn(ctx, "engine rejected gate resolution",
			"gate", g.kind, "op", op, "workflow_id", wf, "item_id", g.key(target), "err", err)
		g.store.Update(func(v View[T]) View[T] {
			v.Busy = false
			v.Error = err.Error()
			return v
		})
		return false, nil
	}
	g.metrics.IncCounter(telemetry.MetricGateResolved, 1, "gate", g.kind, "op", op)
	g.logger.Info(ctx, "gate item resolved", "gate", g.kind, "op", op, "workflow_id", wf, "item_id", g.key(target))
	g.remove(ctx, g.key(target), true)
	return true, nil
}

// remove drops the item with key k, advances Current when it pointed at k and
// fires the cleared hook if the item's workflow has nothing left pending.
// It reports whether an item was removed.
func (g *gate[T]) remove(ctx context.Context, k string, advance bool) bool {
	var (
		wf      string
		removed bool
		cleared bool
	)
	g.store.Modify(func(v View[T]) (View[T], bool) {
		i := slices.IndexFunc(v.Pending, func(p T) bool { return g.key(p) == k })
		if i < 0 {
			if advance && v.Busy {
				v.Busy = false
				return v, true
			}
			return v, false
		}
		removed = true
		wf = g.workflow(v.Pending[i])
		v.Pending = slices.Delete(slices.Clone(v.Pending), i, i+1)
		if v.Current != nil && g.key(*v.Current) == k {
			v.Current, v.Busy, v.Error = nil, false, ""
			if v.Open && len(v.Pending) > 0 {
				next := v.Pending[0]
				v.Current = &next
			}
			if v.Current == nil {
				v.Open = false
			}
		}
		if advance {
			v.Busy = false
		}
		cleared = !slices.ContainsFunc(v.Pending, func(p T) bool { return g.workflow(p) == wf })
		return v, true
	})
	if removed && cleared && g.cleared != nil {
		g.cleared(ctx, wf)
	}
	return removed
}

// showForWorkflow presents the oldest pending item of workflowID.
func (g *gate[T]) showForWorkflow(workflowID string) bool {
	_, shown := g.store.Modify(func(v View[T]) (View[T], bool) {
		if v.Busy {
			return v, false
		}
		i := slices.IndexFunc(v.Pending, func(p T) bool { return g.workflow(p) == workflowID })
		if i < 0 {
			return v, false
		}
		cur := v.Pending[i]
		v.Current, v.Open, v.Error = &cur, true, ""
		return v, true
	})
	return shown
}

// open presents the oldest pending item of any workflow.
func (g *gate[T]) open() bool {
	_, shown := g.store.Modify(func(v View[T]) (View[T], bool) {
		if len(v.Pending) == 0 || v.Busy {
			return v, false
		}
		if v.Current == nil {
			cur := v.Pending[0]
			v.Current = &cur
		}
		v.Open = true
		return v, true
	})
	return shown
}

// close hides the dialog, keeping every item queued.
func (g *gate[T]) close() {
	g.store.Modify(func(v View[T]) (View[T], bool) {
		if !v.Open && v.Current == nil {
			return v, false
		}
		if v.Busy {
			v.Open = false
			return v, true
		}
		v.Open, v.Current, v.Error = false, nil, ""
		return v, true
	})
}

// dropWorkflow removes every item of workflowID without calling the engine.
func (g *gate[T]) dropWorkflow(workflowID string) int {
	n := 0
	g.store.Modify(func(v View[T]) (View[T], bool) {
		kept := make([]T, 0, len(v.Pending))
		for _, p := range v.Pending {
			if g.workflow(p) == workflowID {
				n++
				continue
			}
			kept = append(kept, p)
		}
		if n == 0 {
			return v, false
		}
		v.Pending = kept
		if v.Current != nil && g.workflow(*v.Current) == workflowID {
			v.Current, v.Open, v.Busy, v.Error = nil, false, false, ""
		}
		return v, true
	})
	return n
}

func (g *gate[T]) reset() {
	g.store.Set(View[T]{})
}

func (g *gate[T]) pendingFor(workflowID string) int {
	n := 0
	for _, p := range g.store.Get().Pending {
		if g.workflow(p) == workflowID {
			n++
		}
	}
	return n
}

func (g *gate[T]) contains(items []T, k string) bool {
	return slices.ContainsFunc(items, func(p T) bool { return g.key(p) == k })
}

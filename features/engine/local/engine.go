// Package local provides an in-process execution engine that runs a scripted
// agent for every launched workflow and publishes its progress on the shared
// event channel. It backs the demo binary and end-to-end tests when no
// Temporal cluster is configured.
package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/workflow/admission"
	"github.com/switchboard-ai/switchboard/runtime/workflow/coordinator"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

type (
	// Options configures the engine.
	Options struct {
		// Publisher receives the events of every run. Required.
		Publisher stream.Publisher
		// Step is the pause between scripted steps. Defaults to 200ms.
		Step   time.Duration
		Logger telemetry.Logger
	}

	// Engine implements coordinator.Engine with scripted runs.
	Engine struct {
		pub    stream.Publisher
		step   time.Duration
		logger telemetry.Logger

		mu   sync.Mutex
		runs map[string]*run
		wg   sync.WaitGroup
	}

	run struct {
		id      string
		req     coordinator.LaunchRequest
		cancel  context.CancelFunc
		mu      sync.Mutex
		waiting map[string]chan decision
	}

	decision struct {
		selected []string
		text     string
		skipped  bool
		approved bool
		reason   string
	}
)

var (
	// ErrUnknownRun is returned for workflows the engine is not running.
	ErrUnknownRun = errors.New("no such run")
	// ErrNotWaiting is returned when the run is not waiting on the item.
	ErrNotWaiting = errors.New("run is not waiting on this item")
)

var _ coordinator.Engine = (*Engine)(nil)

// New returns an engine.
func New(opts Options) (*Engine, error) {
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	step := opts.Step
	if step <= 0 {
		step = 200 * time.Millisecond
	}
	return &Engine{
		pub:    opts.Publisher,
		step:   step,
		logger: telemetry.Or(opts.Logger),
		runs:   make(map[string]*run),
	}, nil
}

// Launch starts a scripted run. The run outlives ctx.
func (e *Engine) Launch(ctx context.Context, req coordinator.LaunchRequest) error {
	if req.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[req.WorkflowID]; ok {
		return fmt.Errorf("run %q already started", req.WorkflowID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{id: req.WorkflowID, req: req, cancel: cancel, waiting: make(map[string]chan decision)}
	e.runs[r.id] = r
	e.wg.Add(1)
	go e.execute(runCtx, r)
	e.logger.Info(ctx, "local run started", "workflow_id", r.id, "mode", string(req.Mode))
	return nil
}

// Cancel stops the run. It completes with a cancelled status.
func (e *Engine) Cancel(_ context.Context, workflowID string) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

func (e *Engine) SubmitQuestionResponse(_ context.Context, workflowID, questionID string, selected []string, text string) error {
	return e.deliver(workflowID, questionID, decision{selected: selected, text: text})
}

func (e *Engine) SkipQuestion(_ context.Context, workflowID, questionID string) error {
	return e.deliver(workflowID, questionID, decision{skipped: true})
}

func (e *Engine) ApproveValidation(_ context.Context, workflowID, validationID string) error {
	return e.deliver(workflowID, validationID, decision{approved: true})
}

func (e *Engine) RejectValidation(_ context.Context, workflowID, validationID, reason string) error {
	return e.deliver(workflowID, validationID, decision{reason: reason})
}

// Close cancels every run and waits for them to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, r := range e.runs {
		r.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) lookup(workflowID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, workflowID)
	}
	return r, nil
}

func (e *Engine) deliver(workflowID, itemID string, d decision) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	ch, ok := r.waiting[itemID]
	delete(r.waiting, itemID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWaiting, itemID)
	}
	ch <- d
	return nil
}

func (e *Engine) execute(ctx context.Context, r *run) {
	defer e.wg.Done()
	status, msg := stream.StatusCompleted, ""
	if err := e.script(ctx, r); err != nil {
		status, msg = stream.StatusError, err.Error()
		if ctx.Err() != nil {
			status, msg = stream.StatusCancelled, ""
		}
	}
	e.mu.Lock()
	delete(e.runs, r.id)
	e.mu.Unlock()
	r.cancel()
	if err := e.pub.Publish(context.Background(), stream.NewComplete(r.id, status, msg)); err != nil {
		e.logger.Error(context.Background(), "publish completion", "workflow_id", r.id, "err", err)
	}
}

// script plays a research-style run: plan, search, ask how detailed the
// report should be, request approval outside automatic mode, then write.
func (e *Engine) script(ctx context.Context, r *run) error {
	id := r.id
	subject := r.req.Name
	if subject == "" {
		subject = r.req.AgentID
	}
	if err := e.emit(ctx, stream.NewReasoning(id, "Planning: "+subject)); err != nil {
		return err
	}
	if err := e.emit(ctx, stream.NewToolStart(id, "search")); err != nil {
		return err
	}
	if err := e.emit(ctx, stream.NewToolEnd(id, "search", e.step)); err != nil {
		return err
	}

	qid := "q-" + id
	answer, err := e.await(ctx, r, qid, stream.NewQuestion(id, stream.Question{
		ID:      qid,
		Text:    "How detailed should the report be?",
		Kind:    stream.QuestionSingleChoice,
		Options: []stream.QuestionOption{{Label: "brief"}, {Label: "detailed"}},
	}))
	if err != nil {
		return err
	}
	if err := e.emit(ctx, stream.UserQuestionComplete{Base: stream.Base{Workflow: id}, QuestionID: qid}); err != nil {
		return err
	}
	depth := "brief"
	if !answer.skipped && len(answer.selected) > 0 {
		depth = answer.selected[0]
	}

	if r.req.Mode != admission.ModeAutomatic {
		vid := "v-" + id
		d, err := e.await(ctx, r, vid, stream.NewValidation(id, stream.Validation{
			ID:        vid,
			Operation: "publish_report",
			Risk:      stream.RiskMedium,
			Summary:   "Publish the " + depth + " report on " + subject,
		}))
		if err != nil {
			return err
		}
		if !d.approved {
			return fmt.Errorf("report rejected: %s", d.reason)
		}
	}

	for _, word := range strings.Fields(fmt.Sprintf("Here is the %s report on %s.", depth, subject)) {
		if err := e.emit(ctx, stream.NewToken(id, word+" ")); err != nil {
			return err
		}
	}
	return nil
}

// await publishes the gate event and blocks until a decision arrives.
func (e *Engine) await(ctx context.Context, r *run, itemID string, ev stream.Event) (decision, error) {
	ch := make(chan decision, 1)
	r.mu.Lock()
	r.waiting[itemID] = ch
	r.mu.Unlock()
	if err := e.emit(ctx, ev); err != nil {
		return decision{}, err
	}
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return decision{}, ctx.Err()
	}
}

func (e *Engine) emit(ctx context.Context, ev stream.Event) error {
	select {
	case <-time.After(e.step):
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.pub.Publish(ctx, ev)
}

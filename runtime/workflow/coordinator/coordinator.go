// Package coordinator assembles the workflow event coordinator: the router,
// the viewed-workflow bridge and live state, admission control, the
// human-in-the-loop gates, notifications and the cleanup scheduler. A Service
// owns one instance of each and wires them together explicitly; there is no
// package-level state, so several services can coexist in one process.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/switchboard-ai/switchboard/runtime/workflow/admission"
	"github.com/switchboard-ai/switchboard/runtime/workflow/bridge"
	"github.com/switchboard-ai/switchboard/runtime/workflow/cleanup"
	"github.com/switchboard-ai/switchboard/runtime/workflow/hitl"
	"github.com/switchboard-ai/switchboard/runtime/workflow/notify"
	"github.com/switchboard-ai/switchboard/runtime/workflow/router"
	"github.com/switchboard-ai/switchboard/runtime/workflow/state"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

type (
	// Launcher starts and cancels workflow executions on the execution
	// engine.
	Launcher interface {
		Launch(ctx context.Context, req LaunchRequest) error
		Cancel(ctx context.Context, workflowID string) error
	}

	// Engine is the full execution engine surface used by the service.
	Engine interface {
		Launcher
		hitl.QuestionEngine
		hitl.ValidationEngine
	}

	// LaunchRequest describes an admitted workflow execution.
	LaunchRequest struct {
		WorkflowID string
		AgentID    string
		Name       string
		Input      string
		Mode       admission.ValidationMode
	}

	// StartRequest asks the service to start a workflow.
	StartRequest struct {
		// WorkflowID is optional; a random id is assigned when empty.
		WorkflowID string
		AgentID    string
		Name       string
		Input      string
	}

	// StartResult reports the outcome of StartWorkflow.
	StartResult struct {
		WorkflowID string
		// Admitted is false when admission control rejected the start.
		Admitted bool
		// MaxConcurrent is the limit in force when the start was decided.
		MaxConcurrent int
	}

	// Options configures a Service.
	Options struct {
		// Source is the shared event channel. Required.
		Source stream.Source
		// Engine executes workflows and resolves gate items. Required.
		Engine Engine
		// Modes supplies the validation mode. Defaults to a ModeStore in
		// manual mode.
		Modes admission.ModeSource
		// Policy holds the admission limits. Zero uses the defaults.
		Policy admission.Policy
		// Archiver persists evicted executions. Optional.
		Archiver cleanup.Archiver
		// CleanupInterval and Retention configure the cleanup sweep.
		CleanupInterval time.Duration
		Retention       time.Duration
		// ToastDuration and MaxToasts configure notifications.
		ToastDuration time.Duration
		MaxToasts     int
		// MaxPending bounds each gate queue.
		MaxPending int
		// AfterFunc schedules toast expiries. Defaults to time.AfterFunc.
		AfterFunc notify.AfterFunc
		Clock     func() time.Time
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		Tracer    telemetry.Tracer
	}

	// Service is the workflow coordinator.
	Service struct {
		engine      Engine
		modes       admission.ModeSource
		router      *router.Router
		bridge      *bridge.Bridge
		live        *bridge.Live
		admission   *admission.Controller
		questions   *hitl.QuestionGate
		validations *hitl.ValidationGate
		notify      *notify.Center
		cleanup     *cleanup.Scheduler
		logger      telemetry.Logger
		tracer      telemetry.Tracer
	}
)

// ErrUnknownWorkflow is returned for operations on workflows that are not
// registered.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// New builds a service from opts. Call Init before use and Destroy when done.
func New(opts Options) (*Service, error) {
	if opts.Source == nil {
		return nil, errors.New("event source is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	modes := opts.Modes
	if modes == nil {
		modes = admission.NewModeStore(admission.ModeManual)
	}
	logger := telemetry.Or(opts.Logger)
	metrics := telemetry.OrMetrics(opts.Metrics)
	tracer := telemetry.OrTracer(opts.Tracer)

	s := &Service{engine: opts.Engine, modes: modes, logger: logger, tracer: tracer}
	s.notify = notify.New(notify.Options{
		DefaultDuration: opts.ToastDuration,
		MaxVisible:      opts.MaxToasts,
		AfterFunc:       opts.AfterFunc,
		Clock:           opts.Clock,
	})
	s.live = bridge.NewLive(opts.Clock)
	s.bridge = bridge.New(bridge.Options{OnChunk: s.live.ApplyChunk, OnComplete: s.live.ApplyComplete})

	gateOpts := hitl.Options{
		MaxPending: opts.MaxPending,
		Names:      s.workflowName,
		Clock:      opts.Clock,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	}
	qOpts := gateOpts
	qOpts.OnWorkflowCleared = s.questionsCleared
	questions, err := hitl.NewQuestionGate(opts.Engine, qOpts)
	if err != nil {
		return nil, err
	}
	vOpts := gateOpts
	vOpts.OnWorkflowCleared = s.validationsCleared
	validations, err := hitl.NewValidationGate(opts.Engine, vOpts)
	if err != nil {
		return nil, err
	}
	s.questions, s.validations = questions, validations

	r, err := router.New(router.Options{
		Source:             opts.Source,
		Viewer:             s.bridge,
		Notifier:           s.notify,
		OnQuestion:         s.questions.Enqueue,
		OnQuestionResolved: s.questionResolved,
		OnValidation:       s.validations.Enqueue,
		Clock:              opts.Clock,
		Logger:             logger,
		Metrics:            metrics,
	})
	if err != nil {
		return nil, err
	}
	s.router = r

	ctrl, err := admission.New(admission.Options{
		Modes:      modes,
		Executions: r,
		Policy:     opts.Policy,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	s.admission = ctrl

	sched, err := cleanup.New(cleanup.Options{
		Evictor:   r,
		Archiver:  opts.Archiver,
		Keep:      s.bridge.IsViewed,
		OnEvicted: s.evicted,
		Interval:  opts.CleanupInterval,
		Retention: opts.Retention,
		Clock:     opts.Clock,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	s.cleanup = sched
	return s, nil
}

// Init subscribes to the event source and starts the cleanup scheduler.
// Calling Init again re-subscribes without duplicating delivery.
func (s *Service) Init(ctx context.Context) error {
	if err := s.router.Init(ctx); err != nil {
		return err
	}
	s.cleanup.Start(ctx)
	s.logger.Info(ctx, "workflow coordinator started", "max_concurrent", s.admission.MaxConcurrent())
	return nil
}

// Destroy stops event processing and the cleanup scheduler, drops transient
// toasts with their expiries and discards pending gate items.
func (s *Service) Destroy() {
	s.router.Destroy()
	s.cleanup.Stop()
	s.notify.Close()
	s.questions.Reset()
	s.validations.Reset()
	s.bridge.SetViewed("")
	s.live.Clear()
}

// StartWorkflow admits, registers and launches a workflow. A rejected start is
// reported through StartResult.Admitted with a nil error. When the engine
// fails to launch an admitted workflow, the workflow is recorded as failed and
// the error is returned.
func (s *Service) StartWorkflow(ctx context.Context, req StartRequest) (StartResult, error) {
	ctx, span := s.tracer.Start(ctx, "coordinator.start")
	defer span.End()

	id := req.WorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	res := StartResult{WorkflowID: id, MaxConcurrent: s.admission.MaxConcurrent()}
	ok, err := s.admission.Admit(ctx, id, req.AgentID, req.Name)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("register workflow %q: %w", id, err)
	}
	if !ok {
		span.AddEvent("rejected", "max_concurrent", res.MaxConcurrent)
		return res, nil
	}
	res.Admitted = true

	launch := LaunchRequest{
		WorkflowID: id,
		AgentID:    req.AgentID,
		Name:       req.Name,
		Input:      req.Input,
		Mode:       s.modes.Mode(),
	}
	if err := s.engine.Launch(ctx, launch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, "launch workflow", "workflow_id", id, "err", err)
		s.router.HandleComplete(ctx, stream.NewComplete(id, stream.StatusError, err.Error()))
		return res, fmt.Errorf("launch workflow %q: %w", id, err)
	}
	s.logger.Info(ctx, "workflow started", "workflow_id", id, "agent_id", req.AgentID, "mode", string(launch.Mode))
	return res, nil
}

// CancelWorkflow asks the engine to cancel a workflow. The terminal state is
// recorded when the engine emits the cancellation event.
func (s *Service) CancelWorkflow(ctx context.Context, workflowID string) error {
	ctx, span := s.tracer.Start(ctx, "coordinator.cancel")
	defer span.End()
	if _, ok := s.router.Get(workflowID); !ok {
		return fmt.Errorf("cancel workflow %q: %w", workflowID, ErrUnknownWorkflow)
	}
	if err := s.engine.Cancel(ctx, workflowID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cancel workflow %q: %w", workflowID, err)
	}
	return nil
}

// ViewWorkflow makes workflowID the viewed workflow: the live state is reset
// to its stored snapshot and its oldest pending question or validation is
// shown. An empty id clears the view.
func (s *Service) ViewWorkflow(workflowID string) (state.WorkflowStreamState, bool) {
	var (
		snap state.WorkflowStreamState
		ok   bool
	)
	s.router.SwitchViewed(workflowID, func(st state.WorkflowStreamState, found bool) {
		snap, ok = st, found
		if !found {
			s.bridge.SetViewed("")
			s.live.Clear()
			return
		}
		s.live.Reset(st)
		s.bridge.SetViewed(workflowID)
	})
	if !ok {
		return state.WorkflowStreamState{}, false
	}
	if !s.questions.ShowForWorkflow(workflowID) {
		s.validations.ShowForWorkflow(workflowID)
	}
	return snap, true
}

// DeleteWorkflow forgets a workflow and discards its pending gate items.
func (s *Service) DeleteWorkflow(workflowID string) bool {
	if s.bridge.IsViewed(workflowID) {
		s.ViewWorkflow("")
	}
	s.forget(workflowID)
	return s.router.Remove(workflowID)
}

// AnswerQuestion answers the question currently shown.
func (s *Service) AnswerQuestion(ctx context.Context, selected []string, text string) (bool, error) {
	return s.questions.Answer(ctx, selected, text)
}

// SkipQuestion skips the question currently shown.
func (s *Service) SkipQuestion(ctx context.Context) (bool, error) {
	return s.questions.Skip(ctx)
}

// ApproveValidation approves the validation currently shown.
func (s *Service) ApproveValidation(ctx context.Context) (bool, error) {
	return s.validations.Approve(ctx)
}

// RejectValidation rejects the validation currently shown.
func (s *Service) RejectValidation(ctx context.Context, reason string) (bool, error) {
	return s.validations.Reject(ctx, reason)
}

// CanStart reports whether a new workflow would be admitted now.
func (s *Service) CanStart() bool { return s.admission.CanStart() }

// MaxConcurrent returns the current admission limit.
func (s *Service) MaxConcurrent() int { return s.admission.MaxConcurrent() }

func (s *Service) Router() *router.Router            { return s.router }
func (s *Service) Bridge() *bridge.Bridge            { return s.bridge }
func (s *Service) Live() *bridge.Live                { return s.live }
func (s *Service) Admission() *admission.Controller  { return s.admission }
func (s *Service) Questions() *hitl.QuestionGate     { return s.questions }
func (s *Service) Validations() *hitl.ValidationGate { return s.validations }
func (s *Service) Notifications() *notify.Center     { return s.notify }
func (s *Service) Cleanup() *cleanup.Scheduler       { return s.cleanup }

func (s *Service) workflowName(workflowID string) string {
	if st, ok := s.router.Get(workflowID); ok {
		return st.Name
	}
	return ""
}

// questionResolved removes a question the engine resolved by itself.
func (s *Service) questionResolved(ctx context.Context, c stream.UserQuestionComplete) {
	if c.QuestionID != "" {
		s.questions.Resolve(ctx, c.QuestionID)
	}
}

// evicted discards what the cleanup sweep left behind for evicted workflows.
func (s *Service) evicted(ctx context.Context, execs []state.WorkflowStreamState) {
	for _, e := range execs {
		s.forget(e.WorkflowID)
	}
	s.logger.Debug(ctx, "discarded gate items and notices of evicted workflows", "count", len(execs))
}

// forget drops the gate items and toasts of workflowID.
func (s *Service) forget(workflowID string) {
	s.questions.DropWorkflow(workflowID)
	s.validations.DropWorkflow(workflowID)
	s.notify.DismissForWorkflow(workflowID)
}

// questionsCleared runs after the last pending question of a workflow left the
// queue.
func (s *Service) questionsCleared(_ context.Context, workflowID string) {
	s.router.MarkQuestionResolved(workflowID)
	if s.validations.PendingFor(workflowID) == 0 {
		s.notify.DismissForWorkflow(workflowID)
	}
}

func (s *Service) validationsCleared(_ context.Context, workflowID string) {
	if s.questions.PendingFor(workflowID) == 0 {
		s.notify.DismissForWorkflow(workflowID)
	}
}

// Package temporal implements the coordinator execution engine on Temporal.
// Admitted workflows are started with ExecuteWorkflow and human decisions are
// delivered to them as signals.
package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"

	"github.com/switchboard-ai/switchboard/runtime/workflow/admission"
	"github.com/switchboard-ai/switchboard/runtime/workflow/coordinator"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

// Signal names understood by agent workflows.
const (
	SignalQuestionResponse   = "switchboard.question_response"
	SignalValidationDecision = "switchboard.validation_decision"
)

type (
	// Client is the subset of client.Client used by the engine.
	Client interface {
		ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
		SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error
		CancelWorkflow(ctx context.Context, workflowID, runID string) error
	}

	// Options configures the engine.
	Options struct {
		// Client is used as is when set. Otherwise a lazy client is built
		// from ClientOptions with the OpenTelemetry tracing interceptor
		// installed.
		Client        Client
		ClientOptions *client.Options
		// TaskQueue receives launched workflows. Required.
		TaskQueue string
		// WorkflowType is the registered workflow name to launch. Required.
		WorkflowType string
		// DisableTracing skips the tracing interceptor on built clients.
		DisableTracing bool
		TracerOptions  temporalotel.TracerOptions
		Logger         telemetry.Logger
	}

	// Engine implements coordinator.Engine.
	Engine struct {
		client       Client
		owned        client.Client
		taskQueue    string
		workflowType string
		logger       telemetry.Logger
	}

	// WorkflowInput is the argument passed to launched workflows.
	WorkflowInput struct {
		AgentID string                   `json:"agent_id"`
		Name    string                   `json:"name"`
		Input   string                   `json:"input"`
		Mode    admission.ValidationMode `json:"validation_mode"`
	}

	// QuestionResponse is the payload of SignalQuestionResponse.
	QuestionResponse struct {
		QuestionID string   `json:"question_id"`
		Selected   []string `json:"selected,omitempty"`
		Text       string   `json:"text,omitempty"`
		Skipped    bool     `json:"skipped,omitempty"`
	}

	// ValidationDecision is the payload of SignalValidationDecision.
	ValidationDecision struct {
		ValidationID string `json:"validation_id"`
		Approved     bool   `json:"approved"`
		Reason       string `json:"reason,omitempty"`
	}
)

var (
	// ErrWorkflowNotFound indicates Temporal has no execution with the id.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowCompleted indicates the execution already finished.
	ErrWorkflowCompleted = errors.New("workflow already completed")
	// ErrAlreadyStarted indicates an execution with the id is running.
	ErrAlreadyStarted = errors.New("workflow already started")
)

var _ coordinator.Engine = (*Engine)(nil)

// New returns an engine.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal engine: task queue is required")
	}
	if opts.WorkflowType == "" {
		return nil, errors.New("temporal engine: workflow type is required")
	}
	e := &Engine{
		client:       opts.Client,
		taskQueue:    opts.TaskQueue,
		workflowType: opts.WorkflowType,
		logger:       telemetry.Or(opts.Logger),
	}
	if e.client == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		copts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
			if err != nil {
				return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
			}
			copts.Interceptors = append(copts.Interceptors, tracer)
		}
		c, err := client.NewLazyClient(copts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		e.client = c
		e.owned = c
	}
	return e, nil
}

// Close closes the client when the engine built it.
func (e *Engine) Close() {
	if e.owned != nil {
		e.owned.Close()
	}
}

// Launch starts the workflow with the request id as Temporal workflow id.
func (e *Engine) Launch(ctx context.Context, req coordinator.LaunchRequest) error {
	opts := client.StartWorkflowOptions{ID: req.WorkflowID, TaskQueue: e.taskQueue}
	in := WorkflowInput{AgentID: req.AgentID, Name: req.Name, Input: req.Input, Mode: req.Mode}
	run, err := e.client.ExecuteWorkflow(ctx, opts, e.workflowType, in)
	if err != nil {
		return mapError(err)
	}
	e.logger.Debug(ctx, "temporal workflow started", "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return nil
}

// Cancel requests cancellation of the latest run.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	return mapError(e.client.CancelWorkflow(ctx, workflowID, ""))
}

func (e *Engine) SubmitQuestionResponse(ctx context.Context, workflowID, questionID string, selected []string, text string) error {
	return e.signal(ctx, workflowID, SignalQuestionResponse, QuestionResponse{
		QuestionID: questionID,
		Selected:   selected,
		Text:       text,
	})
}

func (e *Engine) SkipQuestion(ctx context.Context, workflowID, questionID string) error {
	return e.signal(ctx, workflowID, SignalQuestionResponse, QuestionResponse{QuestionID: questionID, Skipped: true})
}

func (e *Engine) ApproveValidation(ctx context.Context, workflowID, validationID string) error {
	return e.signal(ctx, workflowID, SignalValidationDecision, ValidationDecision{ValidationID: validationID, Approved: true})
}

func (e *Engine) RejectValidation(ctx context.Context, workflowID, validationID, reason string) error {
	return e.signal(ctx, workflowID, SignalValidationDecision, ValidationDecision{ValidationID: validationID, Reason: reason})
}

func (e *Engine) signal(ctx context.Context, workflowID, name string, payload any) error {
	if workflowID == "" {
		return errors.New("workflow id is required")
	}
	if err := e.client.SignalWorkflow(ctx, workflowID, "", name, payload); err != nil {
		return fmt.Errorf("signal %s: %w", name, mapError(err))
	}
	return nil
}

// mapError translates Temporal service errors into the package sentinels.
// The original error stays in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return errors.Join(ErrWorkflowNotFound, err)
	}
	var precondition *serviceerror.FailedPrecondition
	if errors.As(err, &precondition) {
		return errors.Join(ErrWorkflowCompleted, err)
	}
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return errors.Join(ErrAlreadyStarted, err)
	}
	return err
}

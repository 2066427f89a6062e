package hitl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/workflow/observable"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

type (
	// ValidationEngine delivers validation decisions to the execution engine.
	ValidationEngine interface {
		ApproveValidation(ctx context.Context, workflowID, validationID string) error
		RejectValidation(ctx context.Context, workflowID, validationID, reason string) error
	}

	// PendingValidation is an operation waiting for approval.
	PendingValidation struct {
		WorkflowID   string
		WorkflowName string
		Validation   stream.Validation
		ReceivedAt   time.Time
	}

	// ValidationState is the observable state of the validation gate.
	ValidationState = View[PendingValidation]

	// ValidationGate queues operation validations and resolves them through
	// the engine.
	ValidationGate struct {
		*gate[PendingValidation]
		engine ValidationEngine
	}
)

// NewValidationGate returns a validation gate backed by engine.
func NewValidationGate(engine ValidationEngine, opts Options) (*ValidationGate, error) {
	if engine == nil {
		return nil, errors.New("validation engine is required")
	}
	g := newGate("validation", opts,
		func(v PendingValidation) string { return v.Validation.ID },
		func(v PendingValidation) string { return v.WorkflowID },
	)
	return &ValidationGate{gate: g, engine: engine}, nil
}

// Enqueue queues the validation carried by c, showing it immediately when
// viewed is set and nothing else is shown.
func (g *ValidationGate) Enqueue(ctx context.Context, c stream.ValidationRequired, viewed bool) {
	if c.Validation.ID == "" {
		g.logger.Warn(ctx, "validation without id ignored", "workflow_id", c.Workflow)
		return
	}
	v := PendingValidation{
		WorkflowID:   c.Workflow,
		WorkflowName: g.names(c.Workflow),
		Validation:   c.Validation,
		ReceivedAt:   g.now(),
	}
	if v.Validation.Risk == "" {
		v.Validation.Risk = stream.RiskMedium
	}
	if dropped := g.enqueue(ctx, v, viewed); dropped > 0 {
		g.logger.Warn(ctx, "validation queue full, oldest dropped", "dropped", dropped)
	}
}

// Approve approves the current validation.
func (g *ValidationGate) Approve(ctx context.Context) (bool, error) {
	return g.resolve(ctx, "approve", func(ctx context.Context, v PendingValidation) error {
		if err := g.engine.ApproveValidation(ctx, v.WorkflowID, v.Validation.ID); err != nil {
			return fmt.Errorf("approve validation: %w", err)
		}
		return nil
	})
}

// Reject rejects the current validation with an optional reason.
func (g *ValidationGate) Reject(ctx context.Context, reason string) (bool, error) {
	return g.resolve(ctx, "reject", func(ctx context.Context, v PendingValidation) error {
		if err := g.engine.RejectValidation(ctx, v.WorkflowID, v.Validation.ID, reason); err != nil {
			return fmt.Errorf("reject validation: %w", err)
		}
		return nil
	})
}

// ShowForWorkflow shows the oldest pending validation of workflowID.
func (g *ValidationGate) ShowForWorkflow(workflowID string) bool {
	return g.showForWorkflow(workflowID)
}

// Open shows the oldest pending validation of any workflow.
func (g *ValidationGate) Open() bool {
	return g.open()
}

// Close hides the validation dialog.
func (g *ValidationGate) Close() {
	g.close()
}

// DropWorkflow discards every pending validation of workflowID.
func (g *ValidationGate) DropWorkflow(workflowID string) int {
	return g.dropWorkflow(workflowID)
}

// Reset discards all validations.
func (g *ValidationGate) Reset() {
	g.reset()
}

// PendingFor returns the number of validations queued for workflowID.
func (g *ValidationGate) PendingFor(workflowID string) int {
	return g.pendingFor(workflowID)
}

// State returns the current gate state.
func (g *ValidationGate) State() ValidationState {
	return g.store.Get()
}

// Subscribe registers l for gate state changes.
func (g *ValidationGate) Subscribe(l observable.Listener[ValidationState]) observable.Subscription {
	return g.store.Subscribe(l)
}

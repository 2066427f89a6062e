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
	// QuestionEngine delivers question resolutions to the execution engine.
	QuestionEngine interface {
		SubmitQuestionResponse(ctx context.Context, workflowID, questionID string, selected []string, text string) error
		SkipQuestion(ctx context.Context, workflowID, questionID string) error
	}

	// PendingQuestion is a question waiting for an answer.
	PendingQuestion struct {
		WorkflowID   string
		WorkflowName string
		Question     stream.Question
		ReceivedAt   time.Time
	}

	// QuestionState is the observable state of the question gate.
	QuestionState = View[PendingQuestion]

	// QuestionGate queues interactive questions and resolves them through the
	// engine.
	QuestionGate struct {
		*gate[PendingQuestion]
		engine QuestionEngine
	}
)

// NewQuestionGate returns a question gate backed by engine.
func NewQuestionGate(engine QuestionEngine, opts Options) (*QuestionGate, error) {
	if engine == nil {
		return nil, errors.New("question engine is required")
	}
	g := newGate("question", opts,
		func(q PendingQuestion) string { return q.Question.ID },
		func(q PendingQuestion) string { return q.WorkflowID },
	)
	return &QuestionGate{gate: g, engine: engine}, nil
}

// Enqueue queues the question carried by c. When viewed is set and no question
// is shown, the question is shown immediately. Questions without an id are
// ignored.
func (g *QuestionGate) Enqueue(ctx context.Context, c stream.UserQuestionStart, viewed bool) {
	if c.Question.ID == "" {
		g.logger.Warn(ctx, "question without id ignored", "workflow_id", c.Workflow)
		return
	}
	q := PendingQuestion{
		WorkflowID:   c.Workflow,
		WorkflowName: g.names(c.Workflow),
		Question:     c.Question,
		ReceivedAt:   g.now(),
	}
	if dropped := g.enqueue(ctx, q, viewed); dropped > 0 {
		g.logger.Warn(ctx, "question queue full, oldest dropped", "dropped", dropped)
	}
}

// Answer submits the operator's answer to the current question. It returns
// true when the engine accepted the answer. Engine failures are recorded on
// the gate state and reported as false with a nil error.
func (g *QuestionGate) Answer(ctx context.Context, selected []string, text string) (bool, error) {
	return g.resolve(ctx, "answer", func(ctx context.Context, q PendingQuestion) error {
		if err := g.engine.SubmitQuestionResponse(ctx, q.WorkflowID, q.Question.ID, selected, text); err != nil {
			return fmt.Errorf("submit answer: %w", err)
		}
		return nil
	})
}

// Skip skips the current question.
func (g *QuestionGate) Skip(ctx context.Context) (bool, error) {
	return g.resolve(ctx, "skip", func(ctx context.Context, q PendingQuestion) error {
		if err := g.engine.SkipQuestion(ctx, q.WorkflowID, q.Question.ID); err != nil {
			return fmt.Errorf("skip question: %w", err)
		}
		return nil
	})
}

// Resolve removes a question the engine resolved on its own, for example after
// a user_question_complete chunk. It reports whether the question was queued.
func (g *QuestionGate) Resolve(ctx context.Context, questionID string) bool {
	return g.remove(ctx, questionID, false)
}

// ShowForWorkflow shows the oldest pending question of workflowID.
func (g *QuestionGate) ShowForWorkflow(workflowID string) bool {
	return g.showForWorkflow(workflowID)
}

// Open shows the oldest pending question of any workflow.
func (g *QuestionGate) Open() bool {
	return g.open()
}

// Close hides the question dialog. Pending questions stay queued.
func (g *QuestionGate) Close() {
	g.close()
}

// DropWorkflow discards every pending question of workflowID without
// contacting the engine.
func (g *QuestionGate) DropWorkflow(workflowID string) int {
	return g.dropWorkflow(workflowID)
}

// Reset discards all questions.
func (g *QuestionGate) Reset() {
	g.reset()
}

// PendingFor returns the number of questions queued for workflowID.
func (g *QuestionGate) PendingFor(workflowID string) int {
	return g.pendingFor(workflowID)
}

// State returns the current gate state.
func (g *QuestionGate) State() QuestionState {
	return g.store.Get()
}

// Subscribe registers l for gate state changes.
func (g *QuestionGate) Subscribe(l observable.Listener[QuestionState]) observable.Subscription {
	return g.store.Subscribe(l)
}

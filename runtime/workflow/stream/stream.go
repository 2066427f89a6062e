// Package stream defines the events that flow from the execution engine to the
// workflow coordinator. A single shared channel carries two event kinds for
// every running workflow: incremental chunks (tokens, tool calls, sub-agent
// progress, questions, ...) and terminal completions. Every event carries the
// identifier of the workflow that produced it so consumers can demultiplex the
// interleaved stream.
//
// Chunks form a closed sum type: Chunk is a sealed interface implemented only by
// the variant structs declared in this package. Consumers dispatch with a type
// switch and must tolerate Unknown, which the codec produces for chunk types it
// does not recognize.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is implemented by every value delivered on the shared channel.
	Event interface {
		// Type returns the event kind used for coarse routing.
		Type() EventType
		// WorkflowID returns the identifier of the workflow that produced the
		// event. Consumers use it to demultiplex the shared stream.
		WorkflowID() string
	}

	// Chunk is one incremental event describing progress within a workflow.
	// The set of implementations is closed; see the variant types below.
	Chunk interface {
		Event
		// Kind returns the chunk discriminator.
		Kind() Kind
		isChunk()
	}

	// Source opens the shared event channel. Subscribe returns a channel of
	// decoded events, a channel of non-fatal consumption errors, and a cancel
	// function that stops consumption and closes both channels.
	//
	// Subscribe itself returns an error only when the subscription cannot be
	// established at all; callers treat that as fatal.
	Source interface {
		Subscribe(ctx context.Context) (<-chan Event, <-chan error, context.CancelFunc, error)
	}

	// Publisher emits events onto the shared channel. Execution engines and
	// test harnesses use it; the coordinator only consumes.
	Publisher interface {
		Publish(ctx context.Context, event Event) error
	}

	// Base carries the workflow identifier shared by all chunk variants.
	Base struct {
		Workflow string
	}

	// Token appends text to the workflow's accumulated content.
	Token struct {
		Base
		Content string
		// Tokens is the number of model tokens represented by Content. Zero
		// means the producer did not report a count; the chunk counts as one.
		Tokens int
	}

	// ToolStart records that a tool invocation began.
	ToolStart struct {
		Base
		Tool string
	}

	// ToolEnd records that the most recent running invocation of Tool ended.
	// A non-empty Error marks the invocation as failed.
	ToolEnd struct {
		Base
		Tool     string
		Duration time.Duration
		Error    string
	}

	// Reasoning appends one reasoning step.
	Reasoning struct {
		Base
		Content string
	}

	// SubAgentStart records a sub-agent execution spawned by the workflow.
	SubAgentStart struct {
		Base
		SubAgentID string
		Name       string
		ParentID   string
	}

	// SubAgentProgress reports sub-agent progress as a percentage.
	SubAgentProgress struct {
		Base
		SubAgentID string
		Progress   int
	}

	// SubAgentComplete reports successful sub-agent completion.
	SubAgentComplete struct {
		Base
		SubAgentID string
		Duration   time.Duration
		Report     string
		Metrics    *SubAgentMetrics
	}

	// SubAgentError reports sub-agent failure.
	SubAgentError struct {
		Base
		SubAgentID string
		Error      string
	}

	// TaskCreate declares a tracked task.
	TaskCreate struct {
		Base
		TaskID   string
		Name     string
		Status   TaskStatus
		Priority int
	}

	// TaskUpdate patches a tracked task. Empty fields and a nil Priority are
	// left unchanged.
	TaskUpdate struct {
		Base
		TaskID   string
		Name     string
		Status   TaskStatus
		Priority *int
	}

	// TaskComplete marks a tracked task completed.
	TaskComplete struct {
		Base
		TaskID string
	}

	// UserQuestionStart signals that the workflow paused on an interactive
	// question.
	UserQuestionStart struct {
		Base
		Question Question
	}

	// UserQuestionComplete signals that the engine considers the question
	// resolved.
	UserQuestionComplete struct {
		Base
		QuestionID string
	}

	// ValidationRequired signals that the workflow paused until an operator
	// approves or rejects an operation.
	ValidationRequired struct {
		Base
		Validation Validation
	}

	// Error reports a workflow-level error message. It does not end the
	// workflow; only Complete does.
	Error struct {
		Base
		Message string
	}

	// Unknown stands in for chunk types this package does not recognize.
	Unknown struct {
		Base
		Declared Kind
	}

	// Complete is the terminal event of a workflow.
	Complete struct {
		Workflow string
		Status   Status
		Error    string
	}

	// SubAgentMetrics carries execution metrics reported with a sub-agent
	// completion.
	SubAgentMetrics struct {
		Tokens    int           `json:"tokens,omitempty"`
		ToolCalls int           `json:"tool_calls,omitempty"`
		Duration  time.Duration `json:"-"`
	}

	// Question is the payload of an interactive question.
	Question struct {
		ID            string           `json:"id"`
		Text          string           `json:"question"`
		Kind          QuestionKind     `json:"kind,omitempty"`
		Options       []QuestionOption `json:"options,omitempty"`
		MultiSelect   bool             `json:"multi_select,omitempty"`
		AllowFreeText bool             `json:"allow_free_text,omitempty"`
		Context       string           `json:"context,omitempty"`
	}

	// QuestionOption is one selectable answer.
	QuestionOption struct {
		Label       string `json:"label"`
		Description string `json:"description,omitempty"`
	}

	// Validation is the payload of an operation validation request.
	Validation struct {
		ID        string          `json:"id"`
		Operation string          `json:"operation"`
		Risk      RiskLevel       `json:"risk,omitempty"`
		Summary   string          `json:"summary,omitempty"`
		Details   json.RawMessage `json:"details,omitempty"`
	}
)

// EventType enumerates the two kinds of events carried by the shared channel.
type EventType string

const (
	// EventWorkflowStream carries one Chunk.
	EventWorkflowStream EventType = "workflow_stream"
	// EventWorkflowComplete carries one Complete.
	EventWorkflowComplete EventType = "workflow_complete"
)

// Kind is the chunk discriminator.
type Kind string

const (
	// KindToken appends a text delta to the workflow content.
	KindToken Kind = "token"
	// KindToolStart records a tool invocation that started.
	KindToolStart Kind = "tool_start"
	// KindToolEnd completes the most recent running invocation of a tool.
	KindToolEnd Kind = "tool_end"
	// KindReasoning appends a reasoning step.
	KindReasoning Kind = "reasoning"
	// KindSubAgentStart records a sub-agent execution that started.
	KindSubAgentStart Kind = "sub_agent_start"
	// KindSubAgentProgress updates the progress of a sub-agent.
	KindSubAgentProgress Kind = "sub_agent_progress"
	// KindSubAgentComplete marks a sub-agent completed with its report.
	KindSubAgentComplete Kind = "sub_agent_complete"
	// KindSubAgentError marks a sub-agent failed.
	KindSubAgentError Kind = "sub_agent_error"
	// KindTaskCreate adds a tracked task.
	KindTaskCreate Kind = "task_create"
	// KindTaskUpdate changes the status of a tracked task.
	KindTaskUpdate Kind = "task_update"
	// KindTaskComplete marks a tracked task completed.
	KindTaskComplete Kind = "task_complete"
	// KindUserQuestionStart raises an interactive question.
	KindUserQuestionStart Kind = "user_question_start"
	// KindUserQuestionComplete reports a question resolved by the engine.
	KindUserQuestionComplete Kind = "user_question_complete"
	// KindValidationRequired asks the operator to approve an operation.
	KindValidationRequired Kind = "validation_required"
	// KindError records a non-terminal error message.
	KindError Kind = "error"
)

// Status is the lifecycle status of a workflow execution.
type Status string

const (
	// StatusRunning is the status of a workflow that has not completed.
	StatusRunning Status = "running"
	// StatusCompleted is the status of a workflow that finished successfully.
	StatusCompleted Status = "completed"
	// StatusError is the status of a workflow that failed.
	StatusError Status = "error"
	// StatusCancelled is the status of a workflow cancelled by the engine.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further chunks are expected in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the status of a tracked task.
type TaskStatus string

const (
	// TaskPending is a task that has not started.
	TaskPending TaskStatus = "pending"
	// TaskInProgress is a task being worked on.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted is a finished task.
	TaskCompleted TaskStatus = "completed"
	// TaskBlocked is a task waiting on something else.
	TaskBlocked TaskStatus = "blocked"
)

// QuestionKind classifies interactive questions.
type QuestionKind string

const (
	// QuestionSingleChoice accepts exactly one option.
	QuestionSingleChoice QuestionKind = "single_choice"
	// QuestionMultiChoice accepts any number of options.
	QuestionMultiChoice QuestionKind = "multi_choice"
	// QuestionFreeText accepts a free-form answer.
	QuestionFreeText QuestionKind = "free_text"
)

// RiskLevel classifies operation validations.
type RiskLevel string

const (
	// RiskLow is the lowest validation risk.
	RiskLow RiskLevel = "low"
	// RiskMedium is assumed when a validation carries no risk.
	RiskMedium RiskLevel = "medium"
	// RiskHigh is the highest validation risk.
	RiskHigh RiskLevel = "high"
)

// NewToken returns a token chunk for workflowID.
func NewToken(workflowID, content string) Token {
	return Token{Base: Base{Workflow: workflowID}, Content: content}
}

// NewToolStart returns a tool_start chunk for workflowID.
func NewToolStart(workflowID, tool string) ToolStart {
	return ToolStart{Base: Base{Workflow: workflowID}, Tool: tool}
}

// NewToolEnd returns a successful tool_end chunk for workflowID.
func NewToolEnd(workflowID, tool string, d time.Duration) ToolEnd {
	return ToolEnd{Base: Base{Workflow: workflowID}, Tool: tool, Duration: d}
}

// NewReasoning returns a reasoning chunk for workflowID.
func NewReasoning(workflowID, content string) Reasoning {
	return Reasoning{Base: Base{Workflow: workflowID}, Content: content}
}

// NewQuestion returns a user_question_start chunk for workflowID.
func NewQuestion(workflowID string, q Question) UserQuestionStart {
	return UserQuestionStart{Base: Base{Workflow: workflowID}, Question: q}
}

// NewValidation returns a validation_required chunk for workflowID.
func NewValidation(workflowID string, v Validation) ValidationRequired {
	return ValidationRequired{Base: Base{Workflow: workflowID}, Validation: v}
}

// NewComplete returns the terminal event for workflowID.
func NewComplete(workflowID string, status Status, errMsg string) Complete {
	return Complete{Workflow: workflowID, Status: status, Error: errMsg}
}

// Type implements Event.
func (Base) Type() EventType { return EventWorkflowStream }

// WorkflowID implements Event.
func (b Base) WorkflowID() string { return b.Workflow }

// Type implements Event.
func (Complete) Type() EventType { return EventWorkflowComplete }

// WorkflowID implements Event.
func (c Complete) WorkflowID() string { return c.Workflow }

func (Token) Kind() Kind                { return KindToken }
func (ToolStart) Kind() Kind            { return KindToolStart }
func (ToolEnd) Kind() Kind              { return KindToolEnd }
func (Reasoning) Kind() Kind            { return KindReasoning }
func (SubAgentStart) Kind() Kind        { return KindSubAgentStart }
func (SubAgentProgress) Kind() Kind     { return KindSubAgentProgress }
func (SubAgentComplete) Kind() Kind     { return KindSubAgentComplete }
func (SubAgentError) Kind() Kind        { return KindSubAgentError }
func (TaskCreate) Kind() Kind           { return KindTaskCreate }
func (TaskUpdate) Kind() Kind           { return KindTaskUpdate }
func (TaskComplete) Kind() Kind         { return KindTaskComplete }
func (UserQuestionStart) Kind() Kind    { return KindUserQuestionStart }
func (UserQuestionComplete) Kind() Kind { return KindUserQuestionComplete }
func (ValidationRequired) Kind() Kind   { return KindValidationRequired }
func (Error) Kind() Kind                { return KindError }
func (u Unknown) Kind() Kind            { return u.Declared }

func (Token) isChunk()                {}
func (ToolStart) isChunk()            {}
func (ToolEnd) isChunk()              {}
func (Reasoning) isChunk()            {}
func (SubAgentStart) isChunk()        {}
func (SubAgentProgress) isChunk()     {}
func (SubAgentComplete) isChunk()     {}
func (SubAgentError) isChunk()        {}
func (TaskCreate) isChunk()           {}
func (TaskUpdate) isChunk()           {}
func (TaskComplete) isChunk()         {}
func (UserQuestionStart) isChunk()    {}
func (UserQuestionComplete) isChunk() {}
func (ValidationRequired) isChunk()   {}
func (Error) isChunk()                {}
func (Unknown) isChunk()              {}

// Package state holds the per-workflow snapshot folded from stream chunks and
// the pure reducer that produces it. Snapshots are values: every fold returns
// a new WorkflowStreamState and replaces any slice it changes, so observers can
// detect changes by comparing slice identity.
package state

import (
	"time"

	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

type (
	// WorkflowStreamState is the folded view of one registered workflow
	// execution. A workflow is running iff CompletedAt is nil.
	WorkflowStreamState struct {
		WorkflowID         string
		AgentID            string
		Name               string
		Status             stream.Status
		Content            string
		Tools              []ToolInvocation
		Reasoning          []ReasoningStep
		SubAgents          []SubAgentExecution
		Tasks              []Task
		TokenCount         int
		Error              string
		StartedAt          time.Time
		CompletedAt        *time.Time
		HasPendingQuestion bool
	}

	// ToolInvocation is one tool call observed in the stream.
	ToolInvocation struct {
		Name      string
		Status    ToolStatus
		StartedAt time.Time
		Duration  time.Duration
		Error     string
	}

	// ReasoningStep is one reasoning entry. Step is 1-indexed.
	ReasoningStep struct {
		Step    int
		Content string
		At      time.Time
	}

	// SubAgentExecution tracks a sub-agent spawned by the workflow.
	SubAgentExecution struct {
		ID        string
		Name      string
		ParentID  string
		Status    stream.Status
		Progress  int
		StartedAt time.Time
		Duration  time.Duration
		Report    string
		Error     string
		Metrics   *stream.SubAgentMetrics
	}

	// Task is a tracked task declared by the workflow.
	Task struct {
		ID       string
		Name     string
		Status   stream.TaskStatus
		Priority int
	}
)

// ToolStatus is the status of a tool invocation.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// New returns the initial running state of a freshly registered workflow.
func New(workflowID, agentID, name string, now time.Time) WorkflowStreamState {
	return WorkflowStreamState{
		WorkflowID: workflowID,
		AgentID:    agentID,
		Name:       name,
		Status:     stream.StatusRunning,
		StartedAt:  now,
	}
}

// Running reports whether the workflow has not reached a terminal status.
func (s WorkflowStreamState) Running() bool {
	return s.CompletedAt == nil
}

// Terminal reports whether the workflow reached a terminal status.
func (s WorkflowStreamState) Terminal() bool {
	return s.CompletedAt != nil
}

// CompletedBefore reports whether the workflow is terminal and completed
// strictly before cutoff.
func (s WorkflowStreamState) CompletedBefore(cutoff time.Time) bool {
	return s.CompletedAt != nil && s.CompletedAt.Before(cutoff)
}

// RunningTools returns the number of tool invocations still running.
func (s WorkflowStreamState) RunningTools() int {
	n := 0
	for _, t := range s.Tools {
		if t.Status == ToolRunning {
			n++
		}
	}
	return n
}

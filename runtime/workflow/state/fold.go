package state

import (
	"time"

	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

// Fold applies one chunk to s and returns the resulting state. It never
// mutates s: slices that change are copied and replaced. Chunks belonging to a
// different workflow, chunks for terminal workflows and unknown chunk types
// leave the state unchanged. Sparse chunks degrade to no-ops rather than
// corrupting the state.
func Fold(s WorkflowStreamState, c stream.Chunk, now time.Time) WorkflowStreamState {
	if c == nil || c.WorkflowID() != s.WorkflowID || s.Terminal() {
		return s
	}
	switch v := c.(type) {
	case stream.Token:
		return foldToken(s, v)
	case stream.ToolStart:
		return foldToolStart(s, v, now)
	case stream.ToolEnd:
		return foldToolEnd(s, v)
	case stream.Reasoning:
		return foldReasoning(s, v, now)
	case stream.SubAgentStart:
		return foldSubAgentStart(s, v, now)
	case stream.SubAgentProgress:
		return foldSubAgentProgress(s, v)
	case stream.SubAgentComplete:
		return foldSubAgentComplete(s, v)
	case stream.SubAgentError:
		return foldSubAgentError(s, v)
	case stream.TaskCreate:
		return foldTaskCreate(s, v)
	case stream.TaskUpdate:
		return foldTaskUpdate(s, v)
	case stream.TaskComplete:
		return foldTaskComplete(s, v)
	case stream.UserQuestionStart:
		s.HasPendingQuestion = true
		return s
	case stream.UserQuestionComplete:
		s.HasPendingQuestion = false
		return s
	case stream.Error:
		if v.Message != "" {
			s.Error = v.Message
		}
		return s
	default:
		return s
	}
}

// ApplyComplete freezes a running workflow with the terminal status carried by
// c. It is a no-op when s is already terminal or c targets another workflow,
// which makes duplicate completion events harmless.
func ApplyComplete(s WorkflowStreamState, c stream.Complete, now time.Time) WorkflowStreamState {
	if c.Workflow != s.WorkflowID || s.Terminal() {
		return s
	}
	status := c.Status
	if !status.IsTerminal() {
		status = stream.StatusError
	}
	at := now
	s.Status = status
	s.CompletedAt = &at
	s.HasPendingQuestion = false
	if c.Error != "" {
		s.Error = c.Error
	}
	return s
}

func foldToken(s WorkflowStreamState, c stream.Token) WorkflowStreamState {
	s.Content += c.Content
	if c.Tokens > 0 {
		s.TokenCount += c.Tokens
	} else {
		s.TokenCount++
	}
	return s
}

func foldToolStart(s WorkflowStreamState, c stream.ToolStart, now time.Time) WorkflowStreamState {
	s.Tools = appendCopy(s.Tools, ToolInvocation{Name: c.Tool, Status: ToolRunning, StartedAt: now})
	return s
}

// foldToolEnd resolves the most recently started invocation of the tool that
// is still running. Completed invocations with the same name are never
// touched.
func foldToolEnd(s WorkflowStreamState, c stream.ToolEnd) WorkflowStreamState {
	idx := -1
	for i := len(s.Tools) - 1; i >= 0; i-- {
		if s.Tools[i].Name == c.Tool && s.Tools[i].Status == ToolRunning {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s
	}
	tools := cloneSlice(s.Tools)
	tools[idx].Duration = c.Duration
	if c.Error != "" {
		tools[idx].Status = ToolError
		tools[idx].Error = c.Error
	} else {
		tools[idx].Status = ToolCompleted
	}
	s.Tools = tools
	return s
}

func foldReasoning(s WorkflowStreamState, c stream.Reasoning, now time.Time) WorkflowStreamState {
	s.Reasoning = appendCopy(s.Reasoning, ReasoningStep{Step: len(s.Reasoning) + 1, Content: c.Content, At: now})
	return s
}

func foldSubAgentStart(s WorkflowStreamState, c stream.SubAgentStart, now time.Time) WorkflowStreamState {
	if c.SubAgentID == "" {
		return s
	}
	entry := SubAgentExecution{
		ID:        c.SubAgentID,
		Name:      c.Name,
		ParentID:  c.ParentID,
		Status:    stream.StatusRunning,
		StartedAt: now,
	}
	if idx := subAgentIndex(s.SubAgents, c.SubAgentID); idx >= 0 {
		agents := cloneSlice(s.SubAgents)
		agents[idx] = entry
		s.SubAgents = agents
		return s
	}
	s.SubAgents = appendCopy(s.SubAgents, entry)
	return s
}

func foldSubAgentProgress(s WorkflowStreamState, c stream.SubAgentProgress) WorkflowStreamState {
	return updateSubAgent(s, c.SubAgentID, func(a *SubAgentExecution) {
		a.Progress = clampProgress(c.Progress)
	})
}

func foldSubAgentComplete(s WorkflowStreamState, c stream.SubAgentComplete) WorkflowStreamState {
	return updateSubAgent(s, c.SubAgentID, func(a *SubAgentExecution) {
		a.Status = stream.StatusCompleted
		a.Progress = 100
		a.Duration = c.Duration
		a.Report = c.Report
		if c.Metrics != nil {
			m := *c.Metrics
			a.Metrics = &m
		}
	})
}

func foldSubAgentError(s WorkflowStreamState, c stream.SubAgentError) WorkflowStreamState {
	return updateSubAgent(s, c.SubAgentID, func(a *SubAgentExecution) {
		a.Status = stream.StatusError
		a.Error = c.Error
	})
}

func foldTaskCreate(s WorkflowStreamState, c stream.TaskCreate) WorkflowStreamState {
	if c.TaskID == "" {
		return s
	}
	status := c.Status
	if status == "" {
		status = stream.TaskPending
	}
	task := Task{ID: c.TaskID, Name: c.Name, Status: status, Priority: c.Priority}
	if idx := taskIndex(s.Tasks, c.TaskID); idx >= 0 {
		tasks := cloneSlice(s.Tasks)
		tasks[idx] = task
		s.Tasks = tasks
		return s
	}
	s.Tasks = appendCopy(s.Tasks, task)
	return s
}

func foldTaskUpdate(s WorkflowStreamState, c stream.TaskUpdate) WorkflowStreamState {
	return updateTask(s, c.TaskID, func(t *Task) {
		if c.Name != "" {
			t.Name = c.Name
		}
		if c.Status != "" {
			t.Status = c.Status
		}
		if c.Priority != nil {
			t.Priority = *c.Priority
		}
	})
}

func foldTaskComplete(s WorkflowStreamState, c stream.TaskComplete) WorkflowStreamState {
	return updateTask(s, c.TaskID, func(t *Task) {
		t.Status = stream.TaskCompleted
	})
}

func updateSubAgent(s WorkflowStreamState, id string, fn func(*SubAgentExecution)) WorkflowStreamState {
	idx := subAgentIndex(s.SubAgents, id)
	if id == "" || idx < 0 {
		return s
	}
	agents := cloneSlice(s.SubAgents)
	fn(&agents[idx])
	s.SubAgents = agents
	return s
}

func updateTask(s WorkflowStreamState, id string, fn func(*Task)) WorkflowStreamState {
	idx := taskIndex(s.Tasks, id)
	if id == "" || idx < 0 {
		return s
	}
	tasks := cloneSlice(s.Tasks)
	fn(&tasks[idx])
	s.Tasks = tasks
	return s
}

func subAgentIndex(agents []SubAgentExecution, id string) int {
	for i := range agents {
		if agents[i].ID == id {
			return i
		}
	}
	return -1
}

func taskIndex(tasks []Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

// appendCopy returns a new slice holding src followed by v, never sharing
// src's backing array.
func appendCopy[T any](src []T, v T) []T {
	out := make([]T, len(src), len(src)+1)
	copy(out, src)
	return append(out, v)
}

func cloneSlice[T any](src []T) []T {
	out := make([]T, len(src))
	copy(out, src)
	return out
}

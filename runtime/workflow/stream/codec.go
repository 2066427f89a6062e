package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnknownEventType is returned by Decode for envelopes whose type is neither
// workflow_stream nor workflow_complete.
var ErrUnknownEventType = errors.New("unknown event type")

type (
	// envelope is the JSON wire shape of every event on the shared channel.
	envelope struct {
		Type       EventType       `json:"type"`
		WorkflowID string          `json:"workflow_id"`
		Timestamp  time.Time       `json:"timestamp"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}

	// wireChunk is the flattened JSON shape of a chunk payload. Every variant
	// reads the subset of fields it needs; absent fields decode to zero values.
	wireChunk struct {
		ChunkType    Kind         `json:"chunk_type"`
		WorkflowID   string       `json:"workflow_id,omitempty"`
		Content      string       `json:"content,omitempty"`
		Tokens       int          `json:"tokens,omitempty"`
		Tool         string       `json:"tool,omitempty"`
		DurationMs   float64      `json:"duration_ms,omitempty"`
		SubAgentID   string       `json:"sub_agent_id,omitempty"`
		SubAgentName string       `json:"sub_agent_name,omitempty"`
		ParentID     string       `json:"parent_id,omitempty"`
		Progress     float64      `json:"progress,omitempty"`
		Report       string       `json:"report,omitempty"`
		Metrics      *wireMetrics `json:"metrics,omitempty"`
		TaskID       string       `json:"task_id,omitempty"`
		TaskName     string       `json:"task_name,omitempty"`
		Status       string       `json:"status,omitempty"`
		Priority     *int         `json:"priority,omitempty"`
		Question     *Question    `json:"question,omitempty"`
		QuestionID   string       `json:"question_id,omitempty"`
		Validation   *Validation  `json:"validation,omitempty"`
		Error        string       `json:"error,omitempty"`
	}

	wireMetrics struct {
		Tokens     int     `json:"tokens,omitempty"`
		ToolCalls  int     `json:"tool_calls,omitempty"`
		DurationMs float64 `json:"duration_ms,omitempty"`
	}

	wireComplete struct {
		WorkflowID string `json:"workflow_id,omitempty"`
		Status     Status `json:"status"`
		Error      string `json:"error,omitempty"`
	}
)

// Decode parses one JSON envelope into a Chunk or a Complete. Missing payload
// fields decode to safe zero values so a single sparse event never aborts
// consumption; only envelopes that are not valid JSON or carry an unknown event
// type are rejected.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case EventWorkflowStream:
		return decodeChunk(env)
	case EventWorkflowComplete:
		return decodeComplete(env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

// Encode serializes event into the JSON envelope understood by Decode.
func Encode(event Event, at time.Time) ([]byte, error) {
	if event == nil {
		return nil, errors.New("event is required")
	}
	var payload any
	switch evt := event.(type) {
	case Complete:
		payload = wireComplete{Status: evt.Status, Error: evt.Error}
	case Chunk:
		payload = encodeChunk(evt)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(envelope{
		Type:       event.Type(),
		WorkflowID: event.WorkflowID(),
		Timestamp:  at.UTC(),
		Payload:    raw,
	})
}

func decodeChunk(env envelope) (Event, error) {
	var w wireChunk
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode chunk payload: %w", err)
		}
	}
	id := env.WorkflowID
	if id == "" {
		id = w.WorkflowID
	}
	b := Base{Workflow: id}
	switch w.ChunkType {
	case KindToken:
		return Token{Base: b, Content: w.Content, Tokens: w.Tokens}, nil
	case KindToolStart:
		return ToolStart{Base: b, Tool: w.Tool}, nil
	case KindToolEnd:
		return ToolEnd{Base: b, Tool: w.Tool, Duration: millis(w.DurationMs), Error: w.Error}, nil
	case KindReasoning:
		return Reasoning{Base: b, Content: w.Content}, nil
	case KindSubAgentStart:
		return SubAgentStart{Base: b, SubAgentID: w.SubAgentID, Name: w.SubAgentName, ParentID: w.ParentID}, nil
	case KindSubAgentProgress:
		return SubAgentProgress{Base: b, SubAgentID: w.SubAgentID, Progress: int(math.Round(w.Progress))}, nil
	case KindSubAgentComplete:
		c := SubAgentComplete{Base: b, SubAgentID: w.SubAgentID, Duration: millis(w.DurationMs), Report: w.Report}
		if w.Metrics != nil {
			c.Metrics = &SubAgentMetrics{
				Tokens:    w.Metrics.Tokens,
				ToolCalls: w.Metrics.ToolCalls,
				Duration:  millis(w.Metrics.DurationMs),
			}
		}
		return c, nil
	case KindSubAgentError:
		return SubAgentError{Base: b, SubAgentID: w.SubAgentID, Error: w.Error}, nil
	case KindTaskCreate:
		p := 0
		if w.Priority != nil {
			p = *w.Priority
		}
		return TaskCreate{Base: b, TaskID: w.TaskID, Name: w.TaskName, Status: TaskStatus(w.Status), Priority: p}, nil
	case KindTaskUpdate:
		return TaskUpdate{Base: b, TaskID: w.TaskID, Name: w.TaskName, Status: TaskStatus(w.Status), Priority: w.Priority}, nil
	case KindTaskComplete:
		return TaskComplete{Base: b, TaskID: w.TaskID}, nil
	case KindUserQuestionStart:
		var q Question
		if w.Question != nil {
			q = *w.Question
		}
		return UserQuestionStart{Base: b, Question: q}, nil
	case KindUserQuestionComplete:
		qid := w.QuestionID
		if qid == "" && w.Question != nil {
			qid = w.Question.ID
		}
		return UserQuestionComplete{Base: b, QuestionID: qid}, nil
	case KindValidationRequired:
		var v Validation
		if w.Validation != nil {
			v = *w.Validation
		}
		return ValidationRequired{Base: b, Validation: v}, nil
	case KindError:
		msg := w.Error
		if msg == "" {
			msg = w.Content
		}
		return Error{Base: b, Message: msg}, nil
	default:
		return Unknown{Base: b, Declared: w.ChunkType}, nil
	}
}

func decodeComplete(env envelope) (Event, error) {
	var w wireComplete
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode completion payload: %w", err)
		}
	}
	id := env.WorkflowID
	if id == "" {
		id = w.WorkflowID
	}
	return Complete{Workflow: id, Status: terminalStatus(w.Status, w.Error), Error: w.Error}, nil
}

// terminalStatus maps a wire status onto a terminal Status. A missing status
// means completed unless an error message is present; anything unrecognized
// is treated as an error.
func terminalStatus(s Status, errMsg string) Status {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return s
	case "canceled":
		return StatusCancelled
	case "":
		if errMsg != "" {
			return StatusError
		}
		return StatusCompleted
	default:
		return StatusError
	}
}

func encodeChunk(c Chunk) wireChunk {
	w := wireChunk{ChunkType: c.Kind()}
	switch v := c.(type) {
	case Token:
		w.Content, w.Tokens = v.Content, v.Tokens
	case ToolStart:
		w.Tool = v.Tool
	case ToolEnd:
		w.Tool, w.DurationMs, w.Error = v.Tool, toMillis(v.Duration), v.Error
	case Reasoning:
		w.Content = v.Content
	case SubAgentStart:
		w.SubAgentID, w.SubAgentName, w.ParentID = v.SubAgentID, v.Name, v.ParentID
	case SubAgentProgress:
		w.SubAgentID, w.Progress = v.SubAgentID, float64(v.Progress)
	case SubAgentComplete:
		w.SubAgentID, w.DurationMs, w.Report = v.SubAgentID, toMillis(v.Duration), v.Report
		if v.Metrics != nil {
			w.Metrics = &wireMetrics{Tokens: v.Metrics.Tokens, ToolCalls: v.Metrics.ToolCalls, DurationMs: toMillis(v.Metrics.Duration)}
		}
	case SubAgentError:
		w.SubAgentID, w.Error = v.SubAgentID, v.Error
	case TaskCreate:
		p := v.Priority
		w.TaskID, w.TaskName, w.Status, w.Priority = v.TaskID, v.Name, string(v.Status), &p
	case TaskUpdate:
		w.TaskID, w.TaskName, w.Status, w.Priority = v.TaskID, v.Name, string(v.Status), v.Priority
	case TaskComplete:
		w.TaskID = v.TaskID
	case UserQuestionStart:
		q := v.Question
		w.Question = &q
	case UserQuestionComplete:
		w.QuestionID = v.QuestionID
	case ValidationRequired:
		val := v.Validation
		w.Validation = &val
	case Error:
		w.Error = v.Message
	}
	return w
}

func millis(ms float64) time.Duration {
	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

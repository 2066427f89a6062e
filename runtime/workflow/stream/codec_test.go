package stream

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeToken(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"workflow_stream","workflow_id":"wf-1","payload":{"chunk_type":"token","content":"Hello"}}`))
	require.NoError(t, err)
	tok, ok := evt.(Token)
	require.True(t, ok)
	require.Equal(t, "wf-1", tok.WorkflowID())
	require.Equal(t, "Hello", tok.Content)
	require.Equal(t, EventWorkflowStream, tok.Type())
	require.Equal(t, KindToken, tok.Kind())
}

func TestDecodeToolEndDuration(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"workflow_stream","workflow_id":"wf-1","payload":{"chunk_type":"tool_end","tool":"Search","duration_ms":120}}`))
	require.NoError(t, err)
	end, ok := evt.(ToolEnd)
	require.True(t, ok)
	require.Equal(t, "Search", end.Tool)
	require.Equal(t, 120*time.Millisecond, end.Duration)
}

func TestDecodeWorkflowIDFromPayload(t *testing.T) {
	evt, err := Decode([]byte(`{"type":"workflow_stream","payload":{"chunk_type":"reasoning","workflow_id":"wf-9","content":"think"}}`))
	require.NoError(t, err)
	require.Equal(t, "wf-9", evt.WorkflowID())
}

func TestDecodeSparsePayloadDegrades(t *testing.T) {
	cases := map[string]Event{
		`{"chunk_type":"tool_start"}`:            ToolStart{Base: Base{Workflow: "wf"}},
		`{"chunk_type":"sub_agent_progress"}`:    SubAgentProgress{Base: Base{Workflow: "wf"}},
		`{"chunk_type":"user_question_start"}`:   UserQuestionStart{Base: Base{Workflow: "wf"}},
		`{"chunk_type":"validation_required"}`:   ValidationRequired{Base: Base{Workflow: "wf"}},
		`{"chunk_type":"task_create"}`:           TaskCreate{Base: Base{Workflow: "wf"}},
		`{"chunk_type":"something_new"}`:         Unknown{Base: Base{Workflow: "wf"}, Declared: "something_new"},
		`{}`:                                     Unknown{Base: Base{Workflow: "wf"}},
		`{"chunk_type":"error","content":"boom"}`: Error{Base: Base{Workflow: "wf"}, Message: "boom"},
	}
	for payload, want := range cases {
		raw := `{"type":"workflow_stream","workflow_id":"wf","payload":` + payload + `}`
		got, err := Decode([]byte(raw))
		require.NoError(t, err, payload)
		require.Equal(t, want, got, payload)
	}
}

func TestDecodeCompleteStatus(t *testing.T) {
	cases := []struct {
		payload string
		want    Status
	}{
		{`{"status":"completed"}`, StatusCompleted},
		{`{"status":"cancelled"}`, StatusCancelled},
		{`{"status":"canceled"}`, StatusCancelled},
		{`{"status":"error","error":"boom"}`, StatusError},
		{`{}`, StatusCompleted},
		{`{"error":"boom"}`, StatusError},
		{`{"status":"exploded"}`, StatusError},
	}
	for _, tc := range cases {
		evt, err := Decode([]byte(`{"type":"workflow_complete","workflow_id":"wf-1","payload":` + tc.payload + `}`))
		require.NoError(t, err)
		c, ok := evt.(Complete)
		require.True(t, ok)
		require.Equal(t, tc.want, c.Status, tc.payload)
		require.Equal(t, EventWorkflowComplete, c.Type())
	}
}

func TestDecodeRejectsInvalidEnvelopes(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"type":"heartbeat","workflow_id":"wf"}`))
	require.True(t, errors.Is(err, ErrUnknownEventType))

	_, err = Decode([]byte(`{"type":"workflow_stream","workflow_id":"wf","payload":"oops"}`))
	require.Error(t, err)
}

func TestEncodeDecodeQuestion(t *testing.T) {
	q := Question{
		ID:      "q-1",
		Text:    "Which branch?",
		Kind:    QuestionSingleChoice,
		Options: []QuestionOption{{Label: "main"}, {Label: "dev", Description: "unstable"}},
	}
	raw, err := Encode(NewQuestion("wf-2", q), time.Now())
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, "workflow_stream", env["type"])
	require.Equal(t, "wf-2", env["workflow_id"])

	evt, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, NewQuestion("wf-2", q), evt)
}

func TestEncodeDecodeSubAgentComplete(t *testing.T) {
	in := SubAgentComplete{
		Base:       Base{Workflow: "wf-3"},
		SubAgentID: "sa-1",
		Duration:   1500 * time.Millisecond,
		Report:     "done",
		Metrics:    &SubAgentMetrics{Tokens: 42, ToolCalls: 3, Duration: 2 * time.Second},
	}
	raw, err := Encode(in, time.Now())
	require.NoError(t, err)
	out, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEncodeRejectsNil(t *testing.T) {
	_, err := Encode(nil, time.Now())
	require.Error(t, err)
}

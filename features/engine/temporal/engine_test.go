package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/switchboard-ai/switchboard/runtime/workflow/admission"
	"github.com/switchboard-ai/switchboard/runtime/workflow/coordinator"
)

type (
	fakeClient struct {
		started   []client.StartWorkflowOptions
		inputs    []any
		workflow  any
		signals   []signal
		cancelled []string
		err       error
	}

	signal struct {
		workflowID string
		name       string
		arg        any
	}

	fakeRun struct {
		client.WorkflowRun
		id string
	}
)

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "run-" + r.id }

func (c *fakeClient) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, wf any, args ...any) (client.WorkflowRun, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.started = append(c.started, opts)
	c.workflow = wf
	c.inputs = append(c.inputs, args...)
	return fakeRun{id: opts.ID}, nil
}

func (c *fakeClient) SignalWorkflow(_ context.Context, workflowID, _ string, name string, arg any) error {
	if c.err != nil {
		return c.err
	}
	c.signals = append(c.signals, signal{workflowID: workflowID, name: name, arg: arg})
	return nil
}

func (c *fakeClient) CancelWorkflow(_ context.Context, workflowID, _ string) error {
	if c.err != nil {
		return c.err
	}
	c.cancelled = append(c.cancelled, workflowID)
	return nil
}

func newEngine(t *testing.T) (*Engine, *fakeClient) {
	t.Helper()
	fc := &fakeClient{}
	e, err := New(Options{Client: fc, TaskQueue: "switchboard", WorkflowType: "AgentWorkflow"})
	require.NoError(t, err)
	return e, fc
}

func TestLaunch(t *testing.T) {
	e, fc := newEngine(t)
	err := e.Launch(context.Background(), coordinator.LaunchRequest{
		WorkflowID: "wf-1",
		AgentID:    "researcher",
		Name:       "Research",
		Input:      "find papers",
		Mode:       admission.ModeSelective,
	})
	require.NoError(t, err)
	require.Equal(t, []client.StartWorkflowOptions{{ID: "wf-1", TaskQueue: "switchboard"}}, fc.started)
	require.Equal(t, "AgentWorkflow", fc.workflow)
	require.Equal(t, []any{WorkflowInput{
		AgentID: "researcher",
		Name:    "Research",
		Input:   "find papers",
		Mode:    admission.ModeSelective,
	}}, fc.inputs)
}

func TestSignals(t *testing.T) {
	ctx := context.Background()
	e, fc := newEngine(t)
	require.NoError(t, e.SubmitQuestionResponse(ctx, "wf-1", "q1", []string{"web"}, "recent"))
	require.NoError(t, e.SkipQuestion(ctx, "wf-1", "q2"))
	require.NoError(t, e.ApproveValidation(ctx, "wf-2", "v1"))
	require.NoError(t, e.RejectValidation(ctx, "wf-2", "v2", "too risky"))
	require.NoError(t, e.Cancel(ctx, "wf-3"))

	require.Equal(t, []signal{
		{"wf-1", SignalQuestionResponse, QuestionResponse{QuestionID: "q1", Selected: []string{"web"}, Text: "recent"}},
		{"wf-1", SignalQuestionResponse, QuestionResponse{QuestionID: "q2", Skipped: true}},
		{"wf-2", SignalValidationDecision, ValidationDecision{ValidationID: "v1", Approved: true}},
		{"wf-2", SignalValidationDecision, ValidationDecision{ValidationID: "v2", Reason: "too risky"}},
	}, fc.signals)
	require.Equal(t, []string{"wf-3"}, fc.cancelled)
	require.Error(t, e.SkipQuestion(ctx, "", "q"))
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "not found", err: serviceerror.NewNotFound("workflow not found"), want: ErrWorkflowNotFound},
		{name: "completed", err: serviceerror.NewFailedPrecondition("workflow execution already completed"), want: ErrWorkflowCompleted},
		{name: "already started", err: serviceerror.NewWorkflowExecutionAlreadyStarted("running", "", "run-1"), want: ErrAlreadyStarted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mapError(tc.err)
			require.ErrorIs(t, got, tc.want)
			require.ErrorIs(t, got, tc.err)
		})
	}
	require.NoError(t, mapError(nil))
	plain := errors.New("transport unavailable")
	require.Equal(t, plain, mapError(plain))
}

func TestEngineErrorsAreMapped(t *testing.T) {
	ctx := context.Background()
	e, fc := newEngine(t)
	fc.err = serviceerror.NewNotFound("gone")
	require.ErrorIs(t, e.ApproveValidation(ctx, "wf-1", "v1"), ErrWorkflowNotFound)
	require.ErrorIs(t, e.Cancel(ctx, "wf-1"), ErrWorkflowNotFound)
	require.ErrorIs(t, e.Launch(ctx, coordinator.LaunchRequest{WorkflowID: "wf-1"}), ErrWorkflowNotFound)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Client: &fakeClient{}, WorkflowType: "AgentWorkflow"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeClient{}, TaskQueue: "q"})
	require.Error(t, err)
	_, err = New(Options{TaskQueue: "q", WorkflowType: "AgentWorkflow"})
	require.Error(t, err)
}

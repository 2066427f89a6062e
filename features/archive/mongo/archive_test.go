package mongo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	mongoc "github.com/switchboard-ai/switchboard/features/archive/mongo/clients/mongo"
	"github.com/switchboard-ai/switchboard/runtime/workflow/state"
)

type fakeClient struct {
	stored map[string]state.WorkflowStreamState
	fail   map[string]error
}

func (c *fakeClient) Name() string               { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) UpsertWorkflow(_ context.Context, s state.WorkflowStreamState) error {
	if err := c.fail[s.WorkflowID]; err != nil {
		return err
	}
	c.stored[s.WorkflowID] = s
	return nil
}

func (c *fakeClient) LoadWorkflow(_ context.Context, id string) (state.WorkflowStreamState, error) {
	s, ok := c.stored[id]
	if !ok {
		return state.WorkflowStreamState{}, mongoc.ErrNotFound
	}
	return s, nil
}

func TestNewArchiveRequiresClient(t *testing.T) {
	_, err := NewArchive(nil)
	require.EqualError(t, err, "client is required")
}

func TestArchiveAttemptsEverySnapshot(t *testing.T) {
	boom := errors.New("write conflict")
	fc := &fakeClient{stored: map[string]state.WorkflowStreamState{}, fail: map[string]error{"wf-2": boom}}
	a, err := NewArchive(fc)
	require.NoError(t, err)

	err = a.Archive(context.Background(), []state.WorkflowStreamState{
		{WorkflowID: "wf-1"}, {WorkflowID: "wf-2"}, {WorkflowID: "wf-3"},
	})
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "wf-2")
	require.Len(t, fc.stored, 2)

	got, err := a.Load(context.Background(), "wf-3")
	require.NoError(t, err)
	require.Equal(t, "wf-3", got.WorkflowID)
	_, err = a.Load(context.Background(), "wf-2")
	require.ErrorIs(t, err, mongoc.ErrNotFound)
}

func TestArchiveEmptyBatch(t *testing.T) {
	a, err := NewArchive(&fakeClient{})
	require.NoError(t, err)
	require.NoError(t, a.Archive(context.Background(), nil))
}

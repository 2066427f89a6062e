package mongo

import (
	"context"
	"errors"
	"fmt"

	mongoc "github.com/switchboard-ai/switchboard/features/archive/mongo/clients/mongo"
	"github.com/switchboard-ai/switchboard/runtime/workflow/cleanup"
	"github.com/switchboard-ai/switchboard/runtime/workflow/state"
)

// Archive implements cleanup.Archiver by delegating to the Mongo client.
type Archive struct {
	client mongoc.Client
}

var _ cleanup.Archiver = (*Archive)(nil)

// NewArchive builds an Archive using the provided client.
func NewArchive(client mongoc.Client) (*Archive, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Archive{client: client}, nil
}

// Archive stores every snapshot. It attempts all of them and reports the
// failures together.
func (a *Archive) Archive(ctx context.Context, execs []state.WorkflowStreamState) error {
	var errs []error
	for _, s := range execs {
		if err := a.client.UpsertWorkflow(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("archive %s: %w", s.WorkflowID, err))
		}
	}
	return errors.Join(errs...)
}

// Load returns an archived snapshot.
func (a *Archive) Load(ctx context.Context, workflowID string) (state.WorkflowStreamState, error) {
	return a.client.LoadWorkflow(ctx, workflowID)
}

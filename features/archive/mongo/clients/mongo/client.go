// Package mongo hosts the MongoDB client used to archive evicted workflows.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"github.com/switchboard-ai/switchboard/runtime/workflow/state"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

const (
	defaultCollection = "workflows"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "archive-mongo"
)

// ErrNotFound is returned by LoadWorkflow for unknown workflow ids.
var ErrNotFound = errors.New("archived workflow not found")

type (
	// Client persists finished workflow snapshots.
	Client interface {
		health.Pinger

		UpsertWorkflow(ctx context.Context, s state.WorkflowStreamState) error
		LoadWorkflow(ctx context.Context, workflowID string) (state.WorkflowStreamState, error)
	}

	// Options configures the Mongo archive client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
		now     func() time.Time
	}
)

// New returns a Client backed by MongoDB. It ensures the unique workflow id
// index exists.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("ensure archive indexes: %w", err)
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// UpsertWorkflow replaces the archived snapshot of the workflow.
func (c *client) UpsertWorkflow(ctx context.Context, s state.WorkflowStreamState) error {
	if s.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	doc := fromState(s, c.now().UTC())
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": s.WorkflowID}
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) LoadWorkflow(ctx context.Context, workflowID string) (state.WorkflowStreamState, error) {
	if workflowID == "" {
		return state.WorkflowStreamState{}, errors.New("workflow id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	if err := c.coll.FindOne(ctx, bson.M{"workflow_id": workflowID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return state.WorkflowStreamState{}, ErrNotFound
		}
		return state.WorkflowStreamState{}, err
	}
	return doc.toState(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout, now: time.Now}, nil
}

type (
	workflowDocument struct {
		WorkflowID  string             `bson:"workflow_id"`
		AgentID     string             `bson:"agent_id"`
		Name        string             `bson:"name"`
		Status      stream.Status      `bson:"status"`
		Content     string             `bson:"content,omitempty"`
		Tools       []toolDocument     `bson:"tools,omitempty"`
		Reasoning   []reasonDocument   `bson:"reasoning,omitempty"`
		SubAgents   []subAgentDocument `bson:"sub_agents,omitempty"`
		Tasks       []taskDocument     `bson:"tasks,omitempty"`
		TokenCount  int                `bson:"token_count"`
		Error       string             `bson:"error,omitempty"`
		StartedAt   time.Time          `bson:"started_at"`
		CompletedAt *time.Time         `bson:"completed_at,omitempty"`
		ArchivedAt  time.Time          `bson:"archived_at"`
	}

	toolDocument struct {
		Name      string           `bson:"name"`
		Status    state.ToolStatus `bson:"status"`
		StartedAt time.Time        `bson:"started_at"`
		Duration  time.Duration    `bson:"duration"`
		Error     string           `bson:"error,omitempty"`
	}

	reasonDocument struct {
		Step    int       `bson:"step"`
		Content string    `bson:"content"`
		At      time.Time `bson:"at"`
	}

	subAgentDocument struct {
		ID        string           `bson:"id"`
		Name      string           `bson:"name"`
		ParentID  string           `bson:"parent_id,omitempty"`
		Status    stream.Status    `bson:"status"`
		Progress  int              `bson:"progress"`
		StartedAt time.Time        `bson:"started_at"`
		Duration  time.Duration    `bson:"duration"`
		Report    string           `bson:"report,omitempty"`
		Error     string           `bson:"error,omitempty"`
		Metrics   *metricsDocument `bson:"metrics,omitempty"`
	}

	metricsDocument struct {
		Tokens    int           `bson:"tokens"`
		ToolCalls int           `bson:"tool_calls"`
		Duration  time.Duration `bson:"duration"`
	}

	taskDocument struct {
		ID       string            `bson:"id"`
		Name     string            `bson:"name"`
		Status   stream.TaskStatus `bson:"status"`
		Priority int               `bson:"priority"`
	}
)

// fromState maps a snapshot to its document. Times are stored in UTC since
// BSON dates carry no location.
func fromState(s state.WorkflowStreamState, archivedAt time.Time) workflowDocument {
	doc := workflowDocument{
		WorkflowID: s.WorkflowID,
		AgentID:    s.AgentID,
		Name:       s.Name,
		Status:     s.Status,
		Content:    s.Content,
		TokenCount: s.TokenCount,
		Error:      s.Error,
		StartedAt:  s.StartedAt.UTC(),
		ArchivedAt: archivedAt,
	}
	if s.CompletedAt != nil {
		at := s.CompletedAt.UTC()
		doc.CompletedAt = &at
	}
	for _, t := range s.Tools {
		doc.Tools = append(doc.Tools, toolDocument{
			Name: t.Name, Status: t.Status, StartedAt: t.StartedAt.UTC(), Duration: t.Duration, Error: t.Error,
		})
	}
	for _, r := range s.Reasoning {
		doc.Reasoning = append(doc.Reasoning, reasonDocument{Step: r.Step, Content: r.Content, At: r.At.UTC()})
	}
	for _, a := range s.SubAgents {
		sd := subAgentDocument{
			ID:        a.ID,
			Name:      a.Name,
			ParentID:  a.ParentID,
			Status:    a.Status,
			Progress:  a.Progress,
			StartedAt: a.StartedAt.UTC(),
			Duration:  a.Duration,
			Report:    a.Report,
			Error:     a.Error,
		}
		if a.Metrics != nil {
			m := metricsDocument(*a.Metrics)
			sd.Metrics = &m
		}
		doc.SubAgents = append(doc.SubAgents, sd)
	}
	for _, t := range s.Tasks {
		doc.Tasks = append(doc.Tasks, taskDocument{ID: t.ID, Name: t.Name, Status: t.Status, Priority: t.Priority})
	}
	return doc
}

func (doc workflowDocument) toState() state.WorkflowStreamState {
	s := state.WorkflowStreamState{
		WorkflowID:  doc.WorkflowID,
		AgentID:     doc.AgentID,
		Name:        doc.Name,
		Status:      doc.Status,
		Content:     doc.Content,
		TokenCount:  doc.TokenCount,
		Error:       doc.Error,
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
	}
	for _, t := range doc.Tools {
		s.Tools = append(s.Tools, state.ToolInvocation(t))
	}
	for _, r := range doc.Reasoning {
		s.Reasoning = append(s.Reasoning, state.ReasoningStep(r))
	}
	for _, a := range doc.SubAgents {
		sub := state.SubAgentExecution{
			ID:        a.ID,
			Name:      a.Name,
			ParentID:  a.ParentID,
			Status:    a.Status,
			Progress:  a.Progress,
			StartedAt: a.StartedAt,
			Duration:  a.Duration,
			Report:    a.Report,
			Error:     a.Error,
		}
		if a.Metrics != nil {
			m := stream.SubAgentMetrics(*a.Metrics)
			sub.Metrics = &m
		}
		s.SubAgents = append(s.SubAgents, sub)
	}
	for _, t := range doc.Tasks {
		s.Tasks = append(s.Tasks, state.Task(t))
	}
	return s
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

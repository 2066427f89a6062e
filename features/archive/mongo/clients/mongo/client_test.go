package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/switchboard-ai/switchboard/runtime/workflow/state"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

type (
	fakeCollection struct {
		docs         map[string][]byte
		indexCreated bool
	}

	fakeResult struct {
		raw []byte
		err error
	}

	fakeIndexView struct {
		coll *fakeCollection
	}
)

func TestMain(m *testing.M) {
	setupMongoDB()
	code := m.Run()
	ctx := context.Background()
	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func setupMongoDB() {
	ctx := context.Background()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testMongoContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err == nil {
		err = connectMongo(ctx)
	}
	if err != nil {
		fmt.Printf("MongoDB tests will be skipped: %v\n", err)
		skipMongoTests = true
	}
}

func connectMongo(ctx context.Context) error {
	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		return err
	}
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(fmt.Sprintf("mongodb://%s:%s", host, port.Port())))
	if err != nil {
		return err
	}
	return testMongoClient.Ping(ctx, nil)
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string][]byte)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	raw, ok := c.docs[filter.(bson.M)["workflow_id"].(string)]
	if !ok {
		return fakeResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeResult{raw: raw}
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter any, replacement any, _ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	raw, err := bson.Marshal(replacement)
	if err != nil {
		return nil, err
	}
	c.docs[filter.(bson.M)["workflow_id"].(string)] = raw
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{coll: c}
}

func (v fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.coll.indexCreated = true
	return "workflow_id_1", nil
}

func (r fakeResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	return bson.Unmarshal(r.raw, val)
}

func finishedWorkflow() state.WorkflowStreamState {
	started := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Minute)
	return state.WorkflowStreamState{
		WorkflowID: "wf-1",
		AgentID:    "researcher",
		Name:       "Research",
		Status:     stream.StatusCompleted,
		Content:    "Done.",
		Tools: []state.ToolInvocation{
			{Name: "search", Status: state.ToolCompleted, StartedAt: started, Duration: 2 * time.Second},
		},
		Reasoning: []state.ReasoningStep{{Step: 1, Content: "plan", At: started}},
		SubAgents: []state.SubAgentExecution{{
			ID:        "sa-1",
			Name:      "reader",
			Status:    stream.StatusCompleted,
			Progress:  100,
			StartedAt: started,
			Duration:  time.Minute,
			Report:    "read 3 papers",
			Metrics:   &stream.SubAgentMetrics{Tokens: 1200, ToolCalls: 4, Duration: time.Minute},
		}},
		Tasks:       []state.Task{{ID: "t1", Name: "collect", Status: stream.TaskCompleted, Priority: 1}},
		TokenCount:  42,
		StartedAt:   started,
		CompletedAt: &completed,
	}
}

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.True(t, fc.indexCreated)
}

func TestUpsertAndLoad(t *testing.T) {
	c, err := newClientWithCollection(nil, newFakeCollection(), 0)
	require.NoError(t, err)
	ctx := context.Background()
	wf := finishedWorkflow()

	require.NoError(t, c.UpsertWorkflow(ctx, wf))
	got, err := c.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, wf, got)

	wf.Status = stream.StatusError
	wf.Error = "boom"
	require.NoError(t, c.UpsertWorkflow(ctx, wf))
	got, err = c.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "boom", got.Error)
}

func TestLoadUnknown(t *testing.T) {
	c, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	require.NoError(t, err)
	_, err = c.LoadWorkflow(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValidation(t *testing.T) {
	c, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	require.NoError(t, err)
	require.EqualError(t, c.UpsertWorkflow(context.Background(), state.WorkflowStreamState{}), "workflow id is required")
	_, err = c.LoadWorkflow(context.Background(), "")
	require.EqualError(t, err, "workflow id is required")
	_, err = newClientWithCollection(nil, nil, 0)
	require.Error(t, err)
	_, err = New(Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestMongoRoundTrip(t *testing.T) {
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	ctx := context.Background()
	db := testMongoClient.Database("switchboard_test")
	require.NoError(t, db.Collection(t.Name()).Drop(ctx))

	c, err := New(Options{Client: testMongoClient, Database: "switchboard_test", Collection: t.Name()})
	require.NoError(t, err)
	require.NoError(t, c.Ping(ctx))
	require.Equal(t, "archive-mongo", c.Name())

	wf := finishedWorkflow()
	require.NoError(t, c.UpsertWorkflow(ctx, wf))
	require.NoError(t, c.UpsertWorkflow(ctx, wf))
	n, err := db.Collection(t.Name()).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := c.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, wf, got)
}

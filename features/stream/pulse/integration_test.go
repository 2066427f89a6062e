package pulse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

var (
	testRedis       *redis.Client
	testContainer   testcontainers.Container
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if err == nil {
		err = connectRedis(ctx)
	}
	if err != nil {
		fmt.Printf("Redis integration tests will be skipped: %v\n", err)
		skipIntegration = true
	}

	code := m.Run()

	if testRedis != nil {
		_ = testRedis.Close()
	}
	if testContainer != nil {
		_ = testContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func connectRedis(ctx context.Context) error {
	host, err := testContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testContainer.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}
	testRedis = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	return testRedis.Ping(ctx).Err()
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedis.FlushDB(context.Background()).Err())
	return testRedis
}

func TestRoundTripThroughRedis(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	client, err := clientspulse.New(clientspulse.Options{Redis: rdb, Timeout: 5 * time.Second})
	require.NoError(t, err)

	pub, err := NewPublisher(PublisherOptions{Client: client, Stream: "switchboard-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Destroy(context.Background()) })

	src, err := NewSource(SourceOptions{
		Client:      client,
		Stream:      "switchboard-test",
		SinkOptions: []streamopts.Sink{streamopts.WithSinkStartAtOldest()},
	})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, stream.NewToken("wf-1", "Hello")))
	require.NoError(t, pub.Publish(ctx, stream.NewComplete("wf-1", stream.StatusError, "boom")))

	events, _, cancel, err := src.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	var got []stream.Event
	timeout := time.After(10 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d of 2 events", len(got))
		}
	}
	require.Equal(t, stream.NewToken("wf-1", "Hello"), got[0])
	done, ok := got[1].(stream.Complete)
	require.True(t, ok)
	require.Equal(t, "boom", done.Error)
}

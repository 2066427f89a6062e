package pulse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

type (
	fakeClient struct {
		stream *fakeStream
		err    error
		opened []string
	}

	fakeStream struct {
		mu       sync.Mutex
		added    []added
		addErr   error
		sink     *fakeSink
		sinkName string
	}

	added struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		ackErr error
		closed bool
	}
)

func newFakes() (*fakeClient, *fakeStream, *fakeSink) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 8)}
	str := &fakeStream{sink: sink}
	return &fakeClient{stream: str}, str, sink
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.opened = append(c.opened, name)
	return c.stream, nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, added{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.sinkName = name
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return s.ackErr
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func encode(t *testing.T, ev stream.Event) []byte {
	t.Helper()
	b, err := stream.Encode(ev, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return b
}

func TestSourceDecodesAndAcks(t *testing.T) {
	client, str, sink := newFakes()
	src, err := NewSource(SourceOptions{Client: client, Stream: "switchboard/events"})
	require.NoError(t, err)
	require.Equal(t, []string{"switchboard/events"}, client.opened)

	events, _, cancel, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	require.Equal(t, "switchboard", str.sinkName)

	sink.ch <- &streaming.Event{ID: "1-0", EventName: "workflow_stream", Payload: encode(t, stream.NewToken("wf-1", "hi"))}
	sink.ch <- &streaming.Event{ID: "2-0", EventName: "workflow_complete", Payload: encode(t, stream.NewComplete("wf-1", stream.StatusCompleted, ""))}

	first := <-events
	tok, ok := first.(stream.Token)
	require.True(t, ok)
	require.Equal(t, "hi", tok.Content)
	second := <-events
	require.Equal(t, stream.EventWorkflowComplete, second.Type())

	require.Eventually(t, func() bool { return len(sink.ackedIDs()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.True(t, sink.closed)
}

func TestSourceSkipsMalformedEntries(t *testing.T) {
	client, _, sink := newFakes()
	src, err := NewSource(SourceOptions{Client: client, Stream: "events"})
	require.NoError(t, err)
	events, errs, cancel, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{ID: "1-0", Payload: []byte("{not json")}
	sink.ch <- &streaming.Event{ID: "2-0", Payload: encode(t, stream.NewToken("wf-1", "after"))}

	require.Error(t, <-errs)
	ev := <-events
	require.Equal(t, "wf-1", ev.WorkflowID())
	require.Eventually(t, func() bool {
		return len(sink.ackedIDs()) == 2
	}, time.Second, 5*time.Millisecond, "malformed entries are acknowledged")
}

func TestSourceClosesWhenSinkCloses(t *testing.T) {
	client, _, sink := newFakes()
	src, err := NewSource(SourceOptions{Client: client, Stream: "events"})
	require.NoError(t, err)
	events, errs, cancel, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	close(sink.ch)
	_, ok := <-events
	require.False(t, ok)
	_, ok = <-errs
	require.False(t, ok)
}

func TestNewSourceValidates(t *testing.T) {
	_, err := NewSource(SourceOptions{Stream: "events"})
	require.Error(t, err)
	client, _, _ := newFakes()
	_, err = NewSource(SourceOptions{Client: client})
	require.Error(t, err)
	client.err = errors.New("redis down")
	_, err = NewSource(SourceOptions{Client: client, Stream: "events"})
	require.ErrorIs(t, err, client.err)
}

func TestPublisherEncodesEnvelope(t *testing.T) {
	client, str, _ := newFakes()
	pub, err := NewPublisher(PublisherOptions{Client: client, Stream: "events"})
	require.NoError(t, err)

	q := stream.Question{ID: "q1", Text: "Which source?"}
	require.NoError(t, pub.Publish(context.Background(), stream.NewQuestion("wf-1", q)))
	require.Len(t, str.added, 1)
	require.Equal(t, "workflow_stream", str.added[0].event)

	decoded, err := stream.Decode(str.added[0].payload)
	require.NoError(t, err)
	start, ok := decoded.(stream.UserQuestionStart)
	require.True(t, ok)
	require.Equal(t, "q1", start.Question.ID)

	require.Error(t, pub.Publish(context.Background(), nil))
	str.addErr = errors.New("timeout")
	require.ErrorIs(t, pub.Publish(context.Background(), stream.NewToken("wf-1", "x")), str.addErr)
}

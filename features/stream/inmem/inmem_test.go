package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

func TestPublishFansOutInOrder(t *testing.T) {
	ctx := context.Background()
	ch := New(Options{Buffer: 8})
	a, _, cancelA, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelA()
	b, _, cancelB, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, ch.Publish(ctx, stream.NewToken("wf-1", "a")))
	require.NoError(t, ch.Publish(ctx, stream.NewComplete("wf-1", stream.StatusCompleted, "")))

	for _, events := range []<-chan stream.Event{a, b} {
		first := <-events
		second := <-events
		require.Equal(t, stream.EventWorkflowStream, first.Type())
		require.Equal(t, stream.EventWorkflowComplete, second.Type())
	}
}

func TestCancelClosesChannels(t *testing.T) {
	ctx := context.Background()
	ch := New(Options{})
	events, errs, cancel, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	cancel()
	cancel()

	_, ok := <-events
	require.False(t, ok)
	_, ok = <-errs
	require.False(t, ok)
	require.Zero(t, ch.Subscribers())
	require.NoError(t, ch.Publish(ctx, stream.NewToken("wf-1", "x")))
}

func TestContextCancelEndsSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := New(Options{})
	events, _, _, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPublishHonorsContextWhenFull(t *testing.T) {
	ch := New(Options{Buffer: 1})
	_, _, cancel, err := ch.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, ch.Publish(context.Background(), stream.NewToken("wf-1", "a")))

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	require.ErrorIs(t, ch.Publish(ctx, stream.NewToken("wf-1", "b")), context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	ch := New(Options{})
	events, _, _, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	ch.Close()
	_, ok := <-events
	require.False(t, ok)
	_, _, _, err = ch.Subscribe(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, ch.Publish(ctx, stream.NewToken("wf-1", "x")), ErrClosed)
	require.Error(t, ch.Publish(ctx, nil))
}

package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

type (
	// PublisherOptions configures a Publisher.
	PublisherOptions struct {
		// Client opens the stream. Required.
		Client clientspulse.Client
		// Stream names the Pulse stream. Required.
		Stream string
		// Clock stamps published envelopes. Defaults to time.Now.
		Clock func() time.Time
	}

	// Publisher implements stream.Publisher by appending encoded envelopes to
	// a Pulse stream. Entries are named after the envelope type.
	Publisher struct {
		stream clientspulse.Stream
		now    func() time.Time
	}
)

var _ stream.Publisher = (*Publisher)(nil)

// NewPublisher opens the configured stream.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	str, err := opts.Client.Stream(opts.Stream)
	if err != nil {
		return nil, err
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Publisher{stream: str, now: now}, nil
}

// Publish encodes event and appends it to the stream.
func (p *Publisher) Publish(ctx context.Context, event stream.Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	payload, err := stream.Encode(event, p.now().UTC())
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type(), err)
	}
	if _, err := p.stream.Add(ctx, string(event.Type()), payload); err != nil {
		return fmt.Errorf("publish %s event for %s: %w", event.Type(), event.WorkflowID(), err)
	}
	return nil
}

// Destroy removes the underlying stream and its entries.
func (p *Publisher) Destroy(ctx context.Context) error {
	return p.stream.Destroy(ctx)
}

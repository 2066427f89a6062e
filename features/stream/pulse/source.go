// Package pulse carries the shared workflow event channel over Pulse
// (Redis streams) so that execution engines running in other processes can
// feed the coordinator.
package pulse

import (
	"context"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

type (
	// Decoder turns a Pulse payload into a workflow event.
	Decoder func([]byte) (stream.Event, error)

	// SourceOptions configures a Source.
	SourceOptions struct {
		// Client opens the stream. Required.
		Client clientspulse.Client
		// Stream names the Pulse stream carrying workflow events. Required.
		Stream string
		// SinkName identifies the consumer group. Defaults to "switchboard".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder defaults to stream.Decode.
		Decoder Decoder
		// SinkOptions are passed to every sink the source opens.
		SinkOptions []streamopts.Sink
		Logger      telemetry.Logger
	}

	// Source implements stream.Source on top of a Pulse consumer group.
	Source struct {
		stream   clientspulse.Stream
		sinkName string
		buffer   int
		decode   Decoder
		sinkOpts []streamopts.Sink
		logger   telemetry.Logger
	}
)

var _ stream.Source = (*Source)(nil)

// NewSource opens the configured stream.
func NewSource(opts SourceOptions) (*Source, error) {
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
	name := opts.SinkName
	if name == "" {
		name = "switchboard"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decode := opts.Decoder
	if decode == nil {
		decode = stream.Decode
	}
	return &Source{
		stream:   str,
		sinkName: name,
		buffer:   buffer,
		decode:   decode,
		sinkOpts: opts.SinkOptions,
		logger:   telemetry.Or(opts.Logger),
	}, nil
}

// Subscribe joins the consumer group and emits decoded events until ctx is
// canceled, the returned cancel function is called or the sink closes.
//
// Malformed entries are acknowledged and skipped so that a single bad payload
// cannot stall the channel; each one is reported on the error channel when
// the reader keeps up and logged in every case.
func (s *Source) Subscribe(ctx context.Context) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	sink, err := s.stream.NewSink(ctx, s.sinkName, s.sinkOpts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Source) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	report := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				s.logger.Warn(ctx, "skipping malformed workflow event", "entry", evt.ID, "event", evt.EventName, "err", err)
				report(fmt.Errorf("decode entry %s: %w", evt.ID, err))
			} else {
				select {
				case out <- decoded:
				case <-ctx.Done():
					return
				}
			}
			if err := sink.Ack(ctx, evt); err != nil {
				s.logger.Error(ctx, "pulse ack failed", "entry", evt.ID, "err", err)
				report(fmt.Errorf("ack entry %s: %w", evt.ID, err))
			}
		}
	}
}

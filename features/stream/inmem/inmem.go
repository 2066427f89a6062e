// Package inmem provides an in-process implementation of the shared workflow
// event channel. Every subscriber receives every published event in publish
// order. It backs single-process deployments, demos and tests.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

type (
	// Options configures a Channel.
	Options struct {
		// Buffer is the per-subscriber event buffer. Defaults to 64.
		Buffer int
	}

	// Channel is an in-process stream.Source and stream.Publisher.
	Channel struct {
		buffer int

		mu     sync.RWMutex
		nextID uint64
		subs   map[uint64]*subscriber
		closed bool
	}

	subscriber struct {
		events chan stream.Event
		errs   chan error
		done   chan struct{}
		once   sync.Once

		mu     sync.RWMutex
		closed bool
	}
)

// ErrClosed is returned when using a closed channel.
var ErrClosed = errors.New("inmem channel closed")

// New returns an empty channel.
func New(opts Options) *Channel {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Channel{buffer: buffer, subs: make(map[uint64]*subscriber)}
}

// Subscribe implements stream.Source. The subscription ends when the returned
// cancel function is called, ctx is canceled or the channel is closed.
func (c *Channel) Subscribe(ctx context.Context) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	sub := &subscriber{
		events: make(chan stream.Event, c.buffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	c.subs[id] = sub
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		sub.close()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.events, sub.errs, cancel, nil
}

// Publish implements stream.Publisher. It blocks until every current
// subscriber accepted the event or ctx is done.
func (c *Channel) Publish(ctx context.Context, event stream.Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	for _, s := range subs {
		if err := s.deliver(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribers returns the number of active subscriptions.
func (c *Channel) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Close ends every subscription. Further calls to Subscribe and Publish fail.
func (c *Channel) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]*subscriber)
	c.closed = true
	c.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *subscriber) deliver(ctx context.Context, event stream.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.events <- event:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		close(s.errs)
		s.mu.Unlock()
	})
}

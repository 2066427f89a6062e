// Package bridge mirrors the events of the currently viewed workflow into a
// live state container. Only the viewed workflow is mirrored; events for other
// workflows still update their stored state through the router, and switching
// the viewed workflow never replays history.
package bridge

import (
	"github.com/switchboard-ai/switchboard/runtime/workflow/observable"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

type (
	// Options configures a Bridge.
	Options struct {
		// OnChunk receives chunks of the viewed workflow.
		OnChunk func(stream.Chunk)
		// OnComplete receives the completion of the viewed workflow.
		OnComplete func(stream.Complete)
	}

	// Bridge tracks the viewed workflow id and forwards its events to the
	// injected callbacks.
	Bridge struct {
		viewed     *observable.Store[string]
		onChunk    func(stream.Chunk)
		onComplete func(stream.Complete)
	}
)

// New returns a bridge with no viewed workflow.
func New(opts Options) *Bridge {
	return &Bridge{
		viewed:     observable.New(""),
		onChunk:    opts.OnChunk,
		onComplete: opts.OnComplete,
	}
}

// SetViewed switches the mirrored workflow. An empty id stops mirroring. It
// returns the previously viewed id.
func (b *Bridge) SetViewed(workflowID string) string {
	var prev string
	b.viewed.Modify(func(cur string) (string, bool) {
		prev = cur
		return workflowID, cur != workflowID
	})
	return prev
}

// Viewed returns the viewed workflow id, or "" when none.
func (b *Bridge) Viewed() string {
	return b.viewed.Get()
}

// IsViewed reports whether workflowID is the viewed workflow.
func (b *Bridge) IsViewed(workflowID string) bool {
	return workflowID != "" && b.viewed.Get() == workflowID
}

// Subscribe registers l for viewed id changes.
func (b *Bridge) Subscribe(l observable.Listener[string]) observable.Subscription {
	return b.viewed.Subscribe(l)
}

// ForwardChunk invokes the chunk callback when c belongs to the viewed
// workflow and reports whether it did.
func (b *Bridge) ForwardChunk(c stream.Chunk) bool {
	if c == nil || b.onChunk == nil || !b.IsViewed(c.WorkflowID()) {
		return false
	}
	b.onChunk(c)
	return true
}

// ForwardComplete invokes the completion callback when c belongs to the viewed
// workflow and reports whether it did.
func (b *Bridge) ForwardComplete(c stream.Complete) bool {
	if b.onComplete == nil || !b.IsViewed(c.Workflow) {
		return false
	}
	b.onComplete(c)
	return true
}

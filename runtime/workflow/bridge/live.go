package bridge

import (
	"time"

	"github.com/switchboard-ai/switchboard/runtime/workflow/observable"
	"github.com/switchboard-ai/switchboard/runtime/workflow/state"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

// Live is the live render state of the viewed workflow. It applies mirrored
// events with the same reducer the router uses, so the rendered state matches
// the stored one without sharing it. A zero WorkflowID means nothing is shown.
type Live struct {
	store *observable.Store[state.WorkflowStreamState]
	now   func() time.Time
}

// NewLive returns an empty live container. A nil clock uses time.Now.
func NewLive(clock func() time.Time) *Live {
	if clock == nil {
		clock = time.Now
	}
	return &Live{store: observable.New(state.WorkflowStreamState{}), now: clock}
}

// Reset replaces the live state with snapshot, typically the stored state of
// the workflow that just became viewed.
func (l *Live) Reset(snapshot state.WorkflowStreamState) {
	l.store.Set(snapshot)
}

// Clear empties the live state.
func (l *Live) Clear() {
	l.store.Set(state.WorkflowStreamState{})
}

// ApplyChunk folds c into the live state. Chunks for another workflow are
// ignored.
func (l *Live) ApplyChunk(c stream.Chunk) {
	now := l.now()
	l.store.Modify(func(cur state.WorkflowStreamState) (state.WorkflowStreamState, bool) {
		if cur.WorkflowID == "" || c == nil || c.WorkflowID() != cur.WorkflowID {
			return cur, false
		}
		return state.Fold(cur, c, now), true
	})
}

// ApplyComplete freezes the live state on completion.
func (l *Live) ApplyComplete(c stream.Complete) {
	now := l.now()
	l.store.Modify(func(cur state.WorkflowStreamState) (state.WorkflowStreamState, bool) {
		if cur.WorkflowID == "" || c.Workflow != cur.WorkflowID || cur.Terminal() {
			return cur, false
		}
		return state.ApplyComplete(cur, c, now), true
	})
}

// Get returns the live state.
func (l *Live) Get() state.WorkflowStreamState {
	return l.store.Get()
}

// Subscribe registers fn for live state changes.
func (l *Live) Subscribe(fn observable.Listener[state.WorkflowStreamState]) observable.Subscription {
	return l.store.Subscribe(fn)
}

// Package notify implements the notification lifecycle: transient toasts that
// expire on a timer and persistent toasts that stay until dismissed. Toasts may
// be tied to a workflow so that every notice for that workflow can be dismissed
// at once when it resolves a pending question or reaches a terminal state.
package notify

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/runtime/workflow/observable"
	"github.com/switchboard-ai/switchboard/runtime/workflow/stream"
)

type (
	// Type classifies a toast for presentation.
	Type string

	// Toast is one notification.
	Toast struct {
		ID         string
		Type       Type
		Title      string
		Message    string
		WorkflowID string
		// Persistent toasts never expire; they are removed by Dismiss or
		// DismissForWorkflow.
		Persistent bool
		// Duration is the lifetime of a non-persistent toast. Zero uses the
		// center's default.
		Duration  time.Duration
		CreatedAt time.Time
	}

	// Timer is a scheduled expiry. *time.Timer implements it.
	Timer interface {
		Stop() bool
	}

	// AfterFunc schedules f to run after d.
	AfterFunc func(d time.Duration, f func()) Timer

	// Options configures a Center.
	Options struct {
		// DefaultDuration is the lifetime of toasts that do not set one.
		// Defaults to 5s.
		DefaultDuration time.Duration
		// MaxVisible bounds the number of retained toasts. The oldest
		// non-persistent toasts are dropped first; persistent toasts are never
		// trimmed and may exceed the bound. Defaults to 5.
		MaxVisible int
		// AfterFunc schedules expiries. Defaults to time.AfterFunc.
		AfterFunc AfterFunc
		// Clock returns the current time. Defaults to time.Now.
		Clock func() time.Time
	}

	// Center owns the visible toasts. Methods are safe for concurrent use.
	Center struct {
		toasts          *observable.Store[[]Toast]
		defaultDuration time.Duration
		maxVisible      int
		afterFunc       AfterFunc
		now             func() time.Time

		mu     sync.Mutex
		timers map[string]Timer
	}
)

const (
	// TypeInfo is a neutral notice.
	TypeInfo Type = "info"
	// TypeSuccess reports a workflow that completed.
	TypeSuccess Type = "success"
	// TypeWarning reports a cancelled workflow.
	TypeWarning Type = "warning"
	// TypeError reports a failed workflow.
	TypeError Type = "error"
	// TypeQuestion marks a workflow waiting for user input.
	TypeQuestion Type = "question"
)

const (
	defaultDuration   = 5 * time.Second
	defaultMaxVisible = 5
)

// New returns a Center configured by opts.
func New(opts Options) *Center {
	d := opts.DefaultDuration
	if d <= 0 {
		d = defaultDuration
	}
	maxVisible := opts.MaxVisible
	if maxVisible <= 0 {
		maxVisible = defaultMaxVisible
	}
	after := opts.AfterFunc
	if after == nil {
		after = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Center{
		toasts:          observable.New[[]Toast](nil),
		defaultDuration: d,
		maxVisible:      maxVisible,
		afterFunc:       after,
		now:             clock,
		timers:          make(map[string]Timer),
	}
}

// Add assigns t an id and creation time, appends it and schedules its expiry
// unless it is persistent. It returns the assigned id.
func (c *Center) Add(t Toast) string {
	t.ID = uuid.NewString()
	t.CreatedAt = c.now()
	if t.Duration <= 0 {
		t.Duration = c.defaultDuration
	}
	if t.Type == "" {
		t.Type = TypeInfo
	}
	var trimmed []Toast
	c.toasts.Update(func(cur []Toast) []Toast {
		next := append(slices.Clone(cur), t)
		over := len(next) - c.maxVisible
		if over <= 0 {
			return next
		}
		kept := next[:0]
		for _, old := range next {
			if over > 0 && !old.Persistent {
				trimmed = append(trimmed, old)
				over--
				continue
			}
			kept = append(kept, old)
		}
		return kept
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, old := range trimmed {
		c.stopLocked(old.ID)
	}
	if !t.Persistent {
		id := t.ID
		c.timers[id] = c.afterFunc(t.Duration, func() { c.expire(id) })
	}
	return t.ID
}

// Dismiss removes the toast with the given id and reports whether it existed.
func (c *Center) Dismiss(id string) bool {
	_, removed := c.toasts.Modify(func(cur []Toast) ([]Toast, bool) {
		i := slices.IndexFunc(cur, func(t Toast) bool { return t.ID == id })
		if i < 0 {
			return cur, false
		}
		return slices.Delete(slices.Clone(cur), i, i+1), true
	})
	c.mu.Lock()
	c.stopLocked(id)
	c.mu.Unlock()
	return removed
}

// DismissForWorkflow removes every toast tied to workflowID, persistent or
// not, and returns how many were removed.
func (c *Center) DismissForWorkflow(workflowID string) int {
	if workflowID == "" {
		return 0
	}
	var removed []Toast
	c.toasts.Modify(func(cur []Toast) ([]Toast, bool) {
		kept := make([]Toast, 0, len(cur))
		for _, t := range cur {
			if t.WorkflowID == workflowID {
				removed = append(removed, t)
				continue
			}
			kept = append(kept, t)
		}
		return kept, len(removed) > 0
	})
	c.mu.Lock()
	for _, t := range removed {
		c.stopLocked(t.ID)
	}
	c.mu.Unlock()
	return len(removed)
}

// Clear removes every toast and cancels pending expiries.
func (c *Center) Clear() {
	c.toasts.Modify(func(cur []Toast) ([]Toast, bool) {
		return nil, len(cur) > 0
	})
	c.mu.Lock()
	for id := range c.timers {
		c.stopLocked(id)
	}
	c.mu.Unlock()
}

// List returns the visible toasts, oldest first.
func (c *Center) List() []Toast {
	return slices.Clone(c.toasts.Get())
}

// Subscribe registers l for toast list changes. l is invoked immediately with
// the current list. The slice passed to l must not be modified.
func (c *Center) Subscribe(l observable.Listener[[]Toast]) observable.Subscription {
	return c.toasts.Subscribe(l)
}

// AddWorkflowComplete raises the completion notice for a workflow.
func (c *Center) AddWorkflowComplete(workflowID, name string, status stream.Status, errMsg string) string {
	label := name
	if label == "" {
		label = workflowID
	}
	t := Toast{WorkflowID: workflowID}
	switch status {
	case stream.StatusCompleted:
		t.Type = TypeSuccess
		t.Title = "Workflow completed"
		t.Message = fmt.Sprintf("%s finished", label)
	case stream.StatusCancelled:
		t.Type = TypeWarning
		t.Title = "Workflow cancelled"
		t.Message = fmt.Sprintf("%s was cancelled", label)
	default:
		t.Type = TypeError
		t.Title = "Workflow failed"
		t.Message = fmt.Sprintf("%s failed", label)
		if errMsg != "" {
			t.Message = fmt.Sprintf("%s failed: %s", label, errMsg)
		}
	}
	return c.Add(t)
}

// AddUserQuestion raises a persistent notice that a workflow is waiting for
// input.
func (c *Center) AddUserQuestion(workflowID, name, question string) string {
	label := name
	if label == "" {
		label = workflowID
	}
	return c.Add(Toast{
		Type:       TypeQuestion,
		Title:      fmt.Sprintf("%s needs your input", label),
		Message:    question,
		WorkflowID: workflowID,
		Persistent: true,
	})
}

// Close cancels every pending expiry and removes the non-persistent toasts
// those expiries would have removed. Persistent toasts are kept.
func (c *Center) Close() {
	c.toasts.Modify(func(cur []Toast) ([]Toast, bool) {
		kept := make([]Toast, 0, len(cur))
		for _, t := range cur {
			if t.Persistent {
				kept = append(kept, t)
			}
		}
		return kept, len(kept) != len(cur)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.timers {
		c.stopLocked(id)
	}
}

func (c *Center) expire(id string) {
	c.mu.Lock()
	_, pending := c.timers[id]
	delete(c.timers, id)
	c.mu.Unlock()
	if !pending {
		return
	}
	c.toasts.Modify(func(cur []Toast) ([]Toast, bool) {
		i := slices.IndexFunc(cur, func(t Toast) bool { return t.ID == id })
		if i < 0 {
			return cur, false
		}
		return slices.Delete(slices.Clone(cur), i, i+1), true
	})
}

func (c *Center) stopLocked(id string) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

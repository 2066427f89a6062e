// Package observable provides small publish/subscribe state holders. A Store
// owns a value, recomputes it through Update and notifies subscribers with the
// new value; Derive builds read-only views computed from another holder.
//
// Listeners are invoked synchronously on the goroutine that changed the value,
// in subscription order, after the store's lock has been released. A listener
// must not synchronously update the store it observes.
package observable

import (
	"sync"
)

type (
	// Listener receives the current value of a holder.
	Listener[T any] func(T)

	// Readable is the read-only side of a holder.
	Readable[T any] interface {
		// Get returns the current value.
		Get() T
		// Subscribe registers l and immediately invokes it with the current
		// value. The returned Subscription unregisters l.
		Subscribe(l Listener[T]) Subscription
	}

	// Subscription is an active listener registration. Close is idempotent
	// and always returns nil.
	Subscription interface {
		Close() error
	}

	// Store is a mutable holder of a value of type T. The zero value is not
	// usable; construct stores with New.
	Store[T any] struct {
		mu     sync.RWMutex
		value  T
		nextID uint64
		subs   []entry[T]
	}

	// View is a read-only holder whose value is derived from a source holder.
	View[T any] struct {
		store *Store[T]
		sub   Subscription
	}

	entry[T any] struct {
		id uint64
		l  Listener[T]
	}

	subscription struct {
		once   sync.Once
		remove func()
	}
)

// New returns a store holding initial.
func New[T any](initial T) *Store[T] {
	return &Store[T]{value: initial}
}

// Get returns the current value.
func (s *Store[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set replaces the value and notifies subscribers.
func (s *Store[T]) Set(v T) {
	s.Update(func(T) T { return v })
}

// Update replaces the value with fn(current) and notifies subscribers with the
// result, which it also returns. fn runs under the store's write lock and must
// not call back into the store.
func (s *Store[T]) Update(fn func(T) T) T {
	s.mu.Lock()
	s.value = fn(s.value)
	v := s.value
	listeners := s.snapshot()
	s.mu.Unlock()
	for _, l := range listeners {
		l(v)
	}
	return v
}

// Modify is like Update but only stores the result and notifies subscribers
// when fn reports a change. It returns the resulting value and whether it
// changed.
func (s *Store[T]) Modify(fn func(T) (T, bool)) (T, bool) {
	s.mu.Lock()
	next, changed := fn(s.value)
	if !changed {
		v := s.value
		s.mu.Unlock()
		return v, false
	}
	s.value = next
	listeners := s.snapshot()
	s.mu.Unlock()
	for _, l := range listeners {
		l(next)
	}
	return next, true
}

// Subscribe implements Readable.
func (s *Store[T]) Subscribe(l Listener[T]) Subscription {
	if l == nil {
		return &subscription{}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, entry[T]{id: id, l: l})
	v := s.value
	s.mu.Unlock()
	l(v)
	return &subscription{remove: func() { s.unsubscribe(id) }}
}

// Subscribers returns the number of registered listeners.
func (s *Store[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Store[T]) snapshot() []Listener[T] {
	out := make([]Listener[T], len(s.subs))
	for i, e := range s.subs {
		out[i] = e.l
	}
	return out
}

func (s *Store[T]) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.subs {
		if e.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Derive returns a view whose value is fn applied to src's value, recomputed
// every time src changes. Close the view to stop tracking src.
//
// Notifications of concurrent changes may arrive out of order, so the view
// recomputes from the current source value rather than the notified one.
func Derive[T, U any](src Readable[T], fn func(T) U) *View[U] {
	v := &View[U]{store: New(fn(src.Get()))}
	v.sub = src.Subscribe(func(T) {
		v.store.Set(fn(src.Get()))
	})
	return v
}

// Get implements Readable.
func (v *View[T]) Get() T {
	return v.store.Get()
}

// Subscribe implements Readable.
func (v *View[T]) Subscribe(l Listener[T]) Subscription {
	return v.store.Subscribe(l)
}

// Close detaches the view from its source.
func (v *View[T]) Close() error {
	if v.sub == nil {
		return nil
	}
	return v.sub.Close()
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		if s.remove != nil {
			s.remove()
		}
	})
	return nil
}

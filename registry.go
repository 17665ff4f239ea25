package chatkit

import "sync"

// observers is a small registry used by every component that fans events
// out to callbacks. Go function values are not comparable, so identity is
// the registration id: registering the same id twice replaces the previous
// callback instead of dispatching it twice, and removal is by id. Dispatch
// order follows registration order.
type observers[T any] struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]func(T)
}

func newObservers[T any]() *observers[T] {
	return &observers[T]{handlers: make(map[string]func(T))}
}

// Register adds or replaces the callback registered under id.
func (o *observers[T]) Register(id string, fn func(T)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.handlers[id]; !exists {
		o.order = append(o.order, id)
	}
	o.handlers[id] = fn
}

// Unregister removes the callback registered under id. Unknown ids are a
// no-op.
func (o *observers[T]) Unregister(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.handlers[id]; !exists {
		return
	}
	delete(o.handlers, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// Notify invokes every registered callback in order. Callbacks run on the
// caller's goroutine; a panic in one callback is recovered so it cannot
// take down the dispatch loop.
func (o *observers[T]) Notify(v T) {
	o.mu.RLock()
	fns := make([]func(T), 0, len(o.order))
	for _, id := range o.order {
		fns = append(fns, o.handlers[id])
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() { recover() }()
			fn(v)
		}()
	}
}

func (o *observers[T]) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.handlers)
}

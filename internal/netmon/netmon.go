// Package netmon reports device connectivity to the reconnect coordinator.
package netmon

import (
	"fmt"
	"sync"
)

// State is one connectivity observation. IsInternetReachable is nil while
// reachability is unknown.
type State struct {
	IsConnected         bool
	IsInternetReachable *bool
}

// Connected reports whether the state counts as online. Unknown
// reachability is treated as reachable.
func (s State) Connected() bool {
	return s.IsConnected && (s.IsInternetReachable == nil || *s.IsInternetReachable)
}

func (s State) String() string {
	reach := "unknown"
	if s.IsInternetReachable != nil {
		reach = fmt.Sprint(*s.IsInternetReachable)
	}
	return fmt.Sprintf("connected=%v reachable=%s", s.IsConnected, reach)
}

func (s State) equal(o State) bool {
	if s.IsConnected != o.IsConnected {
		return false
	}
	a, b := s.IsInternetReachable, o.IsInternetReachable
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Reachable returns a pointer to v for State literals.
func Reachable(v bool) *bool {
	return &v
}

// Monitor delivers connectivity changes. Subscribe calls fn with the
// current state, if one is known, before returning.
type Monitor interface {
	Subscribe(fn func(State)) (dispose func())
}

// broadcaster fans states out to subscribers in order.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[int]func(State)
	nextID  int
	current *State

	// notify serializes deliveries so every subscriber sees states in the
	// order they were published.
	notify sync.Mutex
}

func (b *broadcaster) subscribe(fn func(State)) func() {
	b.notify.Lock()
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]func(State))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	cur := b.current
	b.mu.Unlock()
	if cur != nil {
		fn(*cur)
	}
	b.notify.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// publish records s and delivers it when it differs from the last state.
func (b *broadcaster) publish(s State) bool {
	b.notify.Lock()
	defer b.notify.Unlock()

	b.mu.Lock()
	if b.current != nil && b.current.equal(s) {
		b.mu.Unlock()
		return false
	}
	b.current = &s
	fns := make([]func(State), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
	return true
}

func (b *broadcaster) last() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return State{}, false
	}
	return *b.current, true
}

// Manual is a Monitor driven by explicit Set calls, used by the daemon's
// manual network mode and by tests.
type Manual struct {
	b broadcaster
}

// NewManual returns a Manual monitor starting at initial.
func NewManual(initial State) *Manual {
	m := &Manual{}
	m.b.current = &initial
	return m
}

func (m *Manual) Subscribe(fn func(State)) func() {
	return m.b.subscribe(fn)
}

// Set publishes s. Repeating the current state is a no-op.
func (m *Manual) Set(s State) {
	m.b.publish(s)
}

// Current returns the last state set.
func (m *Manual) Current() State {
	s, _ := m.b.last()
	return s
}

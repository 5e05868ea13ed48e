package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/threadsync/internal/bus"
)

// State represents the connection state of the sync core.
type State string

const (
	Booting      State = "BOOTING"
	Online       State = "ONLINE"
	Offline      State = "OFFLINE"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Online, Offline, Reconnecting},
	Online:       {Offline, Reconnecting},
	Offline:      {Online, Reconnecting},
	Reconnecting: {Online, Offline, Degraded},
	Degraded:     {Online, Offline, Reconnecting},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Moving to the current state
// is a no-op. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      bus.ConnStatusChanged,
		Timestamp: m.since,
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

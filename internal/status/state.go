package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/taskora/chatcore/internal/bus"
)

// State represents the connectivity of the live subscription layer.
type State string

const (
	Booting State = "BOOTING"
	// Connected: all live subscriptions are healthy.
	Connected State = "CONNECTED"
	// Reconnecting: a subscription dropped and resubscription is in
	// progress; invisible to the user.
	Reconnecting State = "RECONNECTING"
	// Degraded: resubscription has repeatedly failed; the UI shows a
	// degraded-connectivity indicator. The chat core keeps serving stale
	// data rather than failing the session.
	Degraded State = "DEGRADED"
)

// StatusTopic carries connectivity change events on the bus.
const StatusTopic = "conn:status"

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connected, Reconnecting},
	Connected:    {Reconnecting},
	Reconnecting: {Connected, Degraded},
	Degraded:     {Reconnecting, Connected},
}

// Machine tracks and enforces connectivity state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Moving to the current state
// is a no-op; an invalid move returns an error.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Topic:     StatusTopic,
			Timestamp: time.Now(),
			Payload: Change{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Change is the payload for connectivity change events.
type Change struct {
	From State
	To   State
}

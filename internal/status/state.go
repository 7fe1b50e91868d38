package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pvidal/gochat/internal/bus"
)

// State represents a transport connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Closing      State = "CLOSING"
	Retrying     State = "RETRYING"
)

// validTransitions defines allowed state transitions. Retrying is the
// waiting-for-backoff state after an unexpected close; Closing is only
// reachable via a caller-initiated Close.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Open, Retrying, Disconnected},
	Open:         {Closing, Retrying, Disconnected},
	Closing:      {Disconnected},
	Retrying:     {Connecting, Disconnected},
}

// Machine tracks and enforces transport state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindTransportState,
			Timestamp: time.Now(),
			Payload: Change{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Change is the payload for transport status change events.
type Change struct {
	From State
	To   State
}

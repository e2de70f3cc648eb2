// Package alarm is the cloud alarm engine: it consumes alarm signals from
// the inbound channel, re-evaluates them against registry thresholds with
// debounce and clearing hysteresis, and drives one life-cycle state machine
// per sensor through cascade suppression, shelving, flood protection, and
// stale cleanup. Every transition is persisted and published outbound.
package alarm

import "fmt"

// State is the alarm life-cycle position.
type State string

const (
	StateCleared    State = "CLEARED"
	StateActive     State = "ACTIVE"
	StateAcked      State = "ACKED"
	StateRTNUnacked State = "RTN_UNACK"
	StateShelved    State = "SHELVED"
	StateSuppressed State = "SUPPRESSED"
)

// Event is one input to the state machine.
type Event string

const (
	EventRaise    Event = "RAISE"
	EventClear    Event = "CLEAR"
	EventAck      Event = "ACK"
	EventShelve   Event = "SHELVE"
	EventUnshelve Event = "UNSHELVE"
	EventSuppress Event = "SUPPRESS"
	EventRelease  Event = "RELEASE"
	EventStale    Event = "STALE"
)

// ErrInvalidTransition reports an event the current state does not accept.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("alarm: state %s does not accept %s", e.From, e.Event)
}

// transition is the life-cycle table. The exits from SHELVED and SUPPRESSED
// always land in CLEARED; a condition that still holds re-raises on the next
// matching signal rather than on the spot.
func transition(from State, ev Event) (State, error) {
	switch from {
	case StateCleared:
		if ev == EventRaise {
			return StateActive, nil
		}

	case StateActive:
		switch ev {
		case EventClear:
			return StateRTNUnacked, nil
		case EventAck:
			return StateAcked, nil
		case EventShelve:
			return StateShelved, nil
		case EventSuppress:
			return StateSuppressed, nil
		case EventStale:
			return StateCleared, nil
		case EventRaise:
			// Priority escalations re-enter ACTIVE.
			return StateActive, nil
		}

	case StateAcked:
		switch ev {
		case EventClear, EventStale:
			return StateCleared, nil
		case EventShelve:
			return StateShelved, nil
		case EventSuppress:
			return StateSuppressed, nil
		case EventRaise:
			// An escalation above the acked priority demands a fresh ack.
			return StateActive, nil
		}

	case StateRTNUnacked:
		switch ev {
		case EventAck:
			return StateCleared, nil
		case EventRaise:
			return StateActive, nil
		case EventShelve:
			return StateShelved, nil
		case EventStale:
			return StateCleared, nil
		}

	case StateShelved:
		switch ev {
		case EventUnshelve:
			return StateCleared, nil
		case EventRaise, EventClear:
			// Signals keep flowing while shelved; the state pins.
			return StateShelved, nil
		case EventStale:
			return StateCleared, nil
		}

	case StateSuppressed:
		switch ev {
		case EventRelease:
			return StateCleared, nil
		case EventShelve:
			return StateShelved, nil
		case EventRaise, EventClear:
			return StateSuppressed, nil
		case EventStale:
			return StateCleared, nil
		}
	}
	return from, &ErrInvalidTransition{From: from, Event: ev}
}

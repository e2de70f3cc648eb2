package alarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
	}{
		{StateCleared, EventRaise, StateActive},
		{StateActive, EventClear, StateRTNUnacked},
		{StateActive, EventAck, StateAcked},
		{StateActive, EventShelve, StateShelved},
		{StateActive, EventSuppress, StateSuppressed},
		{StateActive, EventRaise, StateActive},
		{StateAcked, EventClear, StateCleared},
		{StateAcked, EventRaise, StateActive},
		{StateRTNUnacked, EventAck, StateCleared},
		{StateRTNUnacked, EventRaise, StateActive},
		// Leaving the shelved or suppressed set never re-annunciates on the
		// spot; the next matching signal re-raises.
		{StateShelved, EventUnshelve, StateCleared},
		{StateShelved, EventRaise, StateShelved},
		{StateSuppressed, EventRelease, StateCleared},
		{StateSuppressed, EventShelve, StateShelved},
		{StateSuppressed, EventClear, StateSuppressed},
		{StateActive, EventStale, StateCleared},
		{StateShelved, EventStale, StateCleared},
	}
	for _, tt := range tests {
		got, err := transition(tt.from, tt.ev)
		require.NoError(t, err, "%s + %s", tt.from, tt.ev)
		assert.Equal(t, tt.want, got, "%s + %s", tt.from, tt.ev)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	invalid := []struct {
		from State
		ev   Event
	}{
		{StateCleared, EventAck},
		{StateCleared, EventClear},
		{StateCleared, EventShelve},
		{StateRTNUnacked, EventSuppress},
		{StateShelved, EventAck},
		{StateSuppressed, EventAck},
	}
	for _, tt := range invalid {
		_, err := transition(tt.from, tt.ev)
		require.Error(t, err, "%s + %s", tt.from, tt.ev)
		var it *ErrInvalidTransition
		assert.ErrorAs(t, err, &it)
	}
}

package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTransitionTableShape asserts the structural guarantees the table is
// built around: emergency stop is reachable from everywhere, interlock
// violations pull every operational state into Unsafe, and the two fault
// states have exactly one way out each.
func TestTransitionTableShape(t *testing.T) {
	for _, s := range States {
		if s == StateEmergencyStop {
			continue
		}
		to, err := next(s, TriggerEmergencyStop)
		require.NoError(t, err, "emergency_stop from %s", s)
		assert.Equal(t, StateEmergencyStop, to)
	}

	for _, s := range []State{StateSafe, StateArmed, StateTreating} {
		to, err := next(s, TriggerInterlockViolation)
		require.NoError(t, err, "interlock_violation from %s", s)
		assert.Equal(t, StateUnsafe, to)
	}

	// Unsafe and EmergencyStop admit exactly their recovery trigger plus,
	// for Unsafe, the emergency stop.
	assert.Len(t, transitions[StateUnsafe], 2)
	assert.Len(t, transitions[StateEmergencyStop], 1)
	to, err := next(StateUnsafe, TriggerAcknowledgeUnsafe)
	require.NoError(t, err)
	assert.Equal(t, StateSafe, to)
	to, err = next(StateEmergencyStop, TriggerManualReset)
	require.NoError(t, err)
	assert.Equal(t, StateSafe, to)
}

func TestNextRejectsIllegalTrigger(t *testing.T) {
	cases := []struct {
		from State
		trig Trigger
	}{
		{StateSafe, TriggerDisarm},
		{StateSafe, TriggerStartTreatment},
		{StateArmed, TriggerArm},
		{StateTreating, TriggerArm},
		{StateUnsafe, TriggerArm},
		{StateUnsafe, TriggerManualReset},
		{StateEmergencyStop, TriggerAcknowledgeUnsafe},
		{StateEmergencyStop, TriggerEmergencyStop},
	}
	for _, tc := range cases {
		got, err := next(tc.from, tc.trig)
		var te *TransitionError
		require.ErrorAs(t, err, &te, "%s from %s", tc.trig, tc.from)
		assert.Equal(t, tc.from, got, "state must be unchanged on rejection")
		assert.Equal(t, tc.from, te.From)
		assert.Equal(t, tc.trig, te.Trigger)
	}
}

func TestOperatorCycle(t *testing.T) {
	s := StateSafe
	for _, step := range []struct {
		trig Trigger
		want State
	}{
		{TriggerArm, StateArmed},
		{TriggerStartTreatment, StateTreating},
		{TriggerStopTreatment, StateArmed},
		{TriggerDisarm, StateSafe},
	} {
		var err error
		s, err = next(s, step.trig)
		require.NoError(t, err)
		assert.Equal(t, step.want, s)
	}
}

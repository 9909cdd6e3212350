// Package safety owns the system safety state. It is the sole writer of
// SafetyState, arbitrates hardware interlocks against software
// preconditions, and exposes the laser-enable permission every other
// component gates on.
package safety

import (
	"fmt"
)

// State is the system safety state.
type State string

const (
	StateSafe          State = "safe"
	StateArmed         State = "armed"
	StateTreating      State = "treating"
	StateUnsafe        State = "unsafe"
	StateEmergencyStop State = "emergency_stop"
)

// States lists all states in a stable order.
var States = []State{StateSafe, StateArmed, StateTreating, StateUnsafe, StateEmergencyStop}

// StateNames is the string form for metrics labels.
var StateNames = func() []string {
	out := make([]string, len(States))
	for i, s := range States {
		out[i] = string(s)
	}
	return out
}()

// Trigger names a transition cause.
type Trigger string

const (
	TriggerArm                Trigger = "arm"
	TriggerDisarm             Trigger = "disarm"
	TriggerStartTreatment     Trigger = "start_treatment"
	TriggerStopTreatment      Trigger = "stop_treatment"
	TriggerInterlockViolation Trigger = "interlock_violation"
	TriggerEmergencyStop      Trigger = "emergency_stop"
	TriggerAcknowledgeUnsafe  Trigger = "acknowledge_unsafe"
	TriggerManualReset        Trigger = "manual_reset"
)

// TransitionError reports a trigger that is not legal from the current
// state.
type TransitionError struct {
	From    State
	Trigger Trigger
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("safety: %s not permitted in state %s", e.Trigger, e.From)
}

// transitions is the complete transition table. It is built, not written
// out, so that the two unconditioned cross-state rules hold by
// construction rather than by convention: every state can reach
// EmergencyStop, and every operational state can reach Unsafe.
// TestTransitionTableShape asserts no other cross-state edges exist.
var transitions = buildTransitions()

func buildTransitions() map[State]map[Trigger]State {
	t := make(map[State]map[Trigger]State, len(States))
	for _, s := range States {
		t[s] = make(map[Trigger]State)
	}

	// Operator-driven edges.
	t[StateSafe][TriggerArm] = StateArmed
	t[StateArmed][TriggerDisarm] = StateSafe
	t[StateArmed][TriggerStartTreatment] = StateTreating
	t[StateTreating][TriggerStopTreatment] = StateArmed

	// Recovery edges. Both require restored interlocks plus an explicit
	// operator action; the manager enforces the precondition.
	t[StateUnsafe][TriggerAcknowledgeUnsafe] = StateSafe
	t[StateEmergencyStop][TriggerManualReset] = StateSafe

	// Unconditioned hazard edges, inserted for whole state classes.
	for _, s := range []State{StateSafe, StateArmed, StateTreating} {
		t[s][TriggerInterlockViolation] = StateUnsafe
	}
	for _, s := range States {
		if s != StateEmergencyStop {
			t[s][TriggerEmergencyStop] = StateEmergencyStop
		}
	}
	return t
}

// next resolves one transition.
func next(from State, trig Trigger) (State, error) {
	to, ok := transitions[from][trig]
	if !ok {
		return from, &TransitionError{From: from, Trigger: trig}
	}
	return to, nil
}

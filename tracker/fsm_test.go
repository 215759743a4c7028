package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSteadyStateTransitions(t *testing.T) {
	cases := []struct {
		state State
		event Event
		next  State
		kind  OutcomeKind
	}{
		{StateInit, EventSyscall, StateRun, OutcomeOK},
		{StateInit, EventClone, StateCln, OutcomeOK},
		{StateInit, EventExec, StateExe, OutcomeOK},
		{StateInit, EventExit, StateEnd, OutcomeOK},
		{StateRun, EventSyscall, StateRun, OutcomeOK},
		{StateRun, EventClone, StateCln, OutcomeOK},
		{StateRun, EventExec, StateExe, OutcomeOK},
		{StateRun, EventExit, StateEnd, OutcomeOK},
		{StateRun, EventKillDelivered, StateKill, OutcomeOK},
		{StateRun, EventVforkParent, StateVfp, OutcomeOK},
	}

	for _, testcase := range cases {
		outcome := Advance(testcase.state, testcase.event)
		assert.Equal(t, testcase.kind, outcome.Kind,
			"%v + %v", testcase.state, testcase.event)
		assert.Equal(t, testcase.next, outcome.Next,
			"%v + %v", testcase.state, testcase.event)
	}
}

func TestCloneOnlyResolvedByChild(t *testing.T) {
	outcome := Advance(StateCln, EventChildSeen)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateRun, outcome.Next)

	// Anything else while a clone is in flight breaks the model.
	for _, event := range []Event{
		EventSyscall, EventClone, EventExec, EventExit} {
		outcome := Advance(StateCln, event)
		assert.Equal(t, OutcomeFatal, outcome.Kind,
			"CLN should reject %v", event)
	}
}

func TestVforkParentTransitions(t *testing.T) {
	// The parent may poll for the child while suspended.
	outcome := Advance(StateVfp, EventWait)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateVfp, outcome.Next)

	// Exiting while suspended is legal.
	outcome = Advance(StateVfp, EventExit)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateEnd, outcome.Next)

	// Any other syscall means the child released the parent.
	outcome = Advance(StateVfp, EventForkResolved)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateRun, outcome.Next)
}

func TestVforkChildTransitions(t *testing.T) {
	outcome := Advance(StateVfc, EventExec)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateExe, outcome.Next)

	outcome = Advance(StateVfc, EventExit)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateEnd, outcome.Next)

	// Whitelisted housekeeping calls leave the child in place.
	outcome = Advance(StateVfc, EventWhitelisted)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateVfc, outcome.Next)

	// A non whitelisted call borrowing the parent's address space is
	// suspicious but survivable.
	outcome = Advance(StateVfc, EventSyscall)
	assert.Equal(t, OutcomeAnomaly, outcome.Kind)
	assert.Equal(t, StateVfc, outcome.Next)
}

func TestExecPendingTransitions(t *testing.T) {
	// A failed exec can be retried back to back.
	outcome := Advance(StateExe, EventExecRetry)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateExe, outcome.Next)

	outcome = Advance(StateExe, EventExecDone)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateInit, outcome.Next)

	outcome = Advance(StateExe, EventExit)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateEnd, outcome.Next)
}

func TestKillTransitions(t *testing.T) {
	// A context switch out of a killed process confirms the signal.
	outcome := Advance(StateKill, EventKillConfirmed)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateEnd, outcome.Next)

	// Any later syscall refutes it - the process caught the signal.
	outcome = Advance(StateKill, EventSyscall)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateRun, outcome.Next)

	outcome = Advance(StateKill, EventExit)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateEnd, outcome.Next)
}

func TestTerminalStates(t *testing.T) {
	// A terminated identity can be reborn as a vfork child.
	outcome := Advance(StateEnd, EventVforkChild)
	assert.Equal(t, OutcomeOK, outcome.Kind)
	assert.Equal(t, StateVfc, outcome.Next)

	// But cannot make syscalls.
	outcome = Advance(StateEnd, EventSyscall)
	assert.Equal(t, OutcomeFatal, outcome.Kind)
}

func TestAllStatesHaveNames(t *testing.T) {
	for state := StateInit; state <= StateKern; state++ {
		assert.NotEmpty(t, state.String())
		assert.NotContains(t, state.String(), "STATE(")
	}
}

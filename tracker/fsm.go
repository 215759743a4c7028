package tracker

import "fmt"

// State of the per process lifecycle state machine.
type State uint8

const (
	// Identity known but the start notification has not been
	// delivered yet.
	StateInit State = iota

	// Steady execution.
	StateRun

	// A clone call is in flight and the child has not materialized.
	StateCln

	// vfork parent, suspended until its child execs or exits.
	StateVfp

	// vfork child, executing in the parent's address space.
	StateVfc

	// An exec call is in flight, outcome pending.
	StateExe

	// A tentatively fatal signal was delivered, awaiting
	// confirmation.
	StateKill

	// Terminated. Terminal state, the record is retained for
	// reporting.
	StateEnd

	// The context maps to no tracked process.
	StateKern
)

var stateNames = []string{
	"INIT", "RUN", "CLN", "VFP", "VFC", "EXE", "KILL", "END", "KERN",
}

func (self State) String() string {
	if int(self) < len(stateNames) {
		return stateNames[self]
	}
	return fmt.Sprintf("STATE(%d)", self)
}

// Event is a classified piece of evidence fed to the state machine.
// The dispatcher does the classification; the transition function
// below only decides whether the combination is legal and what the
// next state is.
type Event uint8

const (
	// Syscall entry classes.
	EventClone Event = iota
	EventExec
	EventExit
	EventWait
	EventWhitelisted // dup2/close class, tolerated in the vfork window
	EventSyscall     // any other syscall

	// Observed the vfork return in the child's context.
	EventVforkChild

	// The record's vfork call returned (in the child's context),
	// suspending it as the parent of a shared address space fork.
	EventVforkParent

	// A clone child materialized, resolving the parent's CLN state.
	EventChildSeen

	// Context switch onto a previously unmapped asid resolved a
	// pending exec.
	EventExecDone

	// A repeated execve entry after a failed exec.
	EventExecRetry

	// The vfork relationship resolved, returning the parent to RUN.
	EventForkResolved

	// Fatal signal bookkeeping.
	EventKillDelivered
	EventKillConfirmed
	EventKillSurvived
)

var eventNames = []string{
	"clone", "exec", "exit", "wait", "whitelisted", "syscall",
	"vfork_child", "vfork_parent", "child_seen", "exec_done",
	"exec_retry", "fork_resolved", "kill_delivered", "kill_confirmed",
	"kill_survived",
}

func (self Event) String() string {
	if int(self) < len(eventNames) {
		return eventNames[self]
	}
	return fmt.Sprintf("EVENT(%d)", self)
}

// OutcomeKind separates the two error classes the design cares about:
// anomalies produced by legitimate kernel non-determinism are logged
// and recovered, while undefined (state, event) combinations poison
// the model and abort the trace.
type OutcomeKind uint8

const (
	OutcomeOK OutcomeKind = iota
	OutcomeAnomaly
	OutcomeFatal
)

type Outcome struct {
	Kind   OutcomeKind
	Next   State
	Reason string
}

func ok(next State) Outcome {
	return Outcome{Kind: OutcomeOK, Next: next}
}

func anomaly(state State, reason string) Outcome {
	return Outcome{Kind: OutcomeAnomaly, Next: state, Reason: reason}
}

func fatal(state State, event Event) Outcome {
	return Outcome{
		Kind: OutcomeFatal,
		Next: state,
		Reason: fmt.Sprintf(
			"no transition for event %v in state %v", event, state),
	}
}

// Advance is the pure transition function. It never touches the
// process table - the dispatcher is responsible for the side effects
// implied by each transition (index updates, notifications, fork
// links) and for classifying raw events into Events.
func Advance(state State, event Event) Outcome {
	switch state {
	case StateInit, StateRun:
		// INIT absorbs into RUN on its first syscall; the dispatcher
		// runs the deferred start notification first.
		switch event {
		case EventClone:
			return ok(StateCln)
		case EventExec:
			return ok(StateExe)
		case EventExit:
			return ok(StateEnd)
		case EventWait, EventWhitelisted, EventSyscall:
			return ok(StateRun)
		case EventKillDelivered:
			return ok(StateKill)
		case EventVforkParent:
			return ok(StateVfp)
		case EventVforkChild:
			// Delivered in the child context while it shares the
			// parent's address space.
			if state == StateInit {
				return ok(StateVfc)
			}
		}

	case StateKill:
		// Any further syscall means the process survived the signal.
		switch event {
		case EventClone:
			return ok(StateCln)
		case EventExec:
			return ok(StateExe)
		case EventExit:
			return ok(StateEnd)
		case EventWait, EventWhitelisted, EventSyscall, EventKillSurvived:
			return ok(StateRun)
		case EventKillConfirmed:
			return ok(StateEnd)
		}

	case StateCln:
		switch event {
		case EventChildSeen:
			return ok(StateRun)
		}

	case StateVfp:
		switch event {
		case EventWait:
			// The parent polling for its child keeps the fork open.
			return ok(StateVfp)
		case EventExit:
			return ok(StateEnd)
		case EventForkResolved, EventClone, EventExec,
			EventWhitelisted, EventSyscall:
			return ok(StateRun)
		}

	case StateVfc:
		switch event {
		case EventWhitelisted:
			return ok(StateVfc)
		case EventExec:
			return ok(StateExe)
		case EventExit:
			return ok(StateEnd)
		case EventClone, EventWait, EventSyscall:
			// Not expected in the restricted window but harmless.
			return anomaly(StateVfc,
				"non whitelisted syscall in vfork child window")
		}

	case StateExe:
		switch event {
		case EventExecRetry, EventExec:
			// A failed exec may simply be retried.
			return ok(StateExe)
		case EventExecDone:
			// Image replaced. The record restarts its life with the
			// new image; the dispatcher fires end then start.
			return ok(StateInit)
		case EventExit:
			return ok(StateEnd)
		}

	case StateEnd:
		switch event {
		case EventVforkChild:
			// A terminated record can be recycled in place as the
			// vfork child of the process now owning its old slot.
			return ok(StateVfc)
		}

	case StateKern:
		// Kernel sentinel records take no transitions.
	}

	return fatal(state, event)
}

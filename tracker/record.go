package tracker

import (
	"time"

	"github.com/Velocidex/ordereddict"
)

// ProcessRecord tracks everything we know about one kernel task. A
// record is created when the task is first discovered and is never
// removed from the table during the trace - terminated records are
// retained for reporting. Records are mutated exclusively by the
// dispatcher, one event at a time.
type ProcessRecord struct {
	Handle ProcessHandle

	State State

	// The state before the last transition, kept for transition
	// logging.
	prevState State

	// Transient, mutual fork links held as table keys. Open only
	// while a vfork relationship is in flight: a record is a fork
	// parent iff its partner names it as fork child.
	ForkParent TaskID
	ForkChild  TaskID

	StartTime time.Time
	EndTime   time.Time

	startNotified bool
	endNotified   bool
}

func (self *ProcessRecord) saveState() {
	self.prevState = self.State
}

func (self *ProcessRecord) setState(next State) {
	self.State = next
}

// Transition returns "OLD -> NEW" since the last saveState, or just
// the state name when nothing moved.
func (self *ProcessRecord) Transition() string {
	if self.prevState == self.State {
		return self.State.String()
	}
	return self.prevState.String() + " -> " + self.State.String()
}

func (self *ProcessRecord) stateChanged() bool {
	return self.prevState != self.State
}

// reset re-initializes the record in place for a new incarnation of
// the task. Task identities are recycled by the kernel, so a record
// whose process ended may come back to life with a fresh handle.
// Unless forced, resetting a record that has not ended is a model
// violation.
func (self *ProcessRecord) reset(handle ProcessHandle, now time.Time,
	force bool) error {

	if !force && self.State != StateEnd {
		return invariantf(
			"resetting record for task %v in state %v (not END)",
			self.Handle.TaskID, self.State)
	}

	self.Handle = handle
	if handle.Asid == KernelAsid {
		self.State = StateKern
	} else {
		self.State = StateInit
	}
	self.prevState = self.State
	self.ForkParent = NoTask
	self.ForkChild = NoTask
	self.StartTime = now
	self.EndTime = time.Time{}
	self.startNotified = false
	self.endNotified = false

	return nil
}

// Terminal reports whether the record reached the end of its life.
func (self *ProcessRecord) Terminal() bool {
	return self.State == StateEnd
}

func (self *ProcessRecord) Dict() *ordereddict.Dict {
	result := ordereddict.NewDict().
		Set("TaskId", uint64(self.Handle.TaskID)).
		Set("Pid", self.Handle.Pid).
		Set("Ppid", self.Handle.Ppid).
		Set("Asid", uint64(self.Handle.Asid)).
		Set("State", self.State.String())

	if !self.StartTime.IsZero() {
		result.Set("StartTime", self.StartTime.UTC().Format(time.RFC3339))
	}

	if !self.EndTime.IsZero() {
		result.Set("EndTime", self.EndTime.UTC().Format(time.RFC3339))
	}

	return result
}

func newRecordFromHandle(handle ProcessHandle, now time.Time) *ProcessRecord {
	state := StateInit
	if handle.Asid == KernelAsid {
		state = StateKern
	}

	return &ProcessRecord{
		Handle:    handle,
		State:     state,
		prevState: state,
		StartTime: now,
	}
}

package tracker

import (
	"context"
)

// currentRecord samples the introspection layer for the current
// context and returns its record, creating one on the cold path when
// the task was never seen before. The bool reports whether the record
// already existed. A nil record (with nil error) means the current
// context maps to no task at all.
func (self *Tracker) currentRecord(ctx context.Context) (
	ProcessHandle, *ProcessRecord, bool, error) {

	handle, exists := self.introspector.CurrentHandle(ctx)
	if !exists {
		return ProcessHandle{}, nil, false, nil
	}

	record, found := self.table.LookupTask(handle.TaskID)
	if found {
		return handle, record, true, nil
	}

	// Cold path: usually a kernel worker the guest spawned after
	// trace start.
	record, err := self.table.CreateFromHandle(handle, self.clock.Now())
	if err != nil {
		return handle, nil, false, err
	}

	if handle.Asid != KernelAsid {
		owner, pres := self.table.AsidOwner(handle.Asid)
		if !pres {
			err := self.table.AddAsid(handle.Asid, handle.TaskID)
			if err != nil {
				return handle, nil, false, err
			}
		} else if owner != handle.TaskID {
			// The address space already has an owner. This is the
			// shared window of a vfork in flight - the return handler
			// will steal the mapping for the child.
			self.logger.Debug(
				"task %v appeared in address space %#x owned by task %v",
				handle.TaskID, uint64(handle.Asid), owner)
		}
	}

	return handle, record, false, nil
}

// apply advances a record through the state machine and sorts the
// outcome into the two error classes: anomalies are logged and
// absorbed, undefined transitions abort the trace.
func (self *Tracker) apply(record *ProcessRecord, event Event) error {
	outcome := Advance(record.State, event)

	switch outcome.Kind {
	case OutcomeOK:
		if outcome.Next != record.State {
			transitionCounter.WithLabelValues(
				record.State.String(), outcome.Next.String()).Inc()
		}
		record.setState(outcome.Next)
		return nil

	case OutcomeAnomaly:
		self.recoverable("fsm_anomaly", "task %v pid %v: %v",
			record.Handle.TaskID, record.Handle.Pid, outcome.Reason)
		record.setState(outcome.Next)
		return nil

	default:
		return invariantf("task %v pid %v: %v",
			record.Handle.TaskID, record.Handle.Pid, outcome.Reason)
	}
}

// recoverable records an expected anomaly: legitimate kernel
// non-determinism we know how to absorb.
func (self *Tracker) recoverable(
	reason string, format string, v ...interface{}) {

	anomalyCounter.WithLabelValues(reason).Inc()
	self.logger.Warn(format, v...)
}

// notifyStart delivers the start notification exactly once.
func (self *Tracker) notifyStart(record *ProcessRecord) {
	if record.startNotified {
		// Soft error - we have seen schedules where two discovery
		// paths race for the same record.
		self.logger.Warn("start notification already ran for task %v pid %v",
			record.Handle.TaskID, record.Handle.Pid)
		return
	}

	record.startNotified = true
	for _, listener := range self.listeners {
		listener.OnProcessStart(record.Handle)
	}
}

// notifyEnd delivers the end notification exactly once. A process
// that never started is skipped: some processes never get scheduled
// after trace start and their first interaction with the world is
// receiving a fatal signal.
func (self *Tracker) notifyEnd(record *ProcessRecord) error {
	if !record.startNotified {
		self.recoverable("end_before_start",
			"task %v pid %v ended before its start notification ran",
			record.Handle.TaskID, record.Handle.Pid)
		return nil
	}

	if record.endNotified {
		return invariantf("duplicate end notification for task %v pid %v",
			record.Handle.TaskID, record.Handle.Pid)
	}

	record.endNotified = true
	record.EndTime = self.clock.Now()
	for _, listener := range self.listeners {
		listener.OnProcessEnd(record.Handle)
	}

	return nil
}

// syscallSteadyState handles syscall entries for INIT, RUN and KILL
// records - the common path.
func (self *Tracker) syscallSteadyState(
	record *ProcessRecord, class SyscallClass) error {

	if record.State == StateInit && !record.startNotified {
		// Deferred start, typically a kernel worker that transformed
		// into a regular user process. Note that any syscall
		// specific subscribers have already seen this syscall before
		// the start notification.
		self.logger.Warn("late start notification for task %v pid %v",
			record.Handle.TaskID, record.Handle.Pid)
		self.notifyStart(record)
	}

	if record.State == StateKill {
		self.logger.Debug("task %v pid %v survived a fatal signal",
			record.Handle.TaskID, record.Handle.Pid)
	}

	err := self.apply(record, eventForClass(class))
	if err != nil {
		return err
	}

	if class == ClassExit {
		// The asid is surrendered at the exit call, not when the
		// task is eventually reaped.
		err := self.table.RemoveAsid(record.Handle.Asid)
		if err != nil {
			return err
		}

		return self.notifyEnd(record)
	}

	return nil
}

// syscallInVforkParent resolves or ends an open vfork from the parent
// side. The parent was suspended while its child borrowed the address
// space; any syscall other than the wait family proves the fork is
// over.
func (self *Tracker) syscallInVforkParent(
	record *ProcessRecord, class SyscallClass) error {

	child, err := self.forkPartner(record, record.ForkChild)
	if err != nil {
		return err
	}

	switch class {
	case ClassWait:
		// Still waiting for the child. The fork stays open.
		return self.apply(record, EventWait)

	case ClassExit:
		// The parent exits directly out of the fork. Only legal once
		// the child runs on its own.
		err := self.requireSettledChild(child)
		if err != nil {
			return err
		}

		err = self.apply(record, EventExit)
		if err != nil {
			return err
		}

		// The shared asid entry currently names the child; the key
		// is the same either way.
		err = self.table.RemoveAsid(record.Handle.Asid)
		if err != nil {
			return err
		}

		record.ForkChild = NoTask
		child.ForkParent = NoTask

		return self.notifyEnd(record)

	default:
		// The fork resolved: give the address space back to the
		// parent and close the links.
		err := self.requireSettledChild(child)
		if err != nil {
			return err
		}

		err = self.apply(record, EventForkResolved)
		if err != nil {
			return err
		}

		err = self.table.RebindAsid(
			child.Handle.Asid, record.Handle.TaskID)
		if err != nil {
			return err
		}

		record.ForkChild = NoTask
		child.ForkParent = NoTask

		return nil
	}
}

// syscallInVforkChild polices the restricted window where the child
// still runs inside the parent's address space.
func (self *Tracker) syscallInVforkChild(
	record *ProcessRecord, class SyscallClass) error {

	parent, err := self.forkPartner(record, record.ForkParent)
	if err != nil {
		return err
	}

	switch class {
	case ClassExec:
		// The usual continuation. The parent is resolved once the
		// exec outcome is known, at the next context switch.
		return self.apply(record, EventExec)

	case ClassExit:
		// The child bails out without exec. The address space goes
		// straight back to the parent.
		err := self.apply(record, EventExit)
		if err != nil {
			return err
		}

		err = self.table.RebindAsid(
			record.Handle.Asid, parent.Handle.TaskID)
		if err != nil {
			return err
		}

		parent.saveState()
		err = self.apply(parent, EventForkResolved)
		if err != nil {
			return err
		}

		record.ForkParent = NoTask
		parent.ForkChild = NoTask

		return self.notifyEnd(record)

	default:
		// ClassWhitelist stays put; anything else is flagged by the
		// transition function as an anomaly, not an error.
		return self.apply(record, eventForClass(class))
	}
}

// syscallInExec handles syscalls from a record whose exec outcome is
// still unresolved. Only a retried exec or an exit are defined here -
// a successful exec is detected at the context switch, so any other
// syscall means we missed it.
func (self *Tracker) syscallInExec(
	record *ProcessRecord, class SyscallClass) error {

	switch class {
	case ClassExec:
		// The previous exec failed and is being retried.
		if record.ForkParent != NoTask {
			parent, err := self.forkPartner(record, record.ForkParent)
			if err != nil {
				return err
			}

			if parent.State != StateVfp {
				return invariantf(
					"task %v retries exec but vfork parent %v is in %v",
					record.Handle.TaskID, parent.Handle.TaskID,
					parent.State)
			}
		}

		return self.apply(record, EventExecRetry)

	case ClassExit:
		err := self.apply(record, EventExit)
		if err != nil {
			return err
		}

		owner, pres := self.table.AsidOwner(record.Handle.Asid)
		if pres && owner == record.Handle.TaskID {
			err := self.table.RemoveAsid(record.Handle.Asid)
			if err != nil {
				return err
			}
		} else if pres {
			// A resolved vfork returned the shared address space to
			// the parent already.
			self.logger.Debug(
				"asid %#x stays with task %v as task %v exits",
				uint64(record.Handle.Asid), owner, record.Handle.TaskID)
		}

		return self.notifyEnd(record)

	default:
		return self.apply(record, eventForClass(class))
	}
}

// handleVforkReturn runs when a vfork return is delivered in the
// context of the *created child* - the kernel's way of telling us the
// child exists. The child shares the parent's address space, so the
// asid index entry is stolen for the child until the fork resolves.
func (self *Tracker) handleVforkReturn(ctx context.Context,
	handle ProcessHandle, child *ProcessRecord, existed bool) error {

	if existed {
		// An old record occupies this task slot; it must be a
		// terminated previous incarnation.
		err := child.reset(handle, self.clock.Now(), false)
		if err != nil {
			return err
		}
		child.saveState()
	}

	// The shared address space identifies the parent.
	parentTask, pres := self.table.AsidOwner(handle.Asid)
	if !pres {
		return invariantf(
			"vfork child task %v appeared in unmapped address space %#x",
			handle.TaskID, uint64(handle.Asid))
	}

	if parentTask == handle.TaskID {
		return invariantf(
			"vfork child task %v already owns address space %#x",
			handle.TaskID, uint64(handle.Asid))
	}

	parent, found := self.table.LookupTask(parentTask)
	if !found {
		return invariantf("asid %#x maps to unknown task %v",
			uint64(handle.Asid), parentTask)
	}

	if parent.Handle.Asid != handle.Asid {
		return invariantf(
			"vfork parent %v does not share address space %#x",
			parentTask, uint64(handle.Asid))
	}

	// Steal the index entry: the child is the one running in this
	// address space now.
	err := self.table.RebindAsid(handle.Asid, handle.TaskID)
	if err != nil {
		return err
	}

	err = self.apply(child, EventVforkChild)
	if err != nil {
		return err
	}

	parent.saveState()
	err = self.apply(parent, EventVforkParent)
	if err != nil {
		return err
	}

	child.ForkParent = parentTask
	child.ForkChild = NoTask
	parent.ForkChild = handle.TaskID
	parent.ForkParent = NoTask

	self.logger.Debug(
		"vfork: child task %v pid %v borrows asid %#x from task %v",
		handle.TaskID, handle.Pid, uint64(handle.Asid), parentTask)

	self.notifyStart(child)

	return nil
}

// forkPartner resolves a fork link that the model requires to be
// open.
func (self *Tracker) forkPartner(
	record *ProcessRecord, partner TaskID) (*ProcessRecord, error) {

	if partner == NoTask {
		return nil, invariantf(
			"task %v in state %v has no open fork link",
			record.Handle.TaskID, record.State)
	}

	result, pres := self.table.LookupTask(partner)
	if !pres {
		return nil, invariantf(
			"fork link of task %v resolves to unknown task %v",
			record.Handle.TaskID, partner)
	}

	return result, nil
}

// requireSettledChild checks that a vfork child has given the address
// space back (it execed or at least entered exec).
func (self *Tracker) requireSettledChild(child *ProcessRecord) error {
	if child.State != StateRun && child.State != StateExe {
		return invariantf(
			"vfork resolved while child task %v is still in %v",
			child.Handle.TaskID, child.State)
	}

	return nil
}

func eventForClass(class SyscallClass) Event {
	switch class {
	case ClassClone:
		return EventClone
	case ClassExec:
		return EventExec
	case ClassExit:
		return EventExit
	case ClassWait:
		return EventWait
	case ClassWhitelist:
		return EventWhitelisted
	default:
		// ClassVfork only matters at its return, delivered in the
		// child context; at entry it is just another syscall.
		return EventSyscall
	}
}

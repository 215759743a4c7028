package tracker

import (
	"context"
)

// The context switch handlers below identify the incoming task and
// resolve whatever the outgoing task left in flight. The incoming
// side is only known by its asid; when the index has no entry for it
// the tracker synthesizes a record by resampling the introspection
// layer. That recovery path is how we pick up processes whose
// creation predates the trace, kernel workers promoted into user
// processes, and clone children the scheduler ran early - none of
// which are errors.

// switchFromKernel handles switches out of a context with no tracked
// process.
func (self *Tracker) switchFromKernel(
	ctx context.Context, next Asid) (*ProcessRecord, error) {

	return self.resolveNext(ctx, next, false)
}

// switchDuringClone handles switches while the outgoing task is
// inside a clone call. The interesting case is the brand new child
// being scheduled before clone returns to the parent.
func (self *Tracker) switchDuringClone(ctx context.Context,
	record *ProcessRecord, current, next Asid) (*ProcessRecord, error) {

	if next == current {
		// Part of the cloning dance; the child is not ready yet.
		return record, nil
	}

	child, err := self.materializeChild(ctx, record)
	if err != nil {
		return nil, err
	}

	if child != nil {
		err := self.apply(record, EventChildSeen)
		if err != nil {
			return nil, err
		}

		if child.Handle.Asid == next {
			return child, nil
		}
	}

	// Someone other than the child is scheduled next.
	return self.resolveNext(ctx, next, false)
}

// switchResolvesExec decides the fate of a pending exec. The rule: if
// control lands on a previously unmapped address space, the exec
// succeeded and this is the new image; if the next asid is mapped,
// the exec has not concluded and an unrelated process runs next.
func (self *Tracker) switchResolvesExec(ctx context.Context,
	record *ProcessRecord, current, next Asid) (*ProcessRecord, error) {

	if record.Handle.Asid != current {
		return nil, invariantf(
			"exec pending for task %v in asid %#x but %#x is switching out",
			record.Handle.TaskID, uint64(record.Handle.Asid),
			uint64(current))
	}

	_, mapped := self.table.AsidOwner(next)
	if !mapped {
		// Unmapped incoming asid: the exec succeeded and the new
		// image runs next.
		if record.ForkParent != NoTask {
			// A child created by vfork+exec. Resolve the suspended
			// parent: the shared address space goes back to it.
			parent, err := self.forkPartner(record, record.ForkParent)
			if err != nil {
				return nil, err
			}

			if record.Handle.Ppid != parent.Handle.Pid {
				return nil, invariantf(
					"vfork child %v has ppid %v but parent task %v has pid %v",
					record.Handle.TaskID, record.Handle.Ppid,
					parent.Handle.TaskID, parent.Handle.Pid)
			}

			if parent.State == StateVfp {
				parent.saveState()
				err := self.apply(parent, EventForkResolved)
				if err != nil {
					return nil, err
				}

				err = self.table.RebindAsid(
					record.Handle.Asid, parent.Handle.TaskID)
				if err != nil {
					return nil, err
				}

				parent.ForkChild = NoTask
				self.logger.Debug("task %v pid %v: %v (vfork resolved)",
					parent.Handle.TaskID, parent.Handle.Pid,
					parent.Transition())
			}

			record.ForkParent = NoTask
		} else {
			// A plain exec. Release the old address space first.
			owner, pres := self.table.AsidOwner(record.Handle.Asid)
			if pres && owner == record.Handle.TaskID {
				err := self.table.RemoveAsid(record.Handle.Asid)
				if err != nil {
					return nil, err
				}
			} else if pres {
				self.logger.Debug(
					"asid %#x stays with task %v across exec of task %v",
					uint64(record.Handle.Asid), owner,
					record.Handle.TaskID)
			}
		}

		return self.replaceImage(ctx, record, next)
	}

	// The incoming asid is mapped: the outgoing task has not finished
	// its exec and an unrelated process is scheduled.
	nextRecord, pres, err := self.recordForAsid(next)
	if err != nil {
		return nil, err
	}
	if !pres {
		return nil, invariantf("asid %#x vanished from the index",
			uint64(next))
	}

	if nextRecord.State == StateEnd {
		return nil, invariantf(
			"terminated task %v scheduled during exec of task %v",
			nextRecord.Handle.TaskID, record.Handle.TaskID)
	}

	if nextRecord.Handle.Pid == record.Handle.Pid {
		return nil, invariantf(
			"pid %v scheduled against itself during exec",
			record.Handle.Pid)
	}

	return nextRecord, nil
}

// replaceImage finalizes a successful exec: the old image ends, the
// record is rewritten in place (same task identity) for the new
// image, and the index learns the new address space.
func (self *Tracker) replaceImage(ctx context.Context,
	record *ProcessRecord, next Asid) (*ProcessRecord, error) {

	pidOld := record.Handle.Pid
	ppidOld := record.Handle.Ppid

	err := self.apply(record, EventExecDone)
	if err != nil {
		return nil, err
	}

	err = self.notifyEnd(record)
	if err != nil {
		return nil, err
	}

	// Resample the introspection layer for the new image's
	// bookkeeping; fall back to rewriting in place.
	newHandle := record.Handle
	newHandle.Asid = next
	sampled, pres := self.introspector.HandleForAsid(ctx, next)
	if pres && sampled.TaskID == record.Handle.TaskID {
		newHandle = sampled
	}

	err = record.reset(newHandle, self.clock.Now(), true)
	if err != nil {
		return nil, err
	}

	err = self.table.AddAsid(next, record.Handle.TaskID)
	if err != nil {
		return nil, err
	}

	if record.Handle.Pid != pidOld || record.Handle.Ppid != ppidOld {
		return nil, invariantf(
			"task %v changed pid %v->%v across exec",
			record.Handle.TaskID, pidOld, record.Handle.Pid)
	}

	self.logger.Debug("task %v pid %v: image replaced, new asid %#x",
		record.Handle.TaskID, record.Handle.Pid, uint64(next))

	self.notifyStart(record)

	return record, nil
}

// switchFromEnded handles switches out of a terminated context.
func (self *Tracker) switchFromEnded(ctx context.Context,
	handle ProcessHandle, record *ProcessRecord, next Asid) (
	*ProcessRecord, error) {

	if handle.Asid == KernelAsid {
		// The exiting task already dropped its address space (or was
		// a kernel task all along). The kernel often takes a turn
		// after an exiting process, so a miss here is fine.
		nextRecord, pres, err := self.recordForAsid(next)
		if err != nil {
			return nil, err
		}
		if !pres {
			self.logger.Debug(
				"exiting task %v hands over to unmapped context %#x",
				handle.TaskID, uint64(next))
			return nil, nil
		}
		return nextRecord, nil
	}

	if handle.Asid == next {
		// Only seen when the kernel promotes a generic worker into a
		// user visible process. Revive the record; the start
		// notification is deferred until the new role is clear.
		err := record.reset(handle, self.clock.Now(), false)
		if err != nil {
			return nil, err
		}

		err = self.table.AddAsid(handle.Asid, handle.TaskID)
		if err != nil {
			return nil, err
		}

		self.logger.Debug("kernel worker task %v promoted, asid %#x",
			handle.TaskID, uint64(handle.Asid))
		return record, nil
	}

	return nil, invariantf(
		"terminated task %v still carries asid %#x", handle.TaskID,
		uint64(handle.Asid))
}

// switchFromRunning is the default path (RUN, KILL, INIT, VFP, VFC
// outgoing states). A KILL record being scheduled out took its last
// breath: the signal is confirmed.
func (self *Tracker) switchFromRunning(ctx context.Context,
	record *ProcessRecord, next Asid) (*ProcessRecord, error) {

	confirmed := false
	if record.State == StateKill {
		err := self.apply(record, EventKillConfirmed)
		if err != nil {
			return nil, err
		}

		err = self.table.RemoveAsid(record.Handle.Asid)
		if err != nil {
			return nil, err
		}

		err = self.notifyEnd(record)
		if err != nil {
			return nil, err
		}
		confirmed = true
	}

	nextRecord, err := self.resolveNext(ctx, next, confirmed)
	if err != nil {
		return nil, err
	}

	return nextRecord, nil
}

// resolveNext identifies the record for the incoming asid: index hit,
// or the synthesis recovery path on a miss. afterKill suppresses the
// unknown-asid warning because kernel code with no process often runs
// right after a kill.
func (self *Tracker) resolveNext(ctx context.Context, next Asid,
	afterKill bool) (*ProcessRecord, error) {

	if next == KernelAsid {
		return nil, nil
	}

	nextRecord, pres, err := self.recordForAsid(next)
	if err != nil {
		return nil, err
	}

	if pres {
		if nextRecord.State == StateKill {
			return self.checkKilledNext(ctx, nextRecord, next)
		}
		return nextRecord, nil
	}

	if afterKill {
		self.logger.Debug("unmapped context %#x scheduled after kill",
			uint64(next))
	}

	return self.handleUnknownAsid(ctx, next)
}

// checkKilledNext notices a killed process's address space being
// reused by a different task - the confirmation that the signal was
// fatal.
func (self *Tracker) checkKilledNext(ctx context.Context,
	record *ProcessRecord, next Asid) (*ProcessRecord, error) {

	sampled, pres := self.introspector.HandleForAsid(ctx, next)
	if !pres || sampled.TaskID == record.Handle.TaskID {
		// Still the same task; the kill is not confirmed yet.
		return record, nil
	}

	record.saveState()
	err := self.apply(record, EventKillConfirmed)
	if err != nil {
		return nil, err
	}

	err = self.table.RemoveAsid(next)
	if err != nil {
		return nil, err
	}

	err = self.notifyEnd(record)
	if err != nil {
		return nil, err
	}

	self.logger.Debug("task %v pid %v: %v (asid %#x reused by task %v)",
		record.Handle.TaskID, record.Handle.Pid, record.Transition(),
		uint64(next), sampled.TaskID)

	return self.handleUnknownAsid(ctx, next)
}

// recordForAsid resolves the index entry for an asid into its record.
// A missing entry is normal; an entry naming an unknown task is not.
func (self *Tracker) recordForAsid(asid Asid) (
	*ProcessRecord, bool, error) {

	task, pres := self.table.AsidOwner(asid)
	if !pres {
		return nil, false, nil
	}

	record, found := self.table.LookupTask(task)
	if !found {
		return nil, false, invariantf(
			"asid %#x maps to unknown task %v", uint64(asid), task)
	}

	return record, true, nil
}

// handleUnknownAsid is the primary recovery path for creation events
// we never saw: resample the introspection layer and synthesize a
// record for whatever owns the address space now.
func (self *Tracker) handleUnknownAsid(
	ctx context.Context, next Asid) (*ProcessRecord, error) {

	record, err := self.synthesizeByAsid(ctx, next)
	if err != nil {
		return nil, err
	}

	if record == nil {
		// A kernel context with no process behind it.
		self.logger.Debug("no process found for asid %#x", uint64(next))
		return nil, nil
	}

	if record.State == StateEnd {
		// Kernel preemptibility: an exiting process can be
		// interrupted before its asid is cleared.
		self.logger.Debug(
			"interrupted exit of task %v, asid %#x still live",
			record.Handle.TaskID, uint64(next))
		return record, nil
	}

	if record.startNotified {
		// An already known record (e.g. revived above) needs nothing
		// more.
		return record, nil
	}

	// A brand new record. If its parent is stuck in a clone call,
	// this is the child running before clone returned - a legitimate
	// kernel ordering.
	parent, pres := self.table.LookupPid(record.Handle.Ppid)
	if pres && parent.State == StateCln {
		self.logger.Debug(
			"clone child task %v scheduled before clone returned to pid %v",
			record.Handle.TaskID, parent.Handle.Pid)
		parent.saveState()
		err := self.apply(parent, EventChildSeen)
		if err != nil {
			return nil, err
		}
		parent.ForkChild = NoTask
	} else {
		// Otherwise we simply missed the creation (trace start, or a
		// kernel worker promotion).
		self.recoverable("missed_creation",
			"task %v pid %v appeared in asid %#x with no tracked creation",
			record.Handle.TaskID, record.Handle.Pid, uint64(next))
	}

	self.notifyStart(record)

	return record, nil
}

// synthesizeByAsid builds or revives the record for the task that
// owns the given address space right now, per the introspection
// layer.
func (self *Tracker) synthesizeByAsid(
	ctx context.Context, asid Asid) (*ProcessRecord, error) {

	handle, pres := self.introspector.HandleForAsid(ctx, asid)
	if !pres || handle.Asid == KernelAsid {
		return nil, nil
	}

	record, found := self.table.LookupTask(handle.TaskID)
	if !found {
		record, err := self.table.CreateFromHandle(
			handle, self.clock.Now())
		if err != nil {
			return nil, err
		}

		err = self.table.AddAsid(handle.Asid, handle.TaskID)
		if err != nil {
			return nil, err
		}

		synthesizedCounter.Inc()
		return record, nil
	}

	if record.State == StateEnd && record.Handle.Asid == handle.Asid {
		// Interrupted exit; the record is still winding down.
		return record, nil
	}

	switch record.State {
	case StateEnd:
		err := record.reset(handle, self.clock.Now(), false)
		if err != nil {
			return nil, err
		}

	case StateKern:
		err := record.reset(handle, self.clock.Now(), true)
		if err != nil {
			return nil, err
		}

	default:
		return nil, invariantf(
			"live task %v (state %v) owns asid %#x missing from the index",
			handle.TaskID, record.State, uint64(asid))
	}

	err := self.table.AddAsid(handle.Asid, handle.TaskID)
	if err != nil {
		return nil, err
	}

	synthesizedCounter.Inc()
	return record, nil
}

// materializeChild looks for a newly created, not yet tracked child
// of the given parent. Called both when a clone returns and at every
// later context switch while the parent stays in CLN - whichever
// observes the child first wins.
func (self *Tracker) materializeChild(ctx context.Context,
	parent *ProcessRecord) (*ProcessRecord, error) {

	for _, handle := range self.introspector.HandlesForParent(
		ctx, parent.Handle.Pid) {

		if handle.Asid == KernelAsid {
			continue
		}

		existing, pres := self.table.LookupTask(handle.TaskID)
		if !pres {
			record, err := self.table.CreateFromHandle(
				handle, self.clock.Now())
			if err != nil {
				return nil, err
			}

			err = self.table.AddAsid(handle.Asid, handle.TaskID)
			if err != nil {
				return nil, err
			}

			self.notifyStart(record)
			return record, nil
		}

		switch existing.State {
		case StateInit, StateRun:
			// An earlier child of the same parent. Keep looking.
			continue

		case StateEnd, StateKern:
			// A recycled task slot: this identity's previous life is
			// over. Revive it for the new child.
			err := existing.reset(handle, self.clock.Now(),
				existing.State == StateKern)
			if err != nil {
				return nil, err
			}

			err = self.table.AddAsid(handle.Asid, handle.TaskID)
			if err != nil {
				return nil, err
			}

			self.notifyStart(existing)
			return existing, nil

		default:
			return nil, invariantf(
				"clone child candidate task %v is in state %v",
				handle.TaskID, existing.State)
		}
	}

	// Not materialized yet; the parent stays in CLN.
	return nil, nil
}

package tracker

import (
	"context"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/lptrack/config"
	"www.velocidex.com/golang/lptrack/logging"
	"www.velocidex.com/golang/lptrack/utils"
)

// Tracker is the event dispatcher. The execution engine calls its
// five entry points synchronously, one event at a time, in the order
// the monitored system produced them. Each handler completes all of
// its table mutations before returning, so the next event always
// observes a fully consistent table.
//
// There is no ambient global state - one Tracker is constructed per
// trace and threaded through every event.
type Tracker struct {
	config_obj   *config.Config
	logger       *logging.LogContext
	introspector Introspector
	profile      *SyscallProfile
	table        *ProcessTable
	checker      *Checker
	clock        utils.Clock

	listeners    []Listener
	fatalSignals []int64

	finalized bool
}

func NewTracker(config_obj *config.Config,
	introspector Introspector) (*Tracker, error) {

	profile, err := ProfileFromConfig(config_obj)
	if err != nil {
		return nil, err
	}

	return &Tracker{
		config_obj:   config_obj,
		logger:       logging.GetLogger(config_obj, logging.TrackerComponent),
		introspector: introspector,
		profile:      profile,
		table:        NewProcessTable(),
		checker:      NewChecker(config_obj),
		clock:        utils.RealClock{},
		fatalSignals: config_obj.FatalSignals,
	}, nil
}

// Subscribe registers a lifecycle listener. Notifications are
// delivered in registration order.
func (self *Tracker) Subscribe(listener Listener) {
	self.listeners = append(self.listeners, listener)
}

// SetClock replaces the clock. Tests use this for a deterministic
// timeline.
func (self *Tracker) SetClock(clock utils.Clock) {
	self.clock = clock
}

// Table exposes the process table for read-only inspection.
func (self *Tracker) Table() *ProcessTable {
	return self.table
}

// OnInitialize bulk populates the table from the live process list at
// trace start. One record per process, all in INIT (or KERN for
// kernel contexts); no start notifications fire here.
func (self *Tracker) OnInitialize(
	ctx context.Context, handles []ProcessHandle) error {

	count, err := self.table.Initialize(handles, self.clock.Now())
	if err != nil {
		return err
	}

	self.logger.Info("initialized with %v live processes", count)
	return nil
}

// OnFinalize force-finalizes every record that has not reached a
// terminal state, firing its end notification for accounting, then
// releases the table. Returns the per state record counts at the end
// of the trace.
func (self *Tracker) OnFinalize(ctx context.Context) (
	*ordereddict.Dict, error) {

	if self.finalized {
		return nil, invariantf("tracker finalized twice")
	}

	counts := self.table.StateCounts()

	active := 0
	for _, task := range self.table.Tasks() {
		record, _ := self.table.LookupTask(task)

		switch record.State {
		case StateInit, StateEnd, StateKern:
			// Never ran, already ended, or not a process.

		default:
			active++
			record.saveState()
			record.setState(StateEnd)
			err := self.notifyEnd(record)
			if err != nil {
				return nil, err
			}
		}
	}

	self.logger.Info("trace end state counts:")
	for _, state := range counts.Keys() {
		count, _ := counts.Get(state)
		self.logger.Info("  %4s: %v", state, count)
	}
	if active > 0 {
		self.logger.Info("force finalized %v still running processes", active)
	}

	self.table.Clear()
	self.finalized = true

	return counts, nil
}

// OnSyscallEnter consumes a classified system call entry in the
// current context.
func (self *Tracker) OnSyscallEnter(ctx context.Context, sysno uint64) error {
	if self.finalized {
		return invariantf("event after finalize")
	}

	handle, record, _, err := self.currentRecord(ctx)
	if err != nil {
		return err
	}

	if record == nil {
		self.recoverable("syscall_no_context",
			"syscall %v entered with no current context", sysno)
		return nil
	}

	self.checker.Observe(handle, record)

	class := self.profile.Classify(sysno)
	record.saveState()

	switch record.State {
	case StateInit, StateRun, StateKill:
		err = self.syscallSteadyState(record, class)

	case StateVfp:
		err = self.syscallInVforkParent(record, class)

	case StateVfc:
		err = self.syscallInVforkChild(record, class)

	case StateExe:
		err = self.syscallInExec(record, class)

	default:
		// CLN records are suspended inside clone and KERN contexts
		// never make syscalls; seeing one means the model is wrong.
		err = invariantf("syscall %v (%v) in state %v for task %v",
			sysno, class, record.State, record.Handle.TaskID)
	}

	if err != nil {
		self.logger.Error("syscall enter: %v", err)
		return err
	}

	if record.stateChanged() {
		self.logger.Debug("task %v pid %v: %v (%v)",
			record.Handle.TaskID, record.Handle.Pid,
			record.Transition(), class)
	}

	return nil
}

// OnSyscallReturn consumes a system call return in the current
// context. Two situations matter: the return of a clone in the
// parent (the child may be ready), and the return of a vfork which
// the kernel delivers in the context of the newly created child.
func (self *Tracker) OnSyscallReturn(
	ctx context.Context, sysno uint64, ret int64) error {

	if self.finalized {
		return invariantf("event after finalize")
	}

	handle, record, existed, err := self.currentRecord(ctx)
	if err != nil {
		return err
	}

	if record == nil {
		self.recoverable("sysret_no_context",
			"syscall %v returned with no current context", sysno)
		return nil
	}

	class := self.profile.Classify(sysno)
	record.saveState()

	switch record.State {
	case StateCln:
		// The clone returned to the parent. The child is usually
		// ready now, but the kernel sometimes schedules it even
		// before this point, and sometimes well after.
		child, err := self.materializeChild(ctx, record)
		if err != nil {
			return err
		}

		if child != nil {
			err := self.apply(record, EventChildSeen)
			if err != nil {
				return err
			}
		}

	case StateInit, StateEnd:
		// The only syscall that legally returns in these states is
		// vfork, delivered in the context of the created child.
		if class != ClassVfork {
			err := invariantf(
				"return of syscall %v (%v) in state %v for task %v",
				sysno, class, record.State, record.Handle.TaskID)
			self.logger.Error("syscall return: %v", err)
			return err
		}

		return self.handleVforkReturn(ctx, handle, record, existed)
	}

	return nil
}

// OnKillReturn consumes the return of a kill style syscall. When the
// call succeeded and the signal unconditionally terminates its
// target, the target becomes tentatively dead: a later context switch
// confirms the kill, a later syscall from the target refutes it.
func (self *Tracker) OnKillReturn(ctx context.Context,
	targetPid int64, signal int64, ret int64) error {

	if self.finalized {
		return invariantf("event after finalize")
	}

	if ret != 0 || !utils.InInt64(self.fatalSignals, signal) {
		return nil
	}

	// Negative and zero pids address process groups. Not modeled.
	if targetPid <= 0 {
		return invariantf("fatal signal %v sent to pid %v: group "+
			"targets are not supported", signal, targetPid)
	}

	_, record, existed, err := self.currentRecord(ctx)
	if err != nil {
		return err
	}

	if record == nil || !existed {
		return invariantf("kill return observed from an untracked context")
	}

	target, pres := self.table.LookupPid(targetPid)
	if !pres {
		return invariantf(
			"fatal signal %v sent to unknown pid %v", signal, targetPid)
	}

	target.saveState()
	switch target.State {
	case StateInit, StateRun:
		err := self.apply(target, EventKillDelivered)
		if err != nil {
			return err
		}
		self.logger.Debug("task %v pid %v: %v (signal %v)",
			target.Handle.TaskID, target.Handle.Pid,
			target.Transition(), signal)

	default:
		self.recoverable("kill_odd_state",
			"fatal signal %v for task %v in state %v",
			signal, target.Handle.TaskID, target.State)
	}

	return nil
}

// OnContextSwitch consumes a context switch notification, fired
// before the switch commits: the current handle still describes the
// outgoing context, and the incoming one can only be identified by
// its asid.
func (self *Tracker) OnContextSwitch(
	ctx context.Context, current, next Asid) error {

	if self.finalized {
		return invariantf("event after finalize")
	}

	handle, record, existed, err := self.currentRecord(ctx)
	if err != nil {
		return err
	}

	if record == nil {
		// No outgoing task. Resolve the incoming side only.
		nextRecord, err := self.resolveNext(ctx, next, false)
		if err != nil {
			return err
		}
		self.checker.Predict(nextRecord)
		return nil
	}

	// The stored and live views of the outgoing context must agree,
	// modulo the states where divergence is expected.
	if record.Handle.Asid != current &&
		record.Handle.Asid != KernelAsid &&
		record.State != StateEnd &&
		!(record.State == StateInit && !existed) {
		return invariantf(
			"outgoing task %v has asid %#x but the engine reports %#x",
			record.Handle.TaskID, uint64(record.Handle.Asid),
			uint64(current))
	}

	record.saveState()

	var nextRecord *ProcessRecord

	switch record.State {
	case StateKern:
		nextRecord, err = self.switchFromKernel(ctx, next)

	case StateCln:
		nextRecord, err = self.switchDuringClone(ctx, record, current, next)

	case StateExe:
		nextRecord, err = self.switchResolvesExec(ctx, record, current, next)

	case StateEnd:
		nextRecord, err = self.switchFromEnded(ctx, handle, record, next)

	default:
		// RUN, KILL, INIT, VFP, VFC.
		nextRecord, err = self.switchFromRunning(ctx, record, next)
	}

	if err != nil {
		self.logger.Error("context switch %#x -> %#x: %v",
			uint64(current), uint64(next), err)
		return err
	}

	if record.stateChanged() {
		self.logger.Debug("task %v pid %v: %v (context switch)",
			record.Handle.TaskID, record.Handle.Pid, record.Transition())
	}

	self.checker.Predict(nextRecord)
	return nil
}

// Dump renders the full table for diagnostics, in task order.
func (self *Tracker) Dump() []*ordereddict.Dict {
	result := make([]*ordereddict.Dict, 0, self.table.Len())
	for _, task := range self.table.Tasks() {
		record, _ := self.table.LookupTask(task)
		result = append(result, record.Dict())
	}

	return result
}

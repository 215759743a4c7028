/*
  Package tracker reconstructs process lifecycle events (creation,
  clone, vfork, execve and termination) from the low level event
  stream of a monitored guest: address space context switches and
  system call entry/return notifications.

  The guest kernel exposes no explicit "process created" or "process
  destroyed" signal. Both have to be inferred, and the kernel
  scheduler is free to order things inconveniently - a cloned child
  may run before clone() returns to its parent, a vfork child shares
  its parent's address space until it execs, and an exiting process
  may be preempted half way through its teardown. The tracker deals
  with these orderings through a per process state machine and a
  process table with an address space index that must stay consistent
  at every event boundary.
*/
package tracker

import (
	"context"

	"github.com/pkg/errors"
)

// TaskID is the stable identity of a kernel task. It remains valid
// for the whole life of the task, including across execve. The zero
// value means "no task".
type TaskID uint64

// Asid identifies the active address space context. At any instant at
// most one task owns a given asid, except during the vfork hand-off
// window which the tracker models explicitly.
type Asid uint64

const (
	NoTask TaskID = 0

	// KernelAsid marks a context that maps to no tracked process,
	// e.g. the idle loop or a kernel helper thread.
	KernelAsid Asid = 0
)

// ErrInvariantViolation marks unrecoverable model errors: an event
// arrived in a (state, event) combination with no defined transition,
// or a lookup the model firmly expects to succeed failed. These mean
// either a gap in our event ordering model or a bug, and trace
// analysis must stop rather than continue with a corrupted model.
var ErrInvariantViolation = errors.New("lifecycle invariant violation")

// ProcessHandle is a point in time snapshot of a task's identifying
// fields, as sampled by the introspection layer.
type ProcessHandle struct {
	TaskID TaskID `json:"task_id"`
	Pid    int64  `json:"pid"`
	Ppid   int64  `json:"ppid"`
	Asid   Asid   `json:"asid"`
}

// Introspector is the boundary to the guest memory introspection
// layer. The tracker resamples it whenever it discovers evidence of a
// process it has not seen before.
type Introspector interface {
	// The handle of the task owning the current execution context.
	// The bool is false when the context maps to no task.
	CurrentHandle(ctx context.Context) (ProcessHandle, bool)

	// Resolve a handle by address space. Used to synthesize records
	// for processes whose creation we missed.
	HandleForAsid(ctx context.Context, asid Asid) (ProcessHandle, bool)

	// All live tasks whose parent has the given pid, in a stable
	// order. Used to materialize clone children before any direct
	// evidence of them exists.
	HandlesForParent(ctx context.Context, ppid int64) []ProcessHandle
}

// Listener receives lifecycle notifications. Callbacks are delivered
// synchronously from within the triggering event handler, in
// subscriber registration order. Listeners may read the handle but
// must not call back into the tracker.
type Listener interface {
	OnProcessStart(handle ProcessHandle)
	OnProcessEnd(handle ProcessHandle)
}

// ListenerFuncs adapts two plain functions to the Listener interface.
// Either may be nil.
type ListenerFuncs struct {
	StartFunc func(handle ProcessHandle)
	EndFunc   func(handle ProcessHandle)
}

func (self *ListenerFuncs) OnProcessStart(handle ProcessHandle) {
	if self.StartFunc != nil {
		self.StartFunc(handle)
	}
}

func (self *ListenerFuncs) OnProcessEnd(handle ProcessHandle) {
	if self.EndFunc != nil {
		self.EndFunc(handle)
	}
}

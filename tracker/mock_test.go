package tracker

import (
	"context"
	"fmt"
)

// mockIntrospector serves introspection queries from a fixed set of
// handles. Tests mutate the world between events to simulate the
// guest kernel's own bookkeeping.
type mockIntrospector struct {
	// The currently scheduled handle, if any.
	current *ProcessHandle

	// All live handles by task id.
	world map[TaskID]ProcessHandle
}

func newMockIntrospector() *mockIntrospector {
	return &mockIntrospector{
		world: make(map[TaskID]ProcessHandle),
	}
}

func (self *mockIntrospector) add(handle ProcessHandle) {
	self.world[handle.TaskID] = handle
}

func (self *mockIntrospector) remove(task TaskID) {
	delete(self.world, task)
}

func (self *mockIntrospector) schedule(task TaskID) {
	handle, pres := self.world[task]
	if !pres {
		self.current = nil
		return
	}
	self.current = &handle
}

func (self *mockIntrospector) CurrentHandle(ctx context.Context) (
	ProcessHandle, bool) {
	if self.current == nil {
		return ProcessHandle{}, false
	}
	return *self.current, true
}

func (self *mockIntrospector) HandleForAsid(
	ctx context.Context, asid Asid) (ProcessHandle, bool) {

	// Stable order so ties resolve the same way every run.
	var best ProcessHandle
	found := false
	for _, handle := range self.world {
		if handle.Asid != asid {
			continue
		}
		if !found || handle.TaskID < best.TaskID {
			best = handle
			found = true
		}
	}
	return best, found
}

func (self *mockIntrospector) HandlesForParent(
	ctx context.Context, ppid int64) []ProcessHandle {

	result := []ProcessHandle{}
	for _, handle := range self.world {
		if handle.Ppid == ppid {
			result = append(result, handle)
		}
	}

	// Stable order.
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].TaskID < result[i].TaskID {
				result[i], result[j] = result[j], result[i]
			}
		}
	}

	return result
}

// recordingListener captures the notification stream as printable
// lines for assertions and golden snapshots.
type recordingListener struct {
	events []string
}

func (self *recordingListener) OnProcessStart(handle ProcessHandle) {
	self.events = append(self.events, fmt.Sprintf(
		"start task=%v pid=%v ppid=%v asid=%#x",
		handle.TaskID, handle.Pid, handle.Ppid, uint64(handle.Asid)))
}

func (self *recordingListener) OnProcessEnd(handle ProcessHandle) {
	self.events = append(self.events, fmt.Sprintf(
		"end task=%v pid=%v ppid=%v asid=%#x",
		handle.TaskID, handle.Pid, handle.Ppid, uint64(handle.Asid)))
}

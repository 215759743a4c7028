package tracker

import (
	"sort"
	"time"

	"github.com/Velocidex/ordereddict"
)

// ProcessTable owns all process records. The primary index is the
// stable task identity; a secondary index maps the active address
// space to the owning task. Outside the vfork hand-off, every asid
// index entry must resolve to a live record whose handle carries that
// asid.
//
// The table is exclusively owned by the dispatcher and is only
// mutated between events, so it needs no locking.
type ProcessTable struct {
	procs map[TaskID]*ProcessRecord
	asids map[Asid]TaskID

	initialized bool
}

func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		procs: make(map[TaskID]*ProcessRecord),
		asids: make(map[Asid]TaskID),
	}
}

// LookupTask finds a record by task identity. Absence is a normal
// outcome the caller must handle.
func (self *ProcessTable) LookupTask(task TaskID) (*ProcessRecord, bool) {
	record, pres := self.procs[task]
	return record, pres
}

// LookupPid scans for a record with the given pid. Task order makes
// the scan deterministic when pids were recycled.
func (self *ProcessTable) LookupPid(pid int64) (*ProcessRecord, bool) {
	for _, task := range self.Tasks() {
		record := self.procs[task]
		if record.Handle.Pid == pid {
			return record, true
		}
	}

	return nil, false
}

// AsidOwner returns the raw index entry for an asid.
func (self *ProcessTable) AsidOwner(asid Asid) (TaskID, bool) {
	task, pres := self.asids[asid]
	return task, pres
}

// LookupAsid resolves an address space to its owning record via the
// secondary index.
func (self *ProcessTable) LookupAsid(asid Asid) (*ProcessRecord, bool) {
	task, pres := self.asids[asid]
	if !pres {
		return nil, false
	}

	return self.LookupTask(task)
}

// CreateFromHandle adds a fresh record. The task must not be tracked
// yet.
func (self *ProcessTable) CreateFromHandle(
	handle ProcessHandle, now time.Time) (*ProcessRecord, error) {

	_, pres := self.procs[handle.TaskID]
	if pres {
		return nil, invariantf("task %v is already tracked", handle.TaskID)
	}

	record := newRecordFromHandle(handle, now)
	self.procs[handle.TaskID] = record

	return record, nil
}

// AddAsid installs a new asid index entry. The entry must not exist.
func (self *ProcessTable) AddAsid(asid Asid, task TaskID) error {
	existing, pres := self.asids[asid]
	if pres {
		return invariantf(
			"asid %#x already mapped to task %v while adding task %v",
			uint64(asid), existing, task)
	}

	self.asids[asid] = task
	return nil
}

// RemoveAsid drops an index entry. The entry must exist.
func (self *ProcessTable) RemoveAsid(asid Asid) error {
	_, pres := self.asids[asid]
	if !pres {
		return invariantf("no asid mapping to remove for %#x", uint64(asid))
	}

	delete(self.asids, asid)
	return nil
}

// RebindAsid atomically re-points an existing index entry at another
// task. This is the vfork hand-off primitive: only one task may own
// an asid, so when parent and child briefly share one, the index
// entry is stolen by the child and later restored to the parent.
func (self *ProcessTable) RebindAsid(asid Asid, task TaskID) error {
	existing, pres := self.asids[asid]
	if !pres {
		return invariantf("no asid mapping to rebind for %#x", uint64(asid))
	}

	if existing == task {
		return invariantf(
			"rebinding asid %#x to task %v it already maps to",
			uint64(asid), task)
	}

	self.asids[asid] = task
	return nil
}

// Initialize bulk populates the table from the live process list at
// trace start.
func (self *ProcessTable) Initialize(
	handles []ProcessHandle, now time.Time) (int, error) {

	if self.initialized {
		return 0, invariantf("process table initialized twice")
	}

	count := 0
	for _, handle := range handles {
		_, err := self.CreateFromHandle(handle, now)
		if err != nil {
			return count, err
		}

		if handle.Asid != KernelAsid {
			err := self.AddAsid(handle.Asid, handle.TaskID)
			if err != nil {
				return count, err
			}
		}

		count++
	}

	self.initialized = true
	return count, nil
}

// Tasks returns all tracked task identities in stable order.
func (self *ProcessTable) Tasks() []TaskID {
	result := make([]TaskID, 0, len(self.procs))
	for task := range self.procs {
		result = append(result, task)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i] < result[j]
	})

	return result
}

func (self *ProcessTable) Len() int {
	return len(self.procs)
}

// StateCounts tallies records per state, for end of trace reporting.
func (self *ProcessTable) StateCounts() *ordereddict.Dict {
	counts := make(map[State]int)
	for _, record := range self.procs {
		counts[record.State]++
	}

	result := ordereddict.NewDict()
	for s := StateInit; s <= StateKern; s++ {
		count, pres := counts[s]
		if pres {
			result.Set(s.String(), count)
		}
	}

	return result
}

// Clear releases all records and index entries. Only called at
// finalize after force-ending the survivors.
func (self *ProcessTable) Clear() {
	self.procs = make(map[TaskID]*ProcessRecord)
	self.asids = make(map[Asid]TaskID)
	self.initialized = false
}

// CheckIndexes validates the representation invariants of the two
// indices. Used by tests and the consistency checker.
func (self *ProcessTable) CheckIndexes() error {
	for asid, task := range self.asids {
		record, pres := self.procs[task]
		if !pres {
			return invariantf(
				"asid %#x maps to unknown task %v", uint64(asid), task)
		}

		if record.Handle.Asid != asid {
			return invariantf(
				"asid %#x maps to task %v whose handle has asid %#x",
				uint64(asid), task, uint64(record.Handle.Asid))
		}
	}

	for task, record := range self.procs {
		if record.ForkChild != NoTask {
			child, pres := self.procs[record.ForkChild]
			if !pres || child.ForkParent != task {
				return invariantf(
					"fork child link of task %v is not mutual", task)
			}
		}

		if record.ForkParent != NoTask {
			parent, pres := self.procs[record.ForkParent]
			if !pres || parent.ForkChild != task {
				return invariantf(
					"fork parent link of task %v is not mutual", task)
			}
		}
	}

	return nil
}

package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testHandle(task TaskID, pid, ppid int64, asid Asid) ProcessHandle {
	return ProcessHandle{TaskID: task, Pid: pid, Ppid: ppid, Asid: asid}
}

func TestTableCreateAndLookup(t *testing.T) {
	table := NewProcessTable()
	now := time.Unix(100, 0)

	record, err := table.CreateFromHandle(
		testHandle(10, 100, 1, 0x1000), now)
	assert.NoError(t, err)
	assert.Equal(t, StateInit, record.State)
	assert.Equal(t, now, record.StartTime)

	found, pres := table.LookupTask(10)
	assert.True(t, pres)
	assert.Equal(t, record, found)

	_, pres = table.LookupTask(11)
	assert.False(t, pres)

	// Task ids are unique.
	_, err = table.CreateFromHandle(testHandle(10, 100, 1, 0x1000), now)
	assert.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
}

func TestTableAsidIndex(t *testing.T) {
	table := NewProcessTable()
	now := time.Unix(100, 0)

	_, err := table.CreateFromHandle(testHandle(10, 100, 1, 0x1000), now)
	assert.NoError(t, err)

	assert.NoError(t, table.AddAsid(0x1000, 10))

	owner, pres := table.AsidOwner(0x1000)
	assert.True(t, pres)
	assert.Equal(t, TaskID(10), owner)

	// Double add is a model violation.
	err = table.AddAsid(0x1000, 10)
	assert.True(t, IsInvariantViolation(err))

	// Removing an unmapped asid too.
	err = table.RemoveAsid(0x2000)
	assert.True(t, IsInvariantViolation(err))

	assert.NoError(t, table.RemoveAsid(0x1000))
	_, pres = table.AsidOwner(0x1000)
	assert.False(t, pres)
}

func TestTableRebindAsid(t *testing.T) {
	table := NewProcessTable()
	now := time.Unix(100, 0)

	_, err := table.CreateFromHandle(testHandle(10, 100, 1, 0x1000), now)
	assert.NoError(t, err)
	_, err = table.CreateFromHandle(testHandle(11, 101, 100, 0x1000), now)
	assert.NoError(t, err)

	assert.NoError(t, table.AddAsid(0x1000, 10))

	// A vfork child steals the shared asid from the parent.
	assert.NoError(t, table.RebindAsid(0x1000, 11))
	owner, _ := table.AsidOwner(0x1000)
	assert.Equal(t, TaskID(11), owner)

	// Rebinding to the current owner is a no-op bug.
	err = table.RebindAsid(0x1000, 11)
	assert.True(t, IsInvariantViolation(err))

	// So is rebinding an unmapped asid.
	err = table.RebindAsid(0x2000, 10)
	assert.True(t, IsInvariantViolation(err))
}

func TestTableInitialize(t *testing.T) {
	table := NewProcessTable()
	now := time.Unix(100, 0)

	count, err := table.Initialize([]ProcessHandle{
		testHandle(1, 1, 0, 0x1000),
		testHandle(2, 2, 0, 0), // kernel thread, no asid entry
		testHandle(3, 3, 1, 0x3000),
	}, now)
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 3, table.Len())

	_, pres := table.AsidOwner(0x1000)
	assert.True(t, pres)
	_, pres = table.AsidOwner(0)
	assert.False(t, pres)

	assert.NoError(t, table.CheckIndexes())

	_, err = table.Initialize(nil, now)
	assert.True(t, IsInvariantViolation(err))
}

func TestTableTasksSorted(t *testing.T) {
	table := NewProcessTable()
	now := time.Unix(100, 0)

	for _, task := range []TaskID{30, 10, 20} {
		_, err := table.CreateFromHandle(
			testHandle(task, int64(task), 1, Asid(task)*0x100), now)
		assert.NoError(t, err)
	}

	assert.Equal(t, []TaskID{10, 20, 30}, table.Tasks())
}

func TestTableCheckIndexes(t *testing.T) {
	table := NewProcessTable()
	now := time.Unix(100, 0)

	record, err := table.CreateFromHandle(
		testHandle(10, 100, 1, 0x1000), now)
	assert.NoError(t, err)
	assert.NoError(t, table.AddAsid(0x1000, 10))
	assert.NoError(t, table.CheckIndexes())

	// An index entry whose record carries a different asid is
	// corruption.
	record.Handle.Asid = 0x2000
	assert.Error(t, table.CheckIndexes())
	record.Handle.Asid = 0x1000

	// Fork links must be mutual.
	other, err := table.CreateFromHandle(
		testHandle(11, 101, 100, 0x1000), now)
	assert.NoError(t, err)

	record.ForkChild = 11
	assert.Error(t, table.CheckIndexes())

	other.ForkParent = 10
	assert.NoError(t, table.CheckIndexes())
}

func TestTableStateCounts(t *testing.T) {
	table := NewProcessTable()
	now := time.Unix(100, 0)

	a, _ := table.CreateFromHandle(testHandle(10, 100, 1, 0x1000), now)
	b, _ := table.CreateFromHandle(testHandle(11, 101, 1, 0x2000), now)
	_, _ = table.CreateFromHandle(testHandle(12, 102, 1, 0x3000), now)

	a.setState(StateRun)
	b.setState(StateRun)

	counts := table.StateCounts()
	run, pres := counts.Get("RUN")
	assert.True(t, pres)
	assert.Equal(t, 2, run)

	init, pres := counts.Get("INIT")
	assert.True(t, pres)
	assert.Equal(t, 1, init)
}

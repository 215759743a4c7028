// Package replay drives a tracker from a recorded trace. Traces are
// JSONL: one event per line, in the order the monitored system
// produced them. Rows carry the introspection samples that were taken
// at record time, so a replay is fully self contained and always
// produces the same output for the same input.
package replay

import (
	"bufio"
	"context"
	"io"

	"github.com/Velocidex/ordereddict"
	"github.com/pkg/errors"
	"www.velocidex.com/golang/lptrack/config"
	"www.velocidex.com/golang/lptrack/json"
	"www.velocidex.com/golang/lptrack/logging"
	"www.velocidex.com/golang/lptrack/tracker"
)

// Trace rows can get large when they carry a full process snapshot.
const maxLineSize = 10 * 1024 * 1024

type wireHandle struct {
	Task uint64 `json:"task"`
	Pid  int64  `json:"pid"`
	Ppid int64  `json:"ppid"`
	Asid uint64 `json:"asid"`
}

func (self wireHandle) toHandle() tracker.ProcessHandle {
	return tracker.ProcessHandle{
		TaskID: tracker.TaskID(self.Task),
		Pid:    self.Pid,
		Ppid:   self.Ppid,
		Asid:   tracker.Asid(self.Asid),
	}
}

// wireEvent is one trace row. Type selects the handler; the other
// fields are filled in per type. Handle and Processes refresh the
// introspection view before the event dispatches.
type wireEvent struct {
	Type string `json:"type"`

	Sysno     uint64 `json:"sysno,omitempty"`
	Ret       int64  `json:"ret,omitempty"`
	TargetPid int64  `json:"target_pid,omitempty"`
	Signal    int64  `json:"signal,omitempty"`
	Current   uint64 `json:"current,omitempty"`
	Next      uint64 `json:"next,omitempty"`

	Handle    *wireHandle  `json:"handle,omitempty"`
	Processes []wireHandle `json:"processes,omitempty"`
}

// traceIntrospector answers introspection queries from the samples
// recorded in the trace, standing in for the live monitored system.
type traceIntrospector struct {
	current *tracker.ProcessHandle
	world   map[tracker.TaskID]tracker.ProcessHandle
}

func newTraceIntrospector() *traceIntrospector {
	return &traceIntrospector{
		world: make(map[tracker.TaskID]tracker.ProcessHandle),
	}
}

func (self *traceIntrospector) update(event *wireEvent) {
	if event.Processes != nil {
		self.world = make(map[tracker.TaskID]tracker.ProcessHandle)
		for _, wire := range event.Processes {
			handle := wire.toHandle()
			self.world[handle.TaskID] = handle
		}
	}

	if event.Handle != nil {
		handle := event.Handle.toHandle()
		self.current = &handle

		// The current handle is authoritative for its own task.
		self.world[handle.TaskID] = handle
	}
}

func (self *traceIntrospector) CurrentHandle(ctx context.Context) (
	tracker.ProcessHandle, bool) {
	if self.current == nil {
		return tracker.ProcessHandle{}, false
	}
	return *self.current, true
}

func (self *traceIntrospector) HandleForAsid(
	ctx context.Context, asid tracker.Asid) (tracker.ProcessHandle, bool) {

	var best tracker.ProcessHandle
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

func (self *traceIntrospector) HandlesForParent(
	ctx context.Context, ppid int64) []tracker.ProcessHandle {

	result := []tracker.ProcessHandle{}
	for _, handle := range self.world {
		if handle.Ppid == ppid {
			result = append(result, handle)
		}
	}

	// Deterministic order regardless of map iteration.
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].TaskID < result[i].TaskID {
				result[i], result[j] = result[j], result[i]
			}
		}
	}

	return result
}

// Replayer feeds a recorded trace through a fresh tracker.
type Replayer struct {
	config_obj *config.Config
	logger     *logging.LogContext

	tracker      *tracker.Tracker
	introspector *traceIntrospector

	lines  int
	counts map[string]int
}

func NewReplayer(config_obj *config.Config,
	listeners ...tracker.Listener) (*Replayer, error) {

	introspector := newTraceIntrospector()
	tracker_obj, err := tracker.NewTracker(config_obj, introspector)
	if err != nil {
		return nil, err
	}

	for _, listener := range listeners {
		tracker_obj.Subscribe(listener)
	}

	return &Replayer{
		config_obj:   config_obj,
		logger:       logging.GetLogger(config_obj, logging.ToolComponent),
		tracker:      tracker_obj,
		introspector: introspector,
		counts:       make(map[string]int),
	}, nil
}

// Tracker exposes the driven tracker, mainly so callers can dump the
// table mid-trace.
func (self *Replayer) Tracker() *tracker.Tracker {
	return self.tracker
}

// Replay consumes the whole trace. It returns the tracker's final
// per state counts plus replay statistics. The tracker is finalized
// when the trace ends even if the trace carries no finalize row.
func (self *Replayer) Replay(ctx context.Context, reader io.Reader) (
	*ordereddict.Dict, error) {

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1024*1024), maxLineSize)

	finalized := false
	var endCounts *ordereddict.Dict

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		self.lines++

		event := &wireEvent{}
		err := json.Unmarshal(line, event)
		if err != nil {
			return nil, errors.Wrapf(err, "trace line %v", self.lines)
		}

		if finalized {
			return nil, errors.Errorf(
				"trace line %v: event after finalize", self.lines)
		}

		self.introspector.update(event)
		self.counts[event.Type]++

		switch event.Type {
		case "init":
			handles := make([]tracker.ProcessHandle, 0,
				len(event.Processes))
			for _, wire := range event.Processes {
				handles = append(handles, wire.toHandle())
			}
			err = self.tracker.OnInitialize(ctx, handles)

		case "syscall_enter":
			err = self.tracker.OnSyscallEnter(ctx, event.Sysno)

		case "syscall_return":
			err = self.tracker.OnSyscallReturn(
				ctx, event.Sysno, event.Ret)

		case "kill_return":
			err = self.tracker.OnKillReturn(ctx,
				event.TargetPid, event.Signal, event.Ret)

		case "context_switch":
			err = self.tracker.OnContextSwitch(ctx,
				tracker.Asid(event.Current), tracker.Asid(event.Next))

		case "finalize":
			endCounts, err = self.tracker.OnFinalize(ctx)
			finalized = true

		default:
			err = errors.Errorf("unknown event type %q", event.Type)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "trace line %v", self.lines)
		}
	}

	err := scanner.Err()
	if err != nil {
		return nil, err
	}

	if !finalized {
		endCounts, err = self.tracker.OnFinalize(ctx)
		if err != nil {
			return nil, err
		}
	}

	self.logger.Info("replayed %v trace lines", self.lines)

	return self.stats(endCounts), nil
}

func (self *Replayer) stats(endCounts *ordereddict.Dict) *ordereddict.Dict {
	events := ordereddict.NewDict()
	for _, name := range []string{
		"init", "syscall_enter", "syscall_return", "kill_return",
		"context_switch", "finalize"} {
		count, pres := self.counts[name]
		if pres {
			events.Set(name, count)
		}
	}

	return ordereddict.NewDict().
		Set("Lines", self.lines).
		Set("Events", events).
		Set("EndStates", endCounts)
}

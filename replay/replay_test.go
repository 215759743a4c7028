package replay

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"www.velocidex.com/golang/lptrack/config"
	"www.velocidex.com/golang/lptrack/logging"
	"www.velocidex.com/golang/lptrack/tracker"
)

// A clone plus exec plus exit, with the introspection samples the
// recorder would have taken inline.
const cloneTrace = `
{"type":"init","processes":[{"task":10,"pid":100,"ppid":1,"asid":4096}]}
{"type":"syscall_enter","sysno":42,"handle":{"task":10,"pid":100,"ppid":1,"asid":4096}}
{"type":"syscall_enter","sysno":120,"handle":{"task":10,"pid":100,"ppid":1,"asid":4096}}
{"type":"syscall_return","sysno":120,"ret":101,"handle":{"task":10,"pid":100,"ppid":1,"asid":4096},"processes":[{"task":10,"pid":100,"ppid":1,"asid":4096},{"task":11,"pid":101,"ppid":100,"asid":8192}]}
{"type":"syscall_enter","sysno":11,"handle":{"task":11,"pid":101,"ppid":100,"asid":8192}}
{"type":"context_switch","current":8192,"next":12288,"handle":{"task":11,"pid":101,"ppid":100,"asid":12288},"processes":[{"task":10,"pid":100,"ppid":1,"asid":4096},{"task":11,"pid":101,"ppid":100,"asid":12288}]}
{"type":"syscall_enter","sysno":1,"handle":{"task":11,"pid":101,"ppid":100,"asid":12288}}
{"type":"finalize"}
`

func replayString(t *testing.T, trace string) ([]string, *Replayer) {
	logging.Reset()

	config_obj := config.GetDefaultConfig()

	events := []string{}
	listener := &tracker.ListenerFuncs{
		StartFunc: func(handle tracker.ProcessHandle) {
			events = append(events, fmt.Sprintf(
				"start pid=%v asid=%v", handle.Pid, uint64(handle.Asid)))
		},
		EndFunc: func(handle tracker.ProcessHandle) {
			events = append(events, fmt.Sprintf(
				"end pid=%v asid=%v", handle.Pid, uint64(handle.Asid)))
		},
	}

	replayer, err := NewReplayer(config_obj, listener)
	require.NoError(t, err)

	_, err = replayer.Replay(context.Background(),
		strings.NewReader(trace))
	require.NoError(t, err)

	return events, replayer
}

func TestReplayCloneExecExit(t *testing.T) {
	events, replayer := replayString(t, cloneTrace)

	assert.Equal(t, []string{
		"start pid=100 asid=4096",
		"start pid=101 asid=8192",
		"end pid=101 asid=8192",
		"start pid=101 asid=12288",
		"end pid=101 asid=12288",
		"end pid=100 asid=4096",
	}, events)

	assert.Equal(t, 8, replayer.lines)
}

func TestReplayStats(t *testing.T) {
	logging.Reset()

	config_obj := config.GetDefaultConfig()
	replayer, err := NewReplayer(config_obj)
	require.NoError(t, err)

	stats, err := replayer.Replay(context.Background(),
		strings.NewReader(cloneTrace))
	require.NoError(t, err)

	lines, pres := stats.Get("Lines")
	assert.True(t, pres)
	assert.Equal(t, 8, lines)

	_, pres = stats.Get("Events")
	assert.True(t, pres)
	_, pres = stats.Get("EndStates")
	assert.True(t, pres)
}

func TestReplayImplicitFinalize(t *testing.T) {
	logging.Reset()

	// No finalize row: the replayer finalizes at EOF.
	trace := `
{"type":"init","processes":[{"task":10,"pid":100,"ppid":1,"asid":4096}]}
{"type":"syscall_enter","sysno":42,"handle":{"task":10,"pid":100,"ppid":1,"asid":4096}}
`
	config_obj := config.GetDefaultConfig()
	replayer, err := NewReplayer(config_obj)
	require.NoError(t, err)

	stats, err := replayer.Replay(context.Background(),
		strings.NewReader(trace))
	require.NoError(t, err)

	endStates, _ := stats.Get("EndStates")
	require.NotNil(t, endStates)
}

func TestReplayRejectsGarbage(t *testing.T) {
	logging.Reset()

	config_obj := config.GetDefaultConfig()

	for _, trace := range []string{
		"not json at all\n",
		`{"type":"frobnicate"}` + "\n",
	} {
		replayer, err := NewReplayer(config_obj)
		require.NoError(t, err)

		_, err = replayer.Replay(context.Background(),
			strings.NewReader(trace))
		assert.Error(t, err)
	}
}

func TestReplayRejectsEventsAfterFinalize(t *testing.T) {
	logging.Reset()

	trace := `
{"type":"init","processes":[]}
{"type":"finalize"}
{"type":"syscall_enter","sysno":42}
`
	config_obj := config.GetDefaultConfig()
	replayer, err := NewReplayer(config_obj)
	require.NoError(t, err)

	_, err = replayer.Replay(context.Background(),
		strings.NewReader(trace))
	assert.Error(t, err)
}

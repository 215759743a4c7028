package main

import (
	"context"
	"fmt"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/lptrack/json"
	"www.velocidex.com/golang/lptrack/replay"
	"www.velocidex.com/golang/lptrack/tracker"
)

var (
	replay_command = app.Command(
		"replay", "Replay a recorded trace and report process lifecycles.")

	replay_command_trace = replay_command.Arg(
		"trace", "A JSONL trace file.").Required().String()

	replay_command_quiet = replay_command.Flag(
		"quiet", "Only print the final statistics.").Bool()
)

func doReplay() {
	config_obj, err := get_config(*config_path)
	kingpin.FatalIfError(err, "Unable to load config.")

	fd, err := os.Open(*replay_command_trace)
	kingpin.FatalIfError(err, "Unable to open trace file.")
	defer fd.Close()

	var listeners []tracker.Listener
	if !*replay_command_quiet {
		listeners = append(listeners, &tracker.ListenerFuncs{
			StartFunc: func(handle tracker.ProcessHandle) {
				fmt.Printf("START pid=%v ppid=%v asid=%#x\n",
					handle.Pid, handle.Ppid, uint64(handle.Asid))
			},
			EndFunc: func(handle tracker.ProcessHandle) {
				fmt.Printf("END   pid=%v ppid=%v asid=%#x\n",
					handle.Pid, handle.Ppid, uint64(handle.Asid))
			},
		})
	}

	replayer, err := replay.NewReplayer(config_obj, listeners...)
	kingpin.FatalIfError(err, "Unable to create replayer.")

	stats, err := replayer.Replay(context.Background(), fd)
	kingpin.FatalIfError(err, "Replay failed.")

	fmt.Printf("%v\n", string(json.MustMarshalIndent(stats)))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == replay_command.FullCommand() {
			doReplay()
			return true
		}
		return false
	})
}

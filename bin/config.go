package main

import (
	"fmt"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/lptrack/config"
)

var (
	config_command = app.Command(
		"config", "Manipulate the configuration.")

	config_show_command = config_command.Command(
		"show", "Show the effective configuration.")
)

func doShowConfig() {
	config_obj, err := get_config(*config_path)
	kingpin.FatalIfError(err, "Unable to load config.")

	res, err := config.Encode(config_obj)
	kingpin.FatalIfError(err, "Unable to encode config.")

	fmt.Printf("%v", string(res))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == config_show_command.FullCommand() {
			doShowConfig()
			return true
		}
		return false
	})
}

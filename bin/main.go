package main

import (
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/lptrack/config"
)

type CommandHandler func(command string) bool

var (
	app = kingpin.New("lptrack",
		"Infer process lifecycles from a whole system trace.")

	config_path = app.Flag("config", "The configuration file.").
			Short('c').Envar("LPTRACK_CONFIG").String()

	verbose_flag = app.Flag(
		"verbose", "Enable verbose logging.").Short('v').
		Default("false").Bool()

	command_handlers []CommandHandler
)

func get_config(config_path string) (*config.Config, error) {
	config_obj := config.GetDefaultConfig()

	if config_path != "" {
		loaded, err := config.LoadConfig(config_path)
		if err != nil {
			return nil, err
		}
		config_obj = loaded
	}

	if *verbose_flag {
		config_obj.Verbose = true
	}

	return config_obj, nil
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate).DefaultEnvars()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	for _, command_handler := range command_handlers {
		if command_handler(command) {
			break
		}
	}
}
